// Package eval measures retrieval quality over a labeled query set. A
// dataset names, per query, the events that should come back; the
// evaluator runs each query through the search engine and scores the
// ranked results with standard ranking metrics.
package eval

import "math"

// KValues are the cutoffs at which precision and recall are reported.
var KValues = []int{1, 3, 5, 10}

// PrecisionAtK is the fraction of the top-k results that are relevant.
func PrecisionAtK(ranked []int64, relevant map[int64]bool, k int) float64 {
	if len(ranked) == 0 || len(relevant) == 0 || k <= 0 {
		return 0
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	hits := 0
	for _, id := range ranked[:k] {
		if relevant[id] {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// RecallAtK is the fraction of relevant events found in the top-k results.
func RecallAtK(ranked []int64, relevant map[int64]bool, k int) float64 {
	if len(ranked) == 0 || len(relevant) == 0 || k <= 0 {
		return 0
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	hits := 0
	for _, id := range ranked[:k] {
		if relevant[id] {
			hits++
		}
	}
	return float64(hits) / float64(len(relevant))
}

// MRR is the reciprocal rank of the first relevant result, 0 when none
// of the results are relevant.
func MRR(ranked []int64, relevant map[int64]bool) float64 {
	for i, id := range ranked {
		if relevant[id] {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// NDCG is the normalized discounted cumulative gain with binary
// relevance over the full ranked list.
func NDCG(ranked []int64, relevant map[int64]bool) float64 {
	if len(ranked) == 0 || len(relevant) == 0 {
		return 0
	}
	var dcg float64
	for i, id := range ranked {
		if relevant[id] {
			dcg += 1 / math.Log2(float64(i)+2)
		}
	}
	ideal := len(relevant)
	if ideal > len(ranked) {
		ideal = len(ranked)
	}
	var idcg float64
	for i := 0; i < ideal; i++ {
		idcg += 1 / math.Log2(float64(i)+2)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}
