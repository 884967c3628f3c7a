package rerank

import (
	"math"
	"strings"
	"sync"

	"github.com/go-ego/gse"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var (
	segOnce sync.Once
	seg     gse.Segmenter
)

// tokenize splits mixed Chinese and English text into search terms using
// the gse segmenter in search mode. The segmenter loads its built-in
// dictionary once per process.
func tokenize(text string) []string {
	segOnce.Do(func() {
		seg.LoadDict()
	})
	var tokens []string
	for _, t := range seg.CutSearch(text, true) {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// bm25Index is an in-memory Okapi BM25 index built per request over the
// threshold survivors. Documents are pre-tokenized term slices.
type bm25Index struct {
	docs  [][]string
	freq  []map[string]int
	df    map[string]int
	avgdl float64
}

func newBM25Index(docs [][]string) *bm25Index {
	idx := &bm25Index{
		docs: docs,
		freq: make([]map[string]int, len(docs)),
		df:   make(map[string]int),
	}
	var total int
	for i, doc := range docs {
		total += len(doc)
		f := make(map[string]int, len(doc))
		for _, t := range doc {
			f[t]++
		}
		idx.freq[i] = f
		for t := range f {
			idx.df[t]++
		}
	}
	if len(docs) > 0 {
		idx.avgdl = float64(total) / float64(len(docs))
	}
	return idx
}

// score computes the BM25 score of document i against the query terms.
func (idx *bm25Index) score(query []string, i int) float64 {
	if idx.avgdl == 0 {
		return 0
	}
	n := float64(len(idx.docs))
	dl := float64(len(idx.docs[i]))
	var s float64
	for _, t := range query {
		tf := float64(idx.freq[i][t])
		if tf == 0 {
			continue
		}
		df := float64(idx.df[t])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		s += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*dl/idx.avgdl))
	}
	return s
}
