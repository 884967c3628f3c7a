// Package vecmath holds the float32 numeric kernels used by the retrieval
// pipeline: cosine similarity, batched cosine against a fixed query vector,
// and L2 norms. Norms are computed once per vector and never inside loops.
package vecmath

import "math"

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot returns the dot product of a and b. Panics if lengths differ.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		panic("vecmath: dimension mismatch")
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}

// CosineBatch computes the cosine similarity of query against every vector
// in vectors. The query norm is computed once. A nil or zero vector scores 0.
func CosineBatch(query []float32, vectors [][]float32) []float64 {
	scores := make([]float64, len(vectors))
	nq := Norm(query)
	if nq == 0 {
		return scores
	}
	for i, v := range vectors {
		if len(v) == 0 {
			continue
		}
		nv := Norm(v)
		if nv == 0 {
			continue
		}
		scores[i] = Dot(query, v) / (nq * nv)
	}
	return scores
}
