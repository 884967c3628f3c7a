package rerank

// graph is an arena-style directed graph over candidate indexes. Nodes are
// integer indexes into the candidate list; no pointers between nodes.
type graph struct {
	out       [][]edge
	outWeight []float64
}

type edge struct {
	target int
	weight float64
}

func newGraph(n int) *graph {
	return &graph{
		out:       make([][]edge, n),
		outWeight: make([]float64, n),
	}
}

// addEdge adds a directed edge. Zero and negative weights are omitted.
func (g *graph) addEdge(from, to int, weight float64) {
	if weight <= 0 || from == to {
		return
	}
	g.out[from] = append(g.out[from], edge{target: to, weight: weight})
	g.outWeight[from] += weight
}

const (
	pageRankTolerance = 1e-6
)

// pageRank runs damped personalized PageRank. The personalization vector
// seeds both the initial scores and the teleport distribution; if it sums
// to zero a uniform distribution is used. Mass from dangling nodes is
// redistributed through the teleport vector. Converges on L1 change below
// the tolerance or after maxIter iterations.
func pageRank(g *graph, personalization []float64, damping float64, maxIter int) []float64 {
	n := len(g.out)
	if n == 0 {
		return nil
	}

	p := make([]float64, n)
	var sum float64
	for _, w := range personalization {
		sum += w
	}
	if sum > 0 {
		for i, w := range personalization {
			p[i] = w / sum
		}
	} else {
		for i := range p {
			p[i] = 1 / float64(n)
		}
	}

	pr := make([]float64, n)
	copy(pr, p)
	next := make([]float64, n)

	for iter := 0; iter < maxIter; iter++ {
		var dangling float64
		for j := 0; j < n; j++ {
			if g.outWeight[j] == 0 {
				dangling += pr[j]
			}
		}

		for i := 0; i < n; i++ {
			next[i] = (1-damping)*p[i] + damping*dangling*p[i]
		}
		for j := 0; j < n; j++ {
			if g.outWeight[j] == 0 || pr[j] == 0 {
				continue
			}
			share := damping * pr[j] / g.outWeight[j]
			for _, e := range g.out[j] {
				next[e.target] += share * e.weight
			}
		}

		var delta float64
		for i := 0; i < n; i++ {
			d := next[i] - pr[i]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		pr, next = next, pr
		if delta < pageRankTolerance {
			break
		}
	}
	return pr
}
