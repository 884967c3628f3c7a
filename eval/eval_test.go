package eval

import (
	"context"
	"math"
	"testing"

	"github.com/cluegraph/cluegraph"
	"github.com/cluegraph/cluegraph/rerank"
	"github.com/cluegraph/cluegraph/store"
)

func TestPrecisionAndRecallAtK(t *testing.T) {
	ranked := []int64{1, 2, 3, 4}
	relevant := map[int64]bool{1: true, 3: true, 9: true}

	if got := PrecisionAtK(ranked, relevant, 2); got != 0.5 {
		t.Errorf("P@2 = %f, want 0.5", got)
	}
	if got := RecallAtK(ranked, relevant, 4); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Errorf("R@4 = %f, want 2/3", got)
	}
	// k past the list length clamps to the list.
	if got := PrecisionAtK(ranked, relevant, 10); got != 0.5 {
		t.Errorf("P@10 = %f, want 0.5", got)
	}
	if got := PrecisionAtK(nil, relevant, 5); got != 0 {
		t.Errorf("P@5 on empty list = %f, want 0", got)
	}
}

func TestMRR(t *testing.T) {
	relevant := map[int64]bool{7: true}
	if got := MRR([]int64{3, 5, 7}, relevant); math.Abs(got-1.0/3.0) > 1e-12 {
		t.Errorf("MRR = %f, want 1/3", got)
	}
	if got := MRR([]int64{3, 5}, relevant); got != 0 {
		t.Errorf("MRR with no hit = %f, want 0", got)
	}
}

func TestNDCG(t *testing.T) {
	relevant := map[int64]bool{1: true, 2: true}
	// Perfect ordering scores 1.
	if got := NDCG([]int64{1, 2, 3}, relevant); math.Abs(got-1) > 1e-12 {
		t.Errorf("NDCG perfect = %f, want 1", got)
	}
	// Pushing a relevant result down lowers the score.
	worse := NDCG([]int64{1, 3, 2}, relevant)
	if worse >= 1 || worse <= 0 {
		t.Errorf("NDCG degraded = %f, want in (0, 1)", worse)
	}
}

// fakeSearcher returns a canned ranking per query.
type fakeSearcher struct {
	rankings map[string][]int64
}

func (f *fakeSearcher) Search(ctx context.Context, cfg cluegraph.SearchConfig) (*cluegraph.Response, error) {
	events := make([]rerank.RankedEvent, 0)
	for _, id := range f.rankings[cfg.Query] {
		events = append(events, rerank.RankedEvent{Event: store.Event{ID: id}})
	}
	return &cluegraph.Response{Events: events}, nil
}

func TestEvaluatorRun(t *testing.T) {
	searcher := &fakeSearcher{rankings: map[string][]int64{
		"first":  {1, 2, 3},
		"second": {9, 5},
	}}
	ev := New(searcher, cluegraph.DefaultSearchConfig(""))

	report, err := ev.Run(context.Background(), Dataset{
		Name:            "smoke",
		SourceConfigIDs: []string{"s1"},
		Cases: []Case{
			{Query: "first", RelevantEventIDs: []int64{1}},
			{Query: "second", RelevantEventIDs: []int64{5}},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Cases) != 2 {
		t.Fatalf("got %d cases, want 2", len(report.Cases))
	}
	if report.Cases[0].MRR != 1 {
		t.Errorf("first MRR = %f, want 1", report.Cases[0].MRR)
	}
	if report.Cases[1].MRR != 0.5 {
		t.Errorf("second MRR = %f, want 0.5", report.Cases[1].MRR)
	}
	if math.Abs(report.MeanMRR-0.75) > 1e-12 {
		t.Errorf("mean MRR = %f, want 0.75", report.MeanMRR)
	}
	if report.RecallAt[1] != 0.5 {
		t.Errorf("mean R@1 = %f, want 0.5", report.RecallAt[1])
	}
}
