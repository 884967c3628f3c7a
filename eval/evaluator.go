package eval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cluegraph/cluegraph"
)

// Case is one labeled query: the events that a good search returns.
type Case struct {
	Query            string  `json:"query"`
	RelevantEventIDs []int64 `json:"relevant_event_ids"`
}

// Dataset is a labeled query set scoped to one or more sources.
type Dataset struct {
	Name            string   `json:"name"`
	SourceConfigIDs []string `json:"source_config_ids"`
	Cases           []Case   `json:"cases"`
}

// CaseResult carries the metrics for one evaluated query.
type CaseResult struct {
	Query       string          `json:"query"`
	Returned    int             `json:"returned"`
	MRR         float64         `json:"mrr"`
	NDCG        float64         `json:"ndcg"`
	PrecisionAt map[int]float64 `json:"precision_at"`
	RecallAt    map[int]float64 `json:"recall_at"`
}

// Report aggregates case results with mean metrics over the dataset.
type Report struct {
	Dataset     string          `json:"dataset"`
	Cases       []CaseResult    `json:"cases"`
	MeanMRR     float64         `json:"mean_mrr"`
	MeanNDCG    float64         `json:"mean_ndcg"`
	PrecisionAt map[int]float64 `json:"precision_at"`
	RecallAt    map[int]float64 `json:"recall_at"`
}

// Searcher is the slice of the engine the evaluator needs.
type Searcher interface {
	Search(ctx context.Context, cfg cluegraph.SearchConfig) (*cluegraph.Response, error)
}

// Evaluator runs a dataset through a search engine.
type Evaluator struct {
	engine Searcher
	base   cluegraph.SearchConfig
}

// New returns an evaluator. The base config supplies the stage settings
// each case runs with; its query and scopes are overridden per case.
func New(engine Searcher, base cluegraph.SearchConfig) *Evaluator {
	return &Evaluator{engine: engine, base: base}
}

// Run evaluates every case in the dataset and returns the report.
// A failed search aborts the run.
func (e *Evaluator) Run(ctx context.Context, ds Dataset) (*Report, error) {
	report := &Report{
		Dataset:     ds.Name,
		PrecisionAt: make(map[int]float64),
		RecallAt:    make(map[int]float64),
	}

	for _, c := range ds.Cases {
		cfg := e.base
		cfg.Query = c.Query
		cfg.SourceConfigIDs = ds.SourceConfigIDs
		cfg.SourceConfigID = ""

		resp, err := e.engine.Search(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("eval: query %q: %w", c.Query, err)
		}

		ranked := make([]int64, len(resp.Events))
		for i, ev := range resp.Events {
			ranked[i] = ev.ID
		}
		relevant := make(map[int64]bool, len(c.RelevantEventIDs))
		for _, id := range c.RelevantEventIDs {
			relevant[id] = true
		}

		cr := CaseResult{
			Query:       c.Query,
			Returned:    len(ranked),
			MRR:         MRR(ranked, relevant),
			NDCG:        NDCG(ranked, relevant),
			PrecisionAt: make(map[int]float64),
			RecallAt:    make(map[int]float64),
		}
		for _, k := range KValues {
			cr.PrecisionAt[k] = PrecisionAtK(ranked, relevant, k)
			cr.RecallAt[k] = RecallAtK(ranked, relevant, k)
		}
		report.Cases = append(report.Cases, cr)

		slog.Debug("case evaluated", "query", c.Query, "mrr", cr.MRR, "ndcg", cr.NDCG)
	}

	n := float64(len(report.Cases))
	if n == 0 {
		return report, nil
	}
	for _, cr := range report.Cases {
		report.MeanMRR += cr.MRR / n
		report.MeanNDCG += cr.NDCG / n
		for _, k := range KValues {
			report.PrecisionAt[k] += cr.PrecisionAt[k] / n
			report.RecallAt[k] += cr.RecallAt[k] / n
		}
	}
	return report, nil
}
