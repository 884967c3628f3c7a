package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/store"
	"github.com/cluegraph/cluegraph/vecmath"
)

// rrfCandidate is one event in the fusion pipeline.
type rrfCandidate struct {
	event      store.Event
	similarity float64
	bm25       float64
	rrf        float64
	entities   []SourceEntity
}

// RankEventsRRF runs the reciprocal rank fusion reranker: entity-joined
// candidates scored both by a title and content embedding blend and by
// BM25 over tokenized text, fused with k from the config.
func (e *Engine) RankEventsRRF(ctx context.Context, req Request) ([]RankedEvent, error) {
	if len(req.Keys) == 0 {
		return nil, nil
	}
	keyByID := make(map[int64]store.RankedEntity, len(req.Keys))
	ids := make([]int64, len(req.Keys))
	for i, k := range req.Keys {
		ids[i] = k.EntityID
		keyByID[k.EntityID] = k
	}

	rows, err := e.storage.EventsByEntityIDs(ctx, ids, req.SourceConfigIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: events by entities: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	sources := make(map[int64][]SourceEntity)
	var eventIDs []int64
	for _, r := range rows {
		if _, ok := sources[r.EventID]; !ok {
			eventIDs = append(eventIDs, r.EventID)
		}
		k := keyByID[r.EntityID]
		sources[r.EventID] = append(sources[r.EventID], SourceEntity{
			EntityID: r.EntityID,
			Name:     r.EntityName,
			Type:     r.EntityType,
			Weight:   k.Weight * r.LinkWeight,
		})
	}

	// Blended title and content similarity. Missing vectors contribute 0;
	// events missing both are dropped.
	vectors, err := e.storage.GetEventVectors(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: event vectors: %w", err)
	}

	events, err := e.storage.GetEventsByIDs(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: fetching events: %w", err)
	}
	eventByID := make(map[int64]store.Event, len(events))
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}

	var cands []rrfCandidate
	for _, id := range eventIDs {
		ev, ok := eventByID[id]
		if !ok {
			continue
		}
		v, ok := vectors[id]
		if !ok || (v.Title == nil && v.Content == nil) {
			continue
		}
		var sim float64
		if v.Title != nil {
			sim += 0.2 * vecmath.Cosine(req.QueryEmbedding, v.Title)
		}
		if v.Content != nil {
			sim += 0.8 * vecmath.Cosine(req.QueryEmbedding, v.Content)
		}
		if sim < e.cfg.ScoreThreshold {
			continue
		}
		cands = append(cands, rrfCandidate{
			event:      ev,
			similarity: sim,
			entities:   sources[id],
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}

	// BM25 over the survivors.
	queryTokens := tokenize(req.Query)
	docs := make([][]string, len(cands))
	for i, c := range cands {
		docs[i] = tokenize(eventText(c.event))
	}
	idx := newBM25Index(docs)
	for i := range cands {
		cands[i].bm25 = idx.score(queryTokens, i)
	}

	// Rank both lists (1-based) and fuse.
	embRank := rankOf(cands, func(c rrfCandidate) float64 { return c.similarity })
	bm25Rank := rankOf(cands, func(c rrfCandidate) float64 { return c.bm25 })
	k := float64(e.cfg.RRFK)
	if k <= 0 {
		k = 60
	}
	for i := range cands {
		cands[i].rrf = 1/(k+float64(embRank[i])) + 1/(k+float64(bm25Rank[i]))
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	// Ties on RRF score break by event id so results are reproducible.
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := cands[order[a]], cands[order[b]]
		if ca.rrf != cb.rrf {
			return ca.rrf > cb.rrf
		}
		return ca.event.ID < cb.event.ID
	})

	topN := e.cfg.MaxResults
	if topN <= 0 || topN > len(order) {
		topN = len(order)
	}
	clueN := 3 * topN
	if clueN > len(order) {
		clueN = len(order)
	}

	e.emitRRFClues(req, cands, order, topN, clueN)

	results := make([]RankedEvent, 0, topN)
	for _, i := range order[:topN] {
		c := cands[i]
		results = append(results, RankedEvent{
			Event:          c.event,
			Similarity:     c.similarity,
			RRFScore:       c.rrf,
			Weight:         c.rrf,
			Source:         sourceEntity,
			SourceEntities: c.entities,
		})
	}
	return results, nil
}

// rankOf returns the 1-based rank of each candidate under the given score.
// Higher scores rank first; equal scores share the rank of the first of
// their group (competition ranking).
func rankOf(cands []rrfCandidate, score func(rrfCandidate) float64) []int {
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return score(cands[order[a]]) > score(cands[order[b]])
	})
	ranks := make([]int, len(cands))
	rank := 1
	for pos, i := range order {
		if pos > 0 && score(cands[i]) < score(cands[order[pos-1]]) {
			rank = pos + 1
		}
		ranks[i] = rank
	}
	return ranks
}

// emitRRFClues records intermediate clues for the top 3N candidates and
// final clues for the top N.
func (e *Engine) emitRRFClues(req Request, cands []rrfCandidate, order []int, topN, clueN int) {
	queryNode := clue.QueryNode(req.Query)
	for pos, idx := range order[:clueN] {
		c := cands[idx]
		level := clue.LevelIntermediate
		if pos < topN {
			level = clue.LevelFinal
		}
		evNode := req.Tracker.EventNode(clue.StageRerank, 0, clue.MethodEntityRecall, clue.EventRef{
			ID: c.event.ID, Title: c.event.Title, Summary: c.event.Summary, Category: c.event.Category,
		})
		meta := map[string]any{"rrf_score": c.rrf, "bm25": c.bm25, "similarity": c.similarity}

		if len(c.entities) == 0 {
			req.Tracker.Add(clue.StageRerank, queryNode, evNode, c.rrf, "reranked_event", level, meta)
			continue
		}
		for _, s := range c.entities {
			req.Tracker.Add(clue.StageRerank, clue.EntityNode(s.EntityID, s.Name, s.Type, ""), evNode,
				c.rrf, "reranked_event", level, meta)
		}
	}
}
