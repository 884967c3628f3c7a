package rerank

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/store"
	"github.com/cluegraph/cluegraph/vecmath"
)

// eventCandidate is one merged candidate flowing through the event
// PageRank pipeline.
type eventCandidate struct {
	event      store.Event
	text       string
	similarity float64
	source     string
	entities   []SourceEntity
	entityIDs  map[int64]struct{}
}

// RankEventsPageRank runs the event PageRank reranker: entity recall and
// query recall gathered concurrently, merged entity-first, weighted, then
// ranked by personalized PageRank over the co-occurrence graph.
func (e *Engine) RankEventsPageRank(ctx context.Context, req Request) ([]RankedEvent, error) {
	var entityCands, queryCands []eventCandidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entityCands, err = e.recallByEntities(gctx, req)
		return err
	})
	g.Go(func() error {
		var err error
		queryCands, err = e.recallByQuery(gctx, req)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge: entity recall wins on id collisions.
	merged := entityCands
	seen := make(map[int64]struct{}, len(merged))
	for _, c := range merged {
		seen[c.event.ID] = struct{}{}
	}
	for _, c := range queryCands {
		if _, ok := seen[c.event.ID]; ok {
			continue
		}
		seen[c.event.ID] = struct{}{}
		merged = append(merged, c)
	}
	if len(merged) == 0 {
		return nil, nil
	}

	// Initial weights: similarity plus a log-damped entity vote.
	weights := make([]float64, len(merged))
	for i, c := range merged {
		var entitySum float64
		for _, s := range c.entities {
			entitySum += s.Weight
		}
		weights[i] = 0.5*c.similarity + math.Log(1+entitySum)
	}

	pr := pageRank(e.buildEventGraph(merged, req.Keys), weights, e.cfg.PageRankDampingFactor, e.cfg.PageRankMaxIterations)

	order := make([]int, len(merged))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return pr[order[a]] > pr[order[b]] })

	topN := e.cfg.MaxResults
	if topN <= 0 || topN > len(order) {
		topN = len(order)
	}

	e.emitEventClues(req, merged, pr, order, topN)

	results := make([]RankedEvent, 0, topN)
	for _, idx := range order[:topN] {
		c := merged[idx]
		results = append(results, RankedEvent{
			Event:          c.event,
			Similarity:     c.similarity,
			PageRank:       pr[idx],
			Weight:         weights[idx],
			Source:         c.source,
			SourceEntities: c.entities,
		})
	}
	return results, nil
}

// recallByEntities joins key entities to events, scores by content vector
// similarity and keeps the strongest below the key recall cap.
func (e *Engine) recallByEntities(ctx context.Context, req Request) ([]eventCandidate, error) {
	if len(req.Keys) == 0 {
		return nil, nil
	}
	keyWeight := make(map[int64]store.RankedEntity, len(req.Keys))
	ids := make([]int64, len(req.Keys))
	for i, k := range req.Keys {
		ids[i] = k.EntityID
		keyWeight[k.EntityID] = k
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
		k := keyWeight[r.EntityID]
		sources[r.EventID] = append(sources[r.EventID], SourceEntity{
			EntityID: r.EntityID,
			Name:     r.EntityName,
			Type:     r.EntityType,
			Weight:   k.Weight * r.LinkWeight,
		})
	}

	vectors, err := e.storage.GetEventVectors(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: event vectors: %w", err)
	}
	contents := make([][]float32, len(eventIDs))
	for i, id := range eventIDs {
		contents[i] = vectors[id].Content
	}
	sims := vecmath.CosineBatch(req.QueryEmbedding, contents)

	type scored struct {
		id  int64
		sim float64
	}
	var kept []scored
	for i, id := range eventIDs {
		if _, ok := vectors[id]; !ok {
			continue
		}
		if sims[i] < e.cfg.ScoreThreshold {
			continue
		}
		kept = append(kept, scored{id: id, sim: sims[i]})
	}
	sort.SliceStable(kept, func(a, b int) bool { return kept[a].sim > kept[b].sim })
	if e.cfg.MaxKeyRecallResults > 0 && len(kept) > e.cfg.MaxKeyRecallResults {
		kept = kept[:e.cfg.MaxKeyRecallResults]
	}
	if len(kept) == 0 {
		return nil, nil
	}

	keptIDs := make([]int64, len(kept))
	for i, s := range kept {
		keptIDs[i] = s.id
	}
	events, err := e.storage.GetEventsByIDs(ctx, keptIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: fetching events: %w", err)
	}
	eventByID := make(map[int64]store.Event, len(events))
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}

	var cands []eventCandidate
	for _, s := range kept {
		ev, ok := eventByID[s.id]
		if !ok {
			continue
		}
		cands = append(cands, newEventCandidate(ev, s.sim, sourceEntity, sources[s.id]))
	}
	return cands, nil
}

// recallByQuery runs the pure KNN path over event content vectors.
func (e *Engine) recallByQuery(ctx context.Context, req Request) ([]eventCandidate, error) {
	hits, err := e.storage.SearchSimilarEventsByContent(ctx, req.QueryEmbedding, e.cfg.MaxQueryRecallResults, 0, req.SourceConfigIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: query recall: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		if h.Score < e.cfg.ScoreThreshold {
			continue
		}
		ids = append(ids, h.EventID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	events, err := e.storage.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("rerank: fetching events: %w", err)
	}
	eventByID := make(map[int64]store.Event, len(events))
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}

	var cands []eventCandidate
	for _, h := range hits {
		ev, ok := eventByID[h.EventID]
		if !ok {
			continue
		}
		if h.Score < e.cfg.ScoreThreshold {
			continue
		}
		cands = append(cands, newEventCandidate(ev, h.Score, sourceQuery, nil))
	}
	return cands, nil
}

func newEventCandidate(ev store.Event, sim float64, source string, entities []SourceEntity) eventCandidate {
	ids := make(map[int64]struct{}, len(entities))
	for _, s := range entities {
		ids[s.EntityID] = struct{}{}
	}
	return eventCandidate{
		event:      ev,
		text:       eventText(ev),
		similarity: sim,
		source:     source,
		entities:   entities,
		entityIDs:  ids,
	}
}

// buildEventGraph builds the directional co-occurrence graph: entity edges
// weighted by key weight times occurrence count in the target, category
// edges by the target's share of the category text mass.
func (e *Engine) buildEventGraph(cands []eventCandidate, keys []store.RankedEntity) *graph {
	g := newGraph(len(cands))

	// Entity edges. An entity appears in an event when it is linked or
	// occurs in the text.
	for _, k := range keys {
		var members []int
		for i, c := range cands {
			if _, ok := c.entityIDs[k.EntityID]; ok {
				members = append(members, i)
				continue
			}
			if countOccurrences(c.text, k.Name) > 0 {
				members = append(members, i)
			}
		}
		for _, i := range members {
			for _, j := range members {
				if i == j {
					continue
				}
				g.addEdge(i, j, k.Weight*float64(countOccurrences(cands[j].text, k.Name)))
			}
		}
	}

	// Category edges.
	byCategory := make(map[string][]int)
	for i, c := range cands {
		if c.event.Category == "" {
			continue
		}
		byCategory[c.event.Category] = append(byCategory[c.event.Category], i)
	}
	for _, group := range byCategory {
		if len(group) < 2 {
			continue
		}
		var total float64
		for _, i := range group {
			total += float64(len(cands[i].text))
		}
		if total == 0 {
			continue
		}
		for _, i := range group {
			for _, j := range group {
				if i == j {
					continue
				}
				g.addEdge(i, j, 0.1*float64(len(cands[j].text))/total)
			}
		}
	}
	return g
}

// emitEventClues records intermediate clues for every merged candidate and
// final clues for the top N.
func (e *Engine) emitEventClues(req Request, cands []eventCandidate, pr []float64, order []int, topN int) {
	queryNode := clue.QueryNode(req.Query)
	final := make(map[int]struct{}, topN)
	for _, idx := range order[:topN] {
		final[idx] = struct{}{}
	}

	for _, idx := range order {
		c := cands[idx]
		level := clue.LevelIntermediate
		if _, ok := final[idx]; ok {
			level = clue.LevelFinal
		}
		method := clue.MethodEntityRecall
		if c.source == sourceQuery {
			method = clue.MethodQueryRecall
		}
		evNode := req.Tracker.EventNode(clue.StageRerank, 0, method, clue.EventRef{
			ID: c.event.ID, Title: c.event.Title, Summary: c.event.Summary, Category: c.event.Category,
		})
		meta := map[string]any{"pagerank": pr[idx], "source": c.source}

		if c.source == sourceQuery || len(c.entities) == 0 {
			req.Tracker.Add(clue.StageRerank, queryNode, evNode, c.similarity, "reranked_event", level, meta)
			continue
		}
		for _, s := range c.entities {
			req.Tracker.Add(clue.StageRerank, clue.EntityNode(s.EntityID, s.Name, s.Type, ""), evNode,
				s.Weight, "reranked_event", level, meta)
		}
	}
}
