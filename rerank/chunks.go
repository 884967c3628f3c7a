package rerank

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/store"
)

// chunkCandidate is one deduplicated source chunk reached through the
// entity -> event -> chunk path.
type chunkCandidate struct {
	chunk    store.Chunk
	text     string
	entities []SourceEntity
	byID     map[int64]struct{}
}

// RankChunksPageRank runs the chunk PageRank reranker. Candidates are the
// chunks behind the events the key entities link to, deduplicated by chunk
// id; graph edges are entity-based only.
func (e *Engine) RankChunksPageRank(ctx context.Context, req Request) ([]RankedChunk, error) {
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

	eventSources := make(map[int64][]SourceEntity)
	var eventIDs []int64
	for _, r := range rows {
		if _, ok := eventSources[r.EventID]; !ok {
			eventIDs = append(eventIDs, r.EventID)
		}
		k := keyByID[r.EntityID]
		eventSources[r.EventID] = append(eventSources[r.EventID], SourceEntity{
			EntityID: r.EntityID,
			Name:     r.EntityName,
			Type:     r.EntityType,
			Weight:   k.Weight * r.LinkWeight,
		})
	}

	events, err := e.storage.GetEventsByIDs(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: fetching events: %w", err)
	}

	// Follow chunk ids, deduplicating and unioning source entities.
	chunkSources := make(map[int64]map[int64]SourceEntity)
	var chunkIDs []int64
	for _, ev := range events {
		if ev.ChunkID == 0 {
			continue
		}
		if _, ok := chunkSources[ev.ChunkID]; !ok {
			chunkIDs = append(chunkIDs, ev.ChunkID)
			chunkSources[ev.ChunkID] = make(map[int64]SourceEntity)
		}
		for _, s := range eventSources[ev.ID] {
			if prev, ok := chunkSources[ev.ChunkID][s.EntityID]; !ok || s.Weight > prev.Weight {
				chunkSources[ev.ChunkID][s.EntityID] = s
			}
		}
	}
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	chunks, err := e.storage.GetChunksByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("rerank: fetching chunks: %w", err)
	}
	chunkByID := make(map[int64]store.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	var cands []chunkCandidate
	for _, id := range chunkIDs {
		c, ok := chunkByID[id]
		if !ok {
			continue
		}
		srcMap := chunkSources[id]
		entities := make([]SourceEntity, 0, len(srcMap))
		byID := make(map[int64]struct{}, len(srcMap))
		// Stable entity order follows the key list.
		for _, k := range req.Keys {
			if s, ok := srcMap[k.EntityID]; ok {
				entities = append(entities, s)
				byID[s.EntityID] = struct{}{}
			}
		}
		cands = append(cands, chunkCandidate{
			chunk:    c,
			text:     chunkText(c),
			entities: entities,
			byID:     byID,
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}

	weights := make([]float64, len(cands))
	for i, c := range cands {
		var sum float64
		for _, s := range c.entities {
			sum += s.Weight
		}
		weights[i] = math.Log(1 + sum)
	}

	pr := pageRank(e.buildChunkGraph(cands, req.Keys), weights, e.cfg.PageRankDampingFactor, e.cfg.PageRankMaxIterations)

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return pr[order[a]] > pr[order[b]] })

	topN := e.cfg.MaxResults
	if topN <= 0 || topN > len(order) {
		topN = len(order)
	}

	e.emitChunkClues(req, cands, pr, order, topN)

	results := make([]RankedChunk, 0, topN)
	for _, idx := range order[:topN] {
		c := cands[idx]
		results = append(results, RankedChunk{
			Chunk:          c.chunk,
			PageRank:       pr[idx],
			Weight:         weights[idx],
			SourceEntities: c.entities,
		})
	}
	return results, nil
}

// buildChunkGraph builds the entity-only co-occurrence graph over chunks.
func (e *Engine) buildChunkGraph(cands []chunkCandidate, keys []store.RankedEntity) *graph {
	g := newGraph(len(cands))
	for _, k := range keys {
		var members []int
		for i, c := range cands {
			if _, ok := c.byID[k.EntityID]; ok {
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
	return g
}

// emitChunkClues records intermediate clues for every candidate chunk and
// final clues for the top N.
func (e *Engine) emitChunkClues(req Request, cands []chunkCandidate, pr []float64, order []int, topN int) {
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
		node := clue.SectionNode(c.chunk.ID, c.chunk.Heading, c.chunk.Content)
		meta := map[string]any{"pagerank": pr[idx]}

		if len(c.entities) == 0 {
			req.Tracker.Add(clue.StageRerank, queryNode, node, pr[idx], "reranked_section", level, meta)
			continue
		}
		for _, s := range c.entities {
			req.Tracker.Add(clue.StageRerank, clue.EntityNode(s.EntityID, s.Name, s.Type, ""), node,
				s.Weight, "reranked_section", level, meta)
		}
	}
}
