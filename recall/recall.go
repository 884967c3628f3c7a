// Package recall implements the first pipeline stage: turning a query into
// a weighted entity set. Fast mode is a single KNN over the entity index;
// full mode runs attribute extraction, entity and event recall, and the
// event-intersection weighting that keeps only entities supported by both
// the entity path and the query path.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/llm"
	"github.com/cluegraph/cluegraph/store"
)

// Config controls the recall stage.
type Config struct {
	UseFastMode               bool    `json:"use_fast_mode" yaml:"use_fast_mode"`
	VectorTopK                int     `json:"vector_top_k" yaml:"vector_top_k"`
	VectorCandidates          int     `json:"vector_candidates" yaml:"vector_candidates"`
	EntitySimilarityThreshold float64 `json:"entity_similarity_threshold" yaml:"entity_similarity_threshold"`
	EventSimilarityThreshold  float64 `json:"event_similarity_threshold" yaml:"event_similarity_threshold"`
	MaxEntities               int     `json:"max_entities" yaml:"max_entities"`
	MaxEvents                 int     `json:"max_events" yaml:"max_events"`
	EntityWeightThreshold     float64 `json:"entity_weight_threshold" yaml:"entity_weight_threshold"`
	FinalEntityCount          int     `json:"final_entity_count" yaml:"final_entity_count"`
}

// DefaultConfig returns the recall defaults.
func DefaultConfig() Config {
	return Config{
		UseFastMode:               false,
		VectorTopK:                10,
		VectorCandidates:          100,
		EntitySimilarityThreshold: 0.5,
		EventSimilarityThreshold:  0.5,
		MaxEntities:               20,
		MaxEvents:                 50,
		EntityWeightThreshold:     0.3,
		FinalEntityCount:          10,
	}
}

// Storage is the store surface recall needs. *store.Store satisfies it.
type Storage interface {
	SearchSimilarEntities(ctx context.Context, embedding []float32, k, candidates int, sourceConfigIDs []string, typeTag string, includeTypeThreshold bool) ([]store.EntityHit, error)
	SearchSimilarEventsByContent(ctx context.Context, embedding []float32, k, candidates int, sourceConfigIDs []string) ([]store.EventHit, error)
	EventsByEntityIDs(ctx context.Context, entityIDs []int64, sourceConfigIDs []string) ([]store.EventEntityRow, error)
	GetEventsByIDs(ctx context.Context, ids []int64) ([]store.Event, error)
}

// Engine runs the recall stage.
type Engine struct {
	storage Storage
	chat    llm.Provider
	embed   llm.Provider
	cfg     Config
}

// New creates a recall engine.
func New(storage Storage, chat, embed llm.Provider, cfg Config) *Engine {
	return &Engine{storage: storage, chat: chat, embed: embed, cfg: cfg}
}

// Request carries the per-search inputs.
type Request struct {
	Query              string
	SourceConfigIDs    []string
	EnableQueryRewrite bool
	Tracker            *clue.Tracker
}

// Result is the recall output: key_final plus the intermediate artifacts
// later stages and diagnostics consume. QueryEmbedding is the embedding of
// the current (possibly rewritten) query and is reused downstream.
type Result struct {
	KeyFinal       []store.RankedEntity
	Query          string
	OriginalQuery  string
	Rewritten      bool
	QueryEmbedding []float32
	Attributes     []Attribute

	EventsFromKeys  []int64
	EventsFromQuery []int64
	FinalEvents     []int64

	ByType map[string]int
}

// Run executes recall in the configured mode.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if e.cfg.UseFastMode {
		return e.runFast(ctx, req)
	}
	return e.runFull(ctx, req)
}

// runFast embeds the raw query and takes entity KNN survivors directly.
func (e *Engine) runFast(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Query: req.Query, OriginalQuery: req.Query, ByType: make(map[string]int)}

	qvec, err := e.embedOne(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("recall: embedding query: %w", err)
	}
	res.QueryEmbedding = qvec

	hits, err := e.storage.SearchSimilarEntities(ctx, qvec, e.cfg.VectorTopK, e.cfg.VectorCandidates, req.SourceConfigIDs, "", true)
	if err != nil {
		return nil, fmt.Errorf("recall: entity search: %w", err)
	}

	queryNode := clue.QueryNode(req.Query)
	seen := make(map[int64]struct{})
	for _, h := range hits {
		if h.Score < math.Max(e.cfg.EntitySimilarityThreshold, h.TypeThreshold) {
			continue
		}
		if _, ok := seen[h.EntityID]; ok {
			continue
		}
		seen[h.EntityID] = struct{}{}
		res.KeyFinal = append(res.KeyFinal, store.RankedEntity{
			EntityID: h.EntityID,
			Name:     h.Name,
			Type:     h.Type,
			Weight:   h.Score,
			Steps:    []int{1},
		})
		res.ByType[h.Type]++
		req.Tracker.Add(clue.StageRecall, queryNode, clue.EntityNode(h.EntityID, h.Name, h.Type, ""),
			h.Score, "recalled_entity", clue.LevelFinal, nil)
		if e.cfg.MaxEntities > 0 && len(res.KeyFinal) >= e.cfg.MaxEntities {
			break
		}
	}
	return res, nil
}

// runFull is the eight-step recall: extraction, attribute KNN, entity and
// query event recall, intersection, and reverse weight propagation.
func (e *Engine) runFull(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Query: req.Query, OriginalQuery: req.Query, ByType: make(map[string]int)}
	queryNode := clue.QueryNode(req.Query)

	// Step 1: attribute extraction and optional query rewrite.
	attrs, rewritten := e.extractAttributes(ctx, req.Query, req.EnableQueryRewrite)
	res.Attributes = attrs
	if rewritten != "" {
		res.Query = rewritten
		res.Rewritten = true
		rewrittenNode := clue.QueryNode(rewritten)
		req.Tracker.Add(clue.StagePrepare, queryNode, rewrittenNode, 1, "query_rewrite", clue.LevelFinal, nil)
		queryNode = rewrittenNode
	}
	extractedNodes := make([]clue.Node, len(attrs))
	for i, a := range attrs {
		extractedNodes[i] = clue.ExtractedEntityNode(a.Name, a.Type, a.Context)
		req.Tracker.Add(clue.StagePrepare, queryNode, extractedNodes[i], a.Confidence(),
			"extracted_attribute", clue.LevelIntermediate, map[string]any{"importance": a.Importance})
	}

	qvec, err := e.embedOne(ctx, res.Query)
	if err != nil {
		return nil, fmt.Errorf("recall: embedding query: %w", err)
	}
	res.QueryEmbedding = qvec

	// Step 2: attribute names to stored entities, one embedding batch.
	names := make([]string, len(attrs))
	for i, a := range attrs {
		names[i] = a.Name
	}
	attrVectors := e.embedBatch(ctx, names)

	type k1Entity struct {
		id     int64
		name   string
		typ    string
		weight float64
	}
	var k1 []k1Entity
	k1Index := make(map[int64]int)
	for i, a := range attrs {
		if attrVectors[i] == nil {
			continue
		}
		hits, err := e.storage.SearchSimilarEntities(ctx, attrVectors[i], e.cfg.VectorTopK, e.cfg.VectorCandidates, req.SourceConfigIDs, a.Type, true)
		if err != nil {
			return nil, fmt.Errorf("recall: entity search for %q: %w", a.Name, err)
		}
		for _, h := range hits {
			if h.Score < math.Max(e.cfg.EntitySimilarityThreshold, h.TypeThreshold) {
				continue
			}
			if _, ok := k1Index[h.EntityID]; ok {
				continue
			}
			if e.cfg.MaxEntities > 0 && len(k1) >= e.cfg.MaxEntities {
				continue
			}
			k1Index[h.EntityID] = len(k1)
			k1 = append(k1, k1Entity{id: h.EntityID, name: h.Name, typ: h.Type, weight: h.Score})

			entityNode := clue.EntityNode(h.EntityID, h.Name, h.Type, "")
			req.Tracker.Add(clue.StageRecall, extractedNodes[i], entityNode, h.Score,
				"matched_entity", clue.LevelIntermediate, nil)
			req.Tracker.Add(clue.StageRecall, queryNode, entityNode, h.Score,
				"recalled_entity", clue.LevelIntermediate, nil)
		}
	}
	if len(k1) == 0 {
		return res, nil
	}

	// Step 3: entities to events through the link table.
	ids := make([]int64, len(k1))
	for i, k := range k1 {
		ids[i] = k.id
	}
	rows, err := e.storage.EventsByEntityIDs(ctx, ids, req.SourceConfigIDs)
	if err != nil {
		return nil, fmt.Errorf("recall: events by entities: %w", err)
	}

	eventEntities := make(map[int64][]int64)
	entityEvents := make(map[int64][]int64)
	var eventsFromKeys []int64
	for _, r := range rows {
		if _, ok := eventEntities[r.EventID]; !ok {
			eventsFromKeys = append(eventsFromKeys, r.EventID)
		}
		eventEntities[r.EventID] = append(eventEntities[r.EventID], r.EntityID)
		entityEvents[r.EntityID] = append(entityEvents[r.EntityID], r.EventID)
	}
	res.EventsFromKeys = eventsFromKeys

	events, err := e.storage.GetEventsByIDs(ctx, eventsFromKeys)
	if err != nil {
		return nil, fmt.Errorf("recall: fetching events: %w", err)
	}
	eventByID := make(map[int64]store.Event, len(events))
	for _, ev := range events {
		eventByID[ev.ID] = ev
	}
	for _, r := range rows {
		ev, ok := eventByID[r.EventID]
		if !ok {
			continue
		}
		evNode := req.Tracker.EventNode(clue.StageRecall, 0, "", clue.EventRef{
			ID: ev.ID, Title: ev.Title, Summary: ev.Summary, Category: ev.Category,
		})
		req.Tracker.Add(clue.StageRecall, clue.EntityNode(r.EntityID, r.EntityName, r.EntityType, ""),
			evNode, r.LinkWeight, "linked_event", clue.LevelIntermediate, nil)
	}

	// Step 4: query to events over the content vector index.
	hits, err := e.storage.SearchSimilarEventsByContent(ctx, qvec, e.cfg.MaxEvents, e.cfg.VectorCandidates, req.SourceConfigIDs)
	if err != nil {
		return nil, fmt.Errorf("recall: event search: %w", err)
	}
	e1 := make(map[int64]float64)
	for _, h := range hits {
		if h.Score < e.cfg.EventSimilarityThreshold {
			continue
		}
		if _, ok := e1[h.EventID]; !ok {
			res.EventsFromQuery = append(res.EventsFromQuery, h.EventID)
		}
		e1[h.EventID] = h.Score
	}

	// Step 5: intersect the two event sets, keep entities that reach it.
	var finalEvents []int64
	inFinal := make(map[int64]struct{})
	for _, id := range eventsFromKeys {
		if _, ok := e1[id]; ok {
			finalEvents = append(finalEvents, id)
			inFinal[id] = struct{}{}
		}
	}
	res.FinalEvents = finalEvents

	surviving := make(map[int64]struct{})
	for _, k := range k1 {
		for _, ev := range entityEvents[k.id] {
			if _, ok := inFinal[ev]; ok {
				surviving[k.id] = struct{}{}
				break
			}
		}
	}

	// Step 6: event weights from the k1 entities they contain.
	eventWeight := make(map[int64]float64, len(finalEvents))
	var maxEW float64
	for _, ev := range finalEvents {
		var w float64
		for _, ent := range eventEntities[ev] {
			if _, ok := surviving[ent]; !ok {
				continue
			}
			w += k1[k1Index[ent]].weight
		}
		eventWeight[ev] = w
		if w > maxEW {
			maxEW = w
		}
	}
	for ev, w := range eventWeight {
		if maxEW > 0 {
			eventWeight[ev] = w / maxEW
		} else {
			eventWeight[ev] = 0.1
		}
	}

	// Step 7: propagate event weights back to entities.
	finalWeight := make(map[int64]float64)
	var maxW float64
	for id := range surviving {
		var w float64
		for _, ev := range entityEvents[id] {
			if _, ok := inFinal[ev]; !ok {
				continue
			}
			w += eventWeight[ev] * e1[ev]
		}
		finalWeight[id] = w
		if w > maxW {
			maxW = w
		}
	}
	if maxW > 0 {
		for id, w := range finalWeight {
			finalWeight[id] = w / maxW
		}
	}

	// Step 8: final selection, top-N or threshold.
	var selected []k1Entity
	for _, k := range k1 {
		if _, ok := surviving[k.id]; ok {
			selected = append(selected, k1Entity{id: k.id, name: k.name, typ: k.typ, weight: finalWeight[k.id]})
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].weight > selected[j].weight
	})
	if e.cfg.FinalEntityCount > 0 {
		if len(selected) > e.cfg.FinalEntityCount {
			selected = selected[:e.cfg.FinalEntityCount]
		}
	} else {
		kept := selected[:0]
		for _, k := range selected {
			if k.weight >= e.cfg.EntityWeightThreshold {
				kept = append(kept, k)
			}
		}
		selected = kept
	}

	for _, k := range selected {
		res.KeyFinal = append(res.KeyFinal, store.RankedEntity{
			EntityID: k.id,
			Name:     k.name,
			Type:     k.typ,
			Weight:   k.weight,
			Steps:    []int{1},
		})
		res.ByType[k.typ]++
		req.Tracker.Add(clue.StageRecall, queryNode, clue.EntityNode(k.id, k.name, k.typ, ""),
			k.weight, "recalled_entity", clue.LevelFinal, nil)
	}
	return res, nil
}

// embedOne embeds a single text. Query embedding failures are fatal to the
// whole search, so the caller wraps the error.
func (e *Engine) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding for %q", text)
	}
	return vecs[0], nil
}

// embedBatch embeds all texts in one call, falling back to individual
// requests if the batch fails. A text that cannot be embedded yields a nil
// slot and is skipped by the caller.
func (e *Engine) embedBatch(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}
	vecs, err := e.embed.Embed(ctx, texts)
	if err == nil && len(vecs) == len(texts) {
		return vecs
	}
	slog.Warn("recall: batch embedding failed, retrying individually", "count", len(texts), "error", err)

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.embed.Embed(ctx, []string{t})
		if err != nil || len(v) == 0 || len(v[0]) == 0 {
			slog.Warn("recall: skipping attribute, embedding failed", "name", t, "error", err)
			continue
		}
		out[i] = v[0]
	}
	return out
}
