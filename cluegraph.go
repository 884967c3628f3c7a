// Package cluegraph is a hybrid retrieval engine over extracted events.
// A search runs a three stage pipeline: Recall turns the query into a
// weighted entity set, Expand walks the entity and event graph for a
// bounded number of hops, and Rerank orders the candidate events or source
// chunks. Every stage records clues, the directed reasoning edges clients
// render as an explanation graph.
package cluegraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/expand"
	"github.com/cluegraph/cluegraph/llm"
	"github.com/cluegraph/cluegraph/recall"
	"github.com/cluegraph/cluegraph/rerank"
	"github.com/cluegraph/cluegraph/store"
)

// Engine is the public search and indexing surface.
type Engine interface {
	// Search runs the full pipeline for one query.
	Search(ctx context.Context, cfg SearchConfig) (*Response, error)

	// IndexChunk stores a source chunk and returns its id.
	IndexChunk(ctx context.Context, c store.Chunk) (int64, error)

	// IndexEvent stores an event with its embeddings and entity links.
	IndexEvent(ctx context.Context, ev store.Event, entities []IndexEntity) (int64, error)

	// Store exposes the underlying store for advanced callers.
	Store() *store.Store

	// Close releases the engine's resources.
	Close() error
}

// IndexEntity is one entity to upsert and link while indexing an event.
type IndexEntity struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// Response is the search result contract.
type Response struct {
	Events   []rerank.RankedEvent `json:"events,omitempty"`
	Sections []rerank.RankedChunk `json:"sections,omitempty"`
	Clues    []clue.Clue          `json:"clues"`
	Stats    Stats                `json:"stats"`
	Query    QueryInfo            `json:"query"`
}

// QueryInfo reports what query the pipeline actually ran.
type QueryInfo struct {
	Original  string `json:"original"`
	Current   string `json:"current"`
	Rewritten bool   `json:"rewritten"`
}

// Stats summarizes per-stage outcomes.
type Stats struct {
	Recall    RecallStats `json:"recall"`
	Expand    ExpandStats `json:"expand"`
	Rerank    RerankStats `json:"rerank"`
	ElapsedMs int64       `json:"elapsed_ms"`
}

type RecallStats struct {
	EntitiesCount int            `json:"entities_count"`
	ByType        map[string]int `json:"by_type"`
}

type ExpandStats struct {
	EntitiesCount int  `json:"entities_count"`
	TotalEntities int  `json:"total_entities"`
	Hops          int  `json:"hops"`
	Converged     bool `json:"converged"`
}

type RerankStats struct {
	EventsCount   int    `json:"events_count"`
	SectionsCount int    `json:"sections_count,omitempty"`
	Strategy      string `json:"strategy"`
	ReturnType    string `json:"return_type"`
}

type engine struct {
	cfg   Config
	store *store.Store
	chat  llm.Provider
	embed llm.Provider
}

// New creates an engine: opens the store and builds the chat and embedding
// providers.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("cluegraph: opening store: %w", err)
	}

	chat, err := llm.NewProvider(cfg.Chat)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("cluegraph: chat provider: %w", err)
	}
	embed, err := llm.NewProvider(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("cluegraph: embedding provider: %w", err)
	}

	return &engine{cfg: cfg, store: st, chat: chat, embed: embed}, nil
}

func (e *engine) Store() *store.Store { return e.store }

func (e *engine) Close() error { return e.store.Close() }

// Search runs Recall, Expand and Rerank for one query and assembles the
// response with the accumulated clues and per-stage stats.
func (e *engine) Search(ctx context.Context, cfg SearchConfig) (*Response, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReturnType == "" {
		cfg.ReturnType = ReturnEvents
	}
	if cfg.Rerank.Strategy == "" {
		cfg.Rerank.Strategy = rerank.StrategyPageRank
	}

	start := time.Now()
	scopes := cfg.Scopes()
	tracker := clue.NewTracker()

	slog.Info("search started", "query", cfg.Query, "scopes", scopes,
		"return_type", cfg.ReturnType, "strategy", cfg.Rerank.Strategy)

	recallRes, err := recall.New(e.store, e.chat, e.embed, cfg.Recall).Run(ctx, recall.Request{
		Query:              cfg.Query,
		SourceConfigIDs:    scopes,
		EnableQueryRewrite: cfg.RewriteEnabled(),
		Tracker:            tracker,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("recall finished", "entities", len(recallRes.KeyFinal), "rewritten", recallRes.Rewritten)

	expandRes, err := expand.New(e.store, cfg.Expand).Run(ctx, expand.Request{
		QueryEmbedding:  recallRes.QueryEmbedding,
		SourceConfigIDs: scopes,
		Recall:          recallRes.KeyFinal,
		Tracker:         tracker,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("expand finished", "entities", len(expandRes.KeyFinal),
		"hops", expandRes.Hops, "converged", expandRes.Converged)

	reranker := rerank.New(e.store, cfg.Rerank)
	rerankReq := rerank.Request{
		Query:           recallRes.Query,
		QueryEmbedding:  recallRes.QueryEmbedding,
		SourceConfigIDs: scopes,
		Keys:            expandRes.KeyFinal,
		Tracker:         tracker,
	}

	resp := &Response{
		Query: QueryInfo{
			Original:  recallRes.OriginalQuery,
			Current:   recallRes.Query,
			Rewritten: recallRes.Rewritten,
		},
	}

	switch cfg.ReturnType {
	case ReturnParagraphs:
		if cfg.Rerank.Strategy == rerank.StrategyRRF {
			slog.Warn("RRF strategy does not support paragraph results, using PageRank over chunks")
		}
		sections, err := reranker.RankChunksPageRank(ctx, rerankReq)
		if err != nil {
			return nil, err
		}
		resp.Sections = sections
		resp.Stats.Rerank.SectionsCount = len(sections)
	default:
		var events []rerank.RankedEvent
		if cfg.Rerank.Strategy == rerank.StrategyRRF {
			events, err = reranker.RankEventsRRF(ctx, rerankReq)
		} else {
			events, err = reranker.RankEventsPageRank(ctx, rerankReq)
		}
		if err != nil {
			return nil, err
		}
		resp.Events = events
		resp.Stats.Rerank.EventsCount = len(events)
	}

	resp.Clues = tracker.Clues()
	resp.Stats.Recall = RecallStats{EntitiesCount: len(recallRes.KeyFinal), ByType: recallRes.ByType}
	resp.Stats.Expand = ExpandStats{
		EntitiesCount: len(expandRes.KeyFinal) - len(recallRes.KeyFinal),
		TotalEntities: len(expandRes.KeyFinal),
		Hops:          expandRes.Hops,
		Converged:     expandRes.Converged,
	}
	if resp.Stats.Expand.EntitiesCount < 0 {
		resp.Stats.Expand.EntitiesCount = 0
	}
	resp.Stats.Rerank.Strategy = string(cfg.Rerank.Strategy)
	resp.Stats.Rerank.ReturnType = string(cfg.ReturnType)
	resp.Stats.ElapsedMs = time.Since(start).Milliseconds()

	if err := e.store.LogQuery(ctx, store.QueryLog{
		Query:         recallRes.Query,
		OriginalQuery: recallRes.OriginalQuery,
		Strategy:      string(cfg.Rerank.Strategy),
		ReturnType:    string(cfg.ReturnType),
		ResultCount:   resp.Stats.Rerank.EventsCount + resp.Stats.Rerank.SectionsCount,
		ElapsedMs:     resp.Stats.ElapsedMs,
	}); err != nil {
		slog.Warn("query log write failed", "error", err)
	}

	slog.Info("search finished", "query", cfg.Query,
		"events", resp.Stats.Rerank.EventsCount,
		"sections", resp.Stats.Rerank.SectionsCount,
		"clues", len(resp.Clues),
		"elapsed_ms", resp.Stats.ElapsedMs)
	return resp, nil
}

// IndexChunk stores one source chunk.
func (e *engine) IndexChunk(ctx context.Context, c store.Chunk) (int64, error) {
	if c.SourceConfigID == "" || c.Content == "" {
		return 0, fmt.Errorf("%w: chunk needs source_config_id and content", ErrInvalidConfig)
	}
	return e.store.InsertChunk(ctx, c)
}

// IndexEvent stores an event, embeds its title and content, and upserts
// and links the given entities with their embeddings.
func (e *engine) IndexEvent(ctx context.Context, ev store.Event, entities []IndexEntity) (int64, error) {
	if ev.SourceConfigID == "" || ev.Title == "" || ev.Content == "" {
		return 0, fmt.Errorf("%w: event needs source_config_id, title and content", ErrInvalidConfig)
	}
	if ev.SourceType == "" {
		ev.SourceType = store.SourceArticle
	}

	vecs, err := e.embed.Embed(ctx, []string{ev.Title, ev.Content})
	if err != nil || len(vecs) != 2 {
		return 0, fmt.Errorf("cluegraph: embedding event: %w", err)
	}

	eventID, err := e.store.InsertEvent(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("cluegraph: inserting event: %w", err)
	}
	if err := e.store.InsertEventVectors(ctx, eventID, vecs[0], vecs[1]); err != nil {
		return 0, fmt.Errorf("cluegraph: indexing event vectors: %w", err)
	}

	if len(entities) == 0 {
		return eventID, nil
	}
	names := make([]string, len(entities))
	for i, ent := range entities {
		names[i] = ent.Name
	}
	entityVecs, err := e.embed.Embed(ctx, names)
	if err != nil || len(entityVecs) != len(names) {
		return 0, fmt.Errorf("cluegraph: embedding entities: %w", err)
	}

	for i, ent := range entities {
		id, err := e.store.UpsertEntity(ctx, store.Entity{
			SourceConfigID: ev.SourceConfigID,
			Type:           ent.Type,
			NormalizedName: ent.Name,
			DisplayName:    ent.Name,
			Description:    ent.Description,
		})
		if err != nil {
			return 0, fmt.Errorf("cluegraph: upserting entity %q: %w", ent.Name, err)
		}
		if err := e.store.InsertEntityVector(ctx, id, entityVecs[i]); err != nil {
			return 0, fmt.Errorf("cluegraph: indexing entity vector: %w", err)
		}
		weight := ent.Weight
		if weight <= 0 {
			weight = 1
		}
		if err := e.store.LinkEventEntity(ctx, eventID, id, weight); err != nil {
			return 0, fmt.Errorf("cluegraph: linking entity: %w", err)
		}
	}
	return eventID, nil
}
