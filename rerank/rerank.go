// Package rerank implements the final pipeline stage: ordering candidate
// events or source chunks for the response. Two strategies exist, a
// directional PageRank over an entity and category co-occurrence graph and
// a reciprocal rank fusion of embedding and BM25 rankings.
package rerank

import (
	"context"
	"strings"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/store"
)

// Strategy selects the rerank algorithm.
type Strategy string

const (
	StrategyPageRank Strategy = "PAGERANK"
	StrategyRRF      Strategy = "RRF"
)

// Config controls the rerank stage.
type Config struct {
	Strategy              Strategy `json:"strategy" yaml:"strategy"`
	ScoreThreshold        float64  `json:"score_threshold" yaml:"score_threshold"`
	MaxResults            int      `json:"max_results" yaml:"max_results"`
	MaxKeyRecallResults   int      `json:"max_key_recall_results" yaml:"max_key_recall_results"`
	MaxQueryRecallResults int      `json:"max_query_recall_results" yaml:"max_query_recall_results"`
	PageRankDampingFactor float64  `json:"pagerank_damping_factor" yaml:"pagerank_damping_factor"`
	PageRankMaxIterations int      `json:"pagerank_max_iterations" yaml:"pagerank_max_iterations"`
	RRFK                  int      `json:"rrf_k" yaml:"rrf_k"`
}

// DefaultConfig returns the rerank defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:              StrategyPageRank,
		ScoreThreshold:        0.2,
		MaxResults:            10,
		MaxKeyRecallResults:   50,
		MaxQueryRecallResults: 50,
		PageRankDampingFactor: 0.85,
		PageRankMaxIterations: 100,
		RRFK:                  60,
	}
}

// Storage is the store surface rerank needs. *store.Store satisfies it.
type Storage interface {
	EventsByEntityIDs(ctx context.Context, entityIDs []int64, sourceConfigIDs []string) ([]store.EventEntityRow, error)
	GetEventsByIDs(ctx context.Context, ids []int64) ([]store.Event, error)
	GetEventVectors(ctx context.Context, eventIDs []int64) (map[int64]store.EventVectors, error)
	SearchSimilarEventsByContent(ctx context.Context, embedding []float32, k, candidates int, sourceConfigIDs []string) ([]store.EventHit, error)
	GetChunksByIDs(ctx context.Context, ids []int64) ([]store.Chunk, error)
}

// Engine runs the rerank stage.
type Engine struct {
	storage Storage
	cfg     Config
}

// New creates a rerank engine.
func New(storage Storage, cfg Config) *Engine {
	return &Engine{storage: storage, cfg: cfg}
}

// Request carries the per-search inputs.
type Request struct {
	Query           string
	QueryEmbedding  []float32
	SourceConfigIDs []string
	Keys            []store.RankedEntity
	Tracker         *clue.Tracker
}

// SourceEntity records which key entity pulled an event or chunk in and
// with what combined weight (key weight times link weight).
type SourceEntity struct {
	EntityID int64   `json:"entity_id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
}

// RankedEvent is one reranked event in the response.
type RankedEvent struct {
	store.Event
	Similarity     float64        `json:"similarity"`
	PageRank       float64        `json:"pagerank,omitempty"`
	RRFScore       float64        `json:"rrf_score,omitempty"`
	Weight         float64        `json:"weight"`
	Source         string         `json:"source"`
	SourceEntities []SourceEntity `json:"source_entities,omitempty"`
}

// RankedChunk is one reranked source chunk in the response.
type RankedChunk struct {
	store.Chunk
	PageRank       float64        `json:"pagerank"`
	Weight         float64        `json:"weight"`
	SourceEntities []SourceEntity `json:"source_entities,omitempty"`
}

// Sources tagging merged candidates.
const (
	sourceEntity = "entity"
	sourceQuery  = "query"
)

// eventText concatenates the searchable text of an event for substring
// counting and BM25 tokenization.
func eventText(ev store.Event) string {
	return ev.Title + "\n" + ev.Summary + "\n" + ev.Content
}

// chunkText concatenates the searchable text of a chunk.
func chunkText(c store.Chunk) string {
	return c.Heading + "\n" + c.Content
}

// countOccurrences is the case-sensitive substring count used for entity
// edge weights.
func countOccurrences(text, name string) int {
	if name == "" {
		return 0
	}
	return strings.Count(text, name)
}
