package cluegraph

import (
	"fmt"

	"github.com/cluegraph/cluegraph/expand"
	"github.com/cluegraph/cluegraph/llm"
	"github.com/cluegraph/cluegraph/recall"
	"github.com/cluegraph/cluegraph/rerank"
)

// ReturnType selects what the search response carries.
type ReturnType string

const (
	ReturnEvents     ReturnType = "EVENT"
	ReturnParagraphs ReturnType = "PARAGRAPH"
)

// Config is the engine-level configuration: where the database lives and
// which models back chat and embedding.
type Config struct {
	DBPath       string     `json:"db_path" yaml:"db_path"`
	EmbeddingDim int        `json:"embedding_dim" yaml:"embedding_dim"`
	Chat         llm.Config `json:"chat" yaml:"chat"`
	Embedding    llm.Config `json:"embedding" yaml:"embedding"`
}

// DefaultConfig returns an engine config backed by a local Ollama.
func DefaultConfig() Config {
	return Config{
		DBPath:       "cluegraph.db",
		EmbeddingDim: 768,
		Chat: llm.Config{
			Provider: "ollama",
			Model:    "qwen2.5:7b",
		},
		Embedding: llm.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
	}
}

// Validate checks the engine config.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path is required", ErrInvalidConfig)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	if c.Chat.Provider == "" || c.Embedding.Provider == "" {
		return fmt.Errorf("%w: chat and embedding providers are required", ErrInvalidConfig)
	}
	return nil
}

// SearchConfig is the per-search configuration threaded through the
// pipeline stages.
type SearchConfig struct {
	Query              string         `json:"query" yaml:"query"`
	SourceConfigID     string         `json:"source_config_id,omitempty" yaml:"source_config_id"`
	SourceConfigIDs    []string       `json:"source_config_ids,omitempty" yaml:"source_config_ids"`
	ReturnType         ReturnType     `json:"return_type" yaml:"return_type"`
	EnableQueryRewrite *bool          `json:"enable_query_rewrite,omitempty" yaml:"enable_query_rewrite"`
	Recall             recall.Config  `json:"recall" yaml:"recall"`
	Expand             expand.Config  `json:"expand" yaml:"expand"`
	Rerank             rerank.Config  `json:"rerank" yaml:"rerank"`
}

// DefaultSearchConfig returns a search config with all stage defaults.
func DefaultSearchConfig(query string, sourceConfigIDs ...string) SearchConfig {
	return SearchConfig{
		Query:           query,
		SourceConfigIDs: sourceConfigIDs,
		ReturnType:      ReturnEvents,
		Recall:          recall.DefaultConfig(),
		Expand:          expand.DefaultConfig(),
		Rerank:          rerank.DefaultConfig(),
	}
}

// Scopes returns the union of the single scope and the scope list.
func (c SearchConfig) Scopes() []string {
	scopes := make([]string, 0, len(c.SourceConfigIDs)+1)
	seen := make(map[string]struct{})
	if c.SourceConfigID != "" {
		scopes = append(scopes, c.SourceConfigID)
		seen[c.SourceConfigID] = struct{}{}
	}
	for _, id := range c.SourceConfigIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		scopes = append(scopes, id)
	}
	return scopes
}

// RewriteEnabled reports whether query rewriting is on. Defaults to true.
func (c SearchConfig) RewriteEnabled() bool {
	if c.EnableQueryRewrite == nil {
		return true
	}
	return *c.EnableQueryRewrite
}

// Validate checks the search config.
func (c SearchConfig) Validate() error {
	if c.Query == "" {
		return ErrEmptyQuery
	}
	if len(c.Scopes()) == 0 {
		return ErrNoSourceScopes
	}
	switch c.ReturnType {
	case ReturnEvents, ReturnParagraphs, "":
	default:
		return fmt.Errorf("%w: unknown return_type %q", ErrInvalidConfig, c.ReturnType)
	}
	switch c.Rerank.Strategy {
	case rerank.StrategyPageRank, rerank.StrategyRRF, "":
	default:
		return fmt.Errorf("%w: unknown rerank strategy %q", ErrInvalidConfig, c.Rerank.Strategy)
	}
	return nil
}
