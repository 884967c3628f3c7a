package cluegraph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/llm"
	"github.com/cluegraph/cluegraph/rerank"
	"github.com/cluegraph/cluegraph/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLLM embeds texts from a fixed table and fails chat, which pushes
// recall onto its rule-based extraction path.
type fakeLLM struct {
	vectors map[string][]float32
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("chat unavailable")
}

func (f *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 0, 1}
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, providers *fakeLLM) *engine {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &engine{
		cfg:   Config{DBPath: "test.db", EmbeddingDim: 4},
		store: st,
		chat:  providers,
		embed: providers,
	}
}

func searchConfig(query string, scope string) SearchConfig {
	cfg := DefaultSearchConfig(query, scope)
	cfg.Recall.UseFastMode = true
	cfg.Expand.Enabled = false
	off := false
	cfg.EnableQueryRewrite = &off
	return cfg
}

func TestSearchEndToEnd(t *testing.T) {
	providers := &fakeLLM{vectors: map[string][]float32{
		"iphone launch":   {1, 0, 0, 0},
		"iPhone":          {1, 0, 0, 0},
		"launch event":    {0.9, 0.1, 0, 0},
		"iPhone unveiled": {0.9, 0.1, 0, 0},
		"weather report":  {0, 1, 0, 0},
		"rain tomorrow":   {0, 1, 0, 0},
	}}
	e := newTestEngine(t, providers)
	ctx := context.Background()

	relevant, err := e.IndexEvent(ctx, store.Event{
		SourceConfigID: "s1", SourceID: "doc1",
		Title: "launch event", Content: "iPhone unveiled",
	}, []IndexEntity{{Name: "iPhone", Type: "topic", Weight: 1}})
	require.NoError(t, err)

	_, err = e.IndexEvent(ctx, store.Event{
		SourceConfigID: "s1", SourceID: "doc2",
		Title: "weather report", Content: "rain tomorrow",
	}, nil)
	require.NoError(t, err)

	resp, err := e.Search(ctx, searchConfig("iphone launch", "s1"))
	require.NoError(t, err)

	require.Len(t, resp.Events, 1)
	assert.Equal(t, relevant, resp.Events[0].ID)
	assert.Equal(t, "launch event", resp.Events[0].Title)
	require.Len(t, resp.Events[0].SourceEntities, 1)
	assert.Equal(t, "iPhone", resp.Events[0].SourceEntities[0].Name)

	assert.Equal(t, 1, resp.Stats.Recall.EntitiesCount)
	assert.Equal(t, 1, resp.Stats.Recall.ByType["topic"])
	assert.Equal(t, 0, resp.Stats.Expand.EntitiesCount)
	assert.Equal(t, 1, resp.Stats.Rerank.EventsCount)
	assert.Equal(t, "PAGERANK", resp.Stats.Rerank.Strategy)
	assert.Equal(t, "EVENT", resp.Stats.Rerank.ReturnType)

	assert.Equal(t, "iphone launch", resp.Query.Original)
	assert.Equal(t, "iphone launch", resp.Query.Current)
	assert.False(t, resp.Query.Rewritten)

	// The clue path runs query -> entity -> reranked event.
	require.NotEmpty(t, resp.Clues)
	var sawRecall, sawRerank bool
	for _, c := range resp.Clues {
		if c.Stage == clue.StageRecall && c.To.ID == "entity-1" {
			sawRecall = true
		}
		if c.Stage == clue.StageRerank && c.From.ID == "entity-1" {
			sawRerank = true
		}
	}
	assert.True(t, sawRecall, "missing query to entity recall clue")
	assert.True(t, sawRerank, "missing entity to event rerank clue")
}

func TestSearchRRFStrategy(t *testing.T) {
	providers := &fakeLLM{vectors: map[string][]float32{
		"iphone":  {1, 0, 0, 0},
		"iPhone":  {1, 0, 0, 0},
		"launch":  {0.9, 0.1, 0, 0},
		"details": {0.9, 0.1, 0, 0},
	}}
	e := newTestEngine(t, providers)
	ctx := context.Background()

	_, err := e.IndexEvent(ctx, store.Event{
		SourceConfigID: "s1", SourceID: "doc1",
		Title: "launch", Content: "details",
	}, []IndexEntity{{Name: "iPhone", Type: "topic"}})
	require.NoError(t, err)

	cfg := searchConfig("iphone", "s1")
	cfg.Rerank.Strategy = rerank.StrategyRRF
	resp, err := e.Search(ctx, cfg)
	require.NoError(t, err)

	require.Len(t, resp.Events, 1)
	assert.Greater(t, resp.Events[0].RRFScore, 0.0)
	assert.Equal(t, "RRF", resp.Stats.Rerank.Strategy)
}

func TestSearchParagraphReturn(t *testing.T) {
	providers := &fakeLLM{vectors: map[string][]float32{
		"iphone": {1, 0, 0, 0},
		"iPhone": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, providers)
	ctx := context.Background()

	chunkID, err := e.IndexChunk(ctx, store.Chunk{
		SourceConfigID: "s1", SourceID: "doc1",
		Heading: "launch", Content: "the iPhone was unveiled on stage",
	})
	require.NoError(t, err)

	_, err = e.IndexEvent(ctx, store.Event{
		SourceConfigID: "s1", SourceID: "doc1", ChunkID: chunkID,
		Title: "launch", Content: "iPhone unveiled",
	}, []IndexEntity{{Name: "iPhone", Type: "topic"}})
	require.NoError(t, err)

	cfg := searchConfig("iphone", "s1")
	cfg.ReturnType = ReturnParagraphs
	resp, err := e.Search(ctx, cfg)
	require.NoError(t, err)

	assert.Empty(t, resp.Events)
	require.Len(t, resp.Sections, 1)
	assert.Equal(t, chunkID, resp.Sections[0].ID)
	assert.Equal(t, 1, resp.Stats.Rerank.SectionsCount)
	assert.Equal(t, "PARAGRAPH", resp.Stats.Rerank.ReturnType)
}

func TestSearchFullRecallWithRuleExtraction(t *testing.T) {
	// Chat always fails, so the full recall path falls back to rule-based
	// token extraction and still intersects entity and query event recall.
	providers := &fakeLLM{vectors: map[string][]float32{
		"iphone launch": {1, 0, 0, 0},
		"iphone":        {1, 0, 0, 0},
		"launch":        {0.9, 0.1, 0, 0},
		"iPhone":        {1, 0, 0, 0},
		"launch event":  {0.9, 0.1, 0, 0},
		"big unveiling": {0.9, 0.1, 0, 0},
	}}
	e := newTestEngine(t, providers)
	ctx := context.Background()

	_, err := e.IndexEvent(ctx, store.Event{
		SourceConfigID: "s1", SourceID: "doc1",
		Title: "launch event", Content: "big unveiling",
	}, []IndexEntity{{Name: "iPhone", Type: "topic"}})
	require.NoError(t, err)

	cfg := searchConfig("iphone launch", "s1")
	cfg.Recall.UseFastMode = false
	resp, err := e.Search(ctx, cfg)
	require.NoError(t, err)

	require.NotEmpty(t, resp.Events)
	assert.GreaterOrEqual(t, resp.Stats.Recall.EntitiesCount, 1)
	assert.False(t, resp.Query.Rewritten)
}

func TestSearchValidation(t *testing.T) {
	e := newTestEngine(t, &fakeLLM{})
	ctx := context.Background()

	_, err := e.Search(ctx, searchConfig("", "s1"))
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = e.Search(ctx, searchConfig("iphone", ""))
	assert.ErrorIs(t, err, ErrNoSourceScopes)

	cfg := searchConfig("iphone", "s1")
	cfg.ReturnType = "SENTENCE"
	_, err = e.Search(ctx, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = searchConfig("iphone", "s1")
	cfg.Rerank.Strategy = "BORDA"
	_, err = e.Search(ctx, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIndexEventValidation(t *testing.T) {
	e := newTestEngine(t, &fakeLLM{})
	ctx := context.Background()

	_, err := e.IndexEvent(ctx, store.Event{SourceConfigID: "s1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.IndexChunk(ctx, store.Chunk{SourceConfigID: "s1"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestScopesUnion(t *testing.T) {
	cfg := SearchConfig{SourceConfigID: "a", SourceConfigIDs: []string{"b", "a", "", "c"}}
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Scopes())
}

func TestRewriteEnabledDefaultsTrue(t *testing.T) {
	assert.True(t, SearchConfig{}.RewriteEnabled())
	off := false
	assert.False(t, SearchConfig{EnableQueryRewrite: &off}.RewriteEnabled())
}

var _ Engine = (*engine)(nil)
