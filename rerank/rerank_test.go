package rerank

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cluegraph/cluegraph/clue"
	"github.com/cluegraph/cluegraph/store"
)

type fakeStorage struct {
	rows    []store.EventEntityRow
	events  map[int64]store.Event
	vectors map[int64]store.EventVectors
	hits    []store.EventHit
	chunks  map[int64]store.Chunk
}

func (f *fakeStorage) EventsByEntityIDs(_ context.Context, entityIDs []int64, _ []string) ([]store.EventEntityRow, error) {
	want := make(map[int64]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	var out []store.EventEntityRow
	for _, r := range f.rows {
		if _, ok := want[r.EntityID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStorage) GetEventsByIDs(_ context.Context, ids []int64) ([]store.Event, error) {
	var out []store.Event
	for _, id := range ids {
		if ev, ok := f.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStorage) GetEventVectors(_ context.Context, eventIDs []int64) (map[int64]store.EventVectors, error) {
	out := make(map[int64]store.EventVectors)
	for _, id := range eventIDs {
		if v, ok := f.vectors[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeStorage) SearchSimilarEventsByContent(_ context.Context, _ []float32, _, _ int, _ []string) ([]store.EventHit, error) {
	return f.hits, nil
}

func (f *fakeStorage) GetChunksByIDs(_ context.Context, ids []int64) ([]store.Chunk, error) {
	var out []store.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestPageRankPureQueryPath(t *testing.T) {
	// No key entities: the single event arrives through query recall and
	// gets a final query -> event clue.
	storage := &fakeStorage{
		events: map[int64]store.Event{
			1: {ID: 1, Title: "Apple releases iPhone", Content: "launch day", Category: "news"},
		},
		hits: []store.EventHit{{EventID: 1, Score: 0.9}},
	}
	eng := New(storage, DefaultConfig())
	tracker := clue.NewTracker()

	events, err := eng.RankEventsPageRank(context.Background(), Request{
		Query:           "iphone launch",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Tracker:         tracker,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, sourceQuery, events[0].Source)
	assert.InDelta(t, 0.9, events[0].Similarity, 1e-9)
	assert.InDelta(t, 1.0, events[0].PageRank, 1e-6)

	var finalQueryClue bool
	for _, c := range tracker.Clues() {
		if c.From.Type == clue.NodeQuery && strings.HasPrefix(c.To.ID, "rerank_query_recall_event-1") &&
			c.DisplayLevel == clue.LevelFinal {
			finalQueryClue = true
		}
	}
	assert.True(t, finalQueryClue, "missing final query -> event clue")
}

func TestPageRankEntityPathWins(t *testing.T) {
	// Both paths return event 1; the entity-sourced candidate must win the
	// merge and carry its source entities.
	storage := &fakeStorage{
		rows: []store.EventEntityRow{
			{EventID: 1, EntityID: 7, EntityName: "iPhone", EntityType: "topic", LinkWeight: 1},
		},
		events: map[int64]store.Event{
			1: {ID: 1, Title: "Apple releases iPhone", Content: "iPhone launch", Category: "news"},
		},
		vectors: map[int64]store.EventVectors{1: {Content: []float32{1, 0}}},
		hits:    []store.EventHit{{EventID: 1, Score: 0.8}},
	}
	eng := New(storage, DefaultConfig())

	events, err := eng.RankEventsPageRank(context.Background(), Request{
		Query:           "iphone",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Keys:            []store.RankedEntity{{EntityID: 7, Name: "iPhone", Type: "topic", Weight: 1}},
		Tracker:         clue.NewTracker(),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sourceEntity, events[0].Source)
	require.Len(t, events[0].SourceEntities, 1)
	assert.Equal(t, int64(7), events[0].SourceEntities[0].EntityID)
}

func TestPageRankVotesContentRichTargets(t *testing.T) {
	// All three events share the key entity; event 2 mentions it most often
	// and should attract the largest voting share.
	storage := &fakeStorage{
		rows: []store.EventEntityRow{
			{EventID: 1, EntityID: 7, EntityName: "iPhone", EntityType: "topic", LinkWeight: 1},
			{EventID: 2, EntityID: 7, EntityName: "iPhone", EntityType: "topic", LinkWeight: 1},
			{EventID: 3, EntityID: 7, EntityName: "iPhone", EntityType: "topic", LinkWeight: 1},
		},
		events: map[int64]store.Event{
			1: {ID: 1, Title: "short", Content: "iPhone"},
			2: {ID: 2, Title: "rich", Content: "iPhone iPhone iPhone details"},
			3: {ID: 3, Title: "other", Content: "iPhone recap"},
		},
		vectors: map[int64]store.EventVectors{
			1: {Content: []float32{1, 0}},
			2: {Content: []float32{1, 0}},
			3: {Content: []float32{1, 0}},
		},
	}
	eng := New(storage, DefaultConfig())

	events, err := eng.RankEventsPageRank(context.Background(), Request{
		Query:           "iphone",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Keys:            []store.RankedEntity{{EntityID: 7, Name: "iPhone", Type: "topic", Weight: 1}},
		Tracker:         clue.NewTracker(),
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Greater(t, events[0].PageRank, events[1].PageRank)
}

func TestPageRankThresholdEmptiesResults(t *testing.T) {
	storage := &fakeStorage{
		events:  map[int64]store.Event{1: {ID: 1, Title: "x", Content: "y"}},
		vectors: map[int64]store.EventVectors{1: {Content: []float32{0, 1}}},
		hits:    []store.EventHit{{EventID: 1, Score: 0.05}},
	}
	cfg := DefaultConfig()
	cfg.ScoreThreshold = 0.2
	eng := New(storage, cfg)

	events, err := eng.RankEventsPageRank(context.Background(), Request{
		Query:           "q",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Tracker:         clue.NewTracker(),
	})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRRFTieBreakByBM25(t *testing.T) {
	// Identical embedding similarity; event 1 contains the query term so
	// its BM25 rank is better and it wins.
	storage := &fakeStorage{
		rows: []store.EventEntityRow{
			{EventID: 1, EntityID: 7, EntityName: "phone", EntityType: "topic", LinkWeight: 1},
			{EventID: 2, EntityID: 7, EntityName: "phone", EntityType: "topic", LinkWeight: 1},
		},
		events: map[int64]store.Event{
			1: {ID: 1, Title: "iphone launch", Content: "the iphone launch event"},
			2: {ID: 2, Title: "android update", Content: "the android update story"},
		},
		vectors: map[int64]store.EventVectors{
			1: {Content: []float32{1, 0}},
			2: {Content: []float32{1, 0}},
		},
	}
	cfg := DefaultConfig()
	cfg.MaxResults = 1
	eng := New(storage, cfg)

	events, err := eng.RankEventsRRF(context.Background(), Request{
		Query:           "iphone",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Keys:            []store.RankedEntity{{EntityID: 7, Name: "phone", Type: "topic", Weight: 1}},
		Tracker:         clue.NewTracker(),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)

	// Tied embedding ranks share rank 1; BM25 separates them.
	assert.InDelta(t, 1.0/61+1.0/61, events[0].RRFScore, 1e-9)
}

func TestRRFDropsEventsWithoutVectors(t *testing.T) {
	storage := &fakeStorage{
		rows: []store.EventEntityRow{
			{EventID: 1, EntityID: 7, EntityName: "phone", EntityType: "topic", LinkWeight: 1},
			{EventID: 2, EntityID: 7, EntityName: "phone", EntityType: "topic", LinkWeight: 1},
		},
		events: map[int64]store.Event{
			1: {ID: 1, Title: "kept", Content: "phone"},
			2: {ID: 2, Title: "dropped", Content: "phone"},
		},
		vectors: map[int64]store.EventVectors{1: {Content: []float32{1, 0}}},
	}
	eng := New(storage, DefaultConfig())

	events, err := eng.RankEventsRRF(context.Background(), Request{
		Query:           "phone",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Keys:            []store.RankedEntity{{EntityID: 7, Name: "phone", Type: "topic", Weight: 1}},
		Tracker:         clue.NewTracker(),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
}

func TestChunkPageRankDedupesByChunk(t *testing.T) {
	// Two events behind the same chunk collapse to one candidate.
	storage := &fakeStorage{
		rows: []store.EventEntityRow{
			{EventID: 1, EntityID: 7, EntityName: "iPhone", EntityType: "topic", LinkWeight: 1},
			{EventID: 2, EntityID: 7, EntityName: "iPhone", EntityType: "topic", LinkWeight: 0.5},
		},
		events: map[int64]store.Event{
			1: {ID: 1, ChunkID: 10, Title: "a", Content: "x"},
			2: {ID: 2, ChunkID: 10, Title: "b", Content: "y"},
		},
		chunks: map[int64]store.Chunk{
			10: {ID: 10, Heading: "iPhone", Content: "iPhone details"},
		},
	}
	eng := New(storage, DefaultConfig())
	tracker := clue.NewTracker()

	chunks, err := eng.RankChunksPageRank(context.Background(), Request{
		Query:           "iphone",
		QueryEmbedding:  []float32{1, 0},
		SourceConfigIDs: []string{"s1"},
		Keys:            []store.RankedEntity{{EntityID: 7, Name: "iPhone", Type: "topic", Weight: 1}},
		Tracker:         tracker,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(10), chunks[0].ID)
	require.Len(t, chunks[0].SourceEntities, 1)
	// The strongest link weight wins the union.
	assert.Equal(t, 1.0, chunks[0].SourceEntities[0].Weight)

	var sectionClue bool
	for _, c := range tracker.Clues() {
		if c.To.ID == "chunk-10" && c.DisplayLevel == clue.LevelFinal {
			sectionClue = true
		}
	}
	assert.True(t, sectionClue, "missing final entity -> section clue")
}

func TestBM25ScoresTermMatches(t *testing.T) {
	docs := [][]string{
		{"iphone", "launch", "event"},
		{"android", "update", "story"},
	}
	idx := newBM25Index(docs)

	withTerm := idx.score([]string{"iphone"}, 0)
	without := idx.score([]string{"iphone"}, 1)
	assert.Greater(t, withTerm, 0.0)
	assert.Zero(t, without)
}

func TestBM25TermFrequencySaturates(t *testing.T) {
	docs := [][]string{
		{"iphone"},
		{"iphone", "iphone", "iphone"},
	}
	idx := newBM25Index(docs)

	once := idx.score([]string{"iphone"}, 0)
	thrice := idx.score([]string{"iphone"}, 1)
	assert.Greater(t, thrice, once)
	assert.Less(t, thrice, 3*once)
}
