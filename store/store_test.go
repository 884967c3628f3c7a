package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultEntityTypesSeeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	types, err := s.EntityTypes(ctx, "any-scope")
	if err != nil {
		t.Fatalf("EntityTypes: %v", err)
	}
	if len(types) != len(defaultEntityTypes) {
		t.Fatalf("got %d types, want %d", len(types), len(defaultEntityTypes))
	}
	for i, want := range defaultEntityTypes {
		got := types[i]
		if got.Tag != want.tag || got.DefaultWeight != want.weight || got.SimilarityThreshold != want.threshold {
			t.Errorf("types[%d] = %+v, want %+v", i, got, want)
		}
		if !got.IsDefault {
			t.Errorf("types[%d] not marked default", i)
		}
	}
}

func TestScopedTypeShadowsDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertEntityType(ctx, EntityType{
		Tag: "topic", SourceConfigID: "s1", DisplayName: "Topic",
		DefaultWeight: 2.5, SimilarityThreshold: 0.4,
	})
	if err != nil {
		t.Fatalf("UpsertEntityType: %v", err)
	}

	types, err := s.EntityTypes(ctx, "s1")
	if err != nil {
		t.Fatalf("EntityTypes: %v", err)
	}
	var topic *EntityType
	for i := range types {
		if types[i].Tag == "topic" {
			topic = &types[i]
		}
	}
	if topic == nil || topic.DefaultWeight != 2.5 || topic.SourceConfigID != "s1" {
		t.Errorf("scoped topic = %+v, want scoped override", topic)
	}

	// Other scopes still see the default.
	types, err = s.EntityTypes(ctx, "s2")
	if err != nil {
		t.Fatalf("EntityTypes: %v", err)
	}
	for _, tp := range types {
		if tp.Tag == "topic" && tp.DefaultWeight != 1.8 {
			t.Errorf("s2 topic weight = %f, want default 1.8", tp.DefaultWeight)
		}
	}
}

func TestUpsertEntityNormalizesAndDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertEntity(ctx, Entity{
		SourceConfigID: "s1", Type: "topic", DisplayName: "  iPhone ",
	})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	id2, err := s.UpsertEntity(ctx, Entity{
		SourceConfigID: "s1", Type: "topic", DisplayName: "IPHONE",
	})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if id1 != id2 {
		t.Errorf("normalized upsert returned ids %d and %d, want same", id1, id2)
	}

	entities, err := s.GetEntitiesByIDs(ctx, []int64{id1})
	if err != nil {
		t.Fatalf("GetEntitiesByIDs: %v", err)
	}
	if len(entities) != 1 || entities[0].NormalizedName != "iphone" {
		t.Errorf("entities = %+v, want normalized_name iphone", entities)
	}
}

func TestEventEntityJoins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entityID, err := s.UpsertEntity(ctx, Entity{SourceConfigID: "s1", Type: "topic", DisplayName: "iPhone"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	inScope, err := s.InsertEvent(ctx, Event{
		SourceConfigID: "s1", SourceType: SourceArticle, SourceID: "doc1",
		Title: "launch", Content: "iPhone launch",
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	outOfScope, err := s.InsertEvent(ctx, Event{
		SourceConfigID: "s2", SourceType: SourceArticle, SourceID: "doc2",
		Title: "other", Content: "other scope",
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	for _, ev := range []int64{inScope, outOfScope} {
		if err := s.LinkEventEntity(ctx, ev, entityID, 0.8); err != nil {
			t.Fatalf("LinkEventEntity: %v", err)
		}
	}

	rows, err := s.EventsByEntityIDs(ctx, []int64{entityID}, []string{"s1"})
	if err != nil {
		t.Fatalf("EventsByEntityIDs: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != inScope {
		t.Fatalf("rows = %+v, want only the in-scope event", rows)
	}
	if rows[0].EntityName != "iPhone" || rows[0].LinkWeight != 0.8 {
		t.Errorf("row = %+v, want entity fields joined in", rows[0])
	}

	reverse, err := s.EntitiesByEventIDs(ctx, []int64{inScope})
	if err != nil {
		t.Fatalf("EntitiesByEventIDs: %v", err)
	}
	if len(reverse) != 1 || reverse[0].EntityID != entityID {
		t.Errorf("reverse rows = %+v", reverse)
	}
}

func TestEntityVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near, err := s.UpsertEntity(ctx, Entity{SourceConfigID: "s1", Type: "topic", DisplayName: "iPhone"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	far, err := s.UpsertEntity(ctx, Entity{SourceConfigID: "s1", Type: "person", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	other, err := s.UpsertEntity(ctx, Entity{SourceConfigID: "s2", Type: "topic", DisplayName: "Android"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	vectors := map[int64][]float32{
		near:  {1, 0, 0, 0},
		far:   {0, 1, 0, 0},
		other: {1, 0, 0, 0},
	}
	for id, v := range vectors {
		if err := s.InsertEntityVector(ctx, id, v); err != nil {
			t.Fatalf("InsertEntityVector: %v", err)
		}
	}

	hits, err := s.SearchSimilarEntities(ctx, []float32{1, 0, 0, 0}, 10, 0, []string{"s1"}, "", true)
	if err != nil {
		t.Fatalf("SearchSimilarEntities: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v, want 2 in-scope entities", hits)
	}
	if hits[0].EntityID != near || hits[0].Score < 0.99 {
		t.Errorf("top hit = %+v, want iPhone with score ~1", hits[0])
	}
	if hits[0].TypeThreshold != 0.60 {
		t.Errorf("topic threshold = %f, want 0.60", hits[0].TypeThreshold)
	}

	// Type filter keeps only matching entities.
	hits, err = s.SearchSimilarEntities(ctx, []float32{1, 0, 0, 0}, 10, 0, []string{"s1"}, "person", false)
	if err != nil {
		t.Fatalf("SearchSimilarEntities: %v", err)
	}
	if len(hits) != 1 || hits[0].EntityID != far {
		t.Errorf("typed hits = %+v, want only Alice", hits)
	}
}

func TestEventVectorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	withVecs, err := s.InsertEvent(ctx, Event{
		SourceConfigID: "s1", SourceType: SourceArticle, SourceID: "doc1",
		Title: "launch", Content: "iPhone launch", Category: "news",
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	noVecs, err := s.InsertEvent(ctx, Event{
		SourceConfigID: "s1", SourceType: SourceChat, SourceID: "chat1",
		Title: "chat", Content: "no vectors here",
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	if err := s.InsertEventVectors(ctx, withVecs, []float32{0, 1, 0, 0}, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("InsertEventVectors: %v", err)
	}

	hits, err := s.SearchSimilarEventsByContent(ctx, []float32{1, 0, 0, 0}, 5, 0, []string{"s1"})
	if err != nil {
		t.Fatalf("SearchSimilarEventsByContent: %v", err)
	}
	if len(hits) != 1 || hits[0].EventID != withVecs || hits[0].Score < 0.99 {
		t.Errorf("content hits = %+v", hits)
	}

	// Events missing from the vector index are dropped, not fatal.
	vectors, err := s.GetEventVectors(ctx, []int64{withVecs, noVecs})
	if err != nil {
		t.Fatalf("GetEventVectors: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("vectors = %+v, want only the indexed event", vectors)
	}
	v := vectors[withVecs]
	if v.Title == nil || v.Content == nil || v.Content[0] != 1 {
		t.Errorf("round-tripped vectors = %+v", v)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3}
	blob, err := serializeFloat32(in)
	if err != nil {
		t.Fatalf("serializeFloat32: %v", err)
	}
	out, err := deserializeFloat32(blob)
	if err != nil {
		t.Fatalf("deserializeFloat32: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d floats, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}
}

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.LogQuery(ctx, QueryLog{
		Query: "iphone", OriginalQuery: "iphone", Strategy: "PAGERANK",
		ReturnType: "EVENT", ResultCount: 3, ElapsedMs: 42,
	})
	if err != nil {
		t.Fatalf("LogQuery: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM query_log").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("query_log rows = %d, want 1", count)
	}
}
