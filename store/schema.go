package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimensions.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Entity type registry. Default types have an empty source_config_id and
-- are seeded on first open; scoped types shadow defaults within their
-- scope. The empty-string sentinel keeps the UNIQUE constraint effective
-- (NULLs never conflict in SQLite).
CREATE TABLE IF NOT EXISTS entity_type (
    id INTEGER PRIMARY KEY,
    tag TEXT NOT NULL,
    source_config_id TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL,
    default_weight REAL NOT NULL DEFAULT 1.0,
    similarity_threshold REAL NOT NULL DEFAULT 0.8,
    is_default INTEGER NOT NULL DEFAULT 0,
    UNIQUE(tag, source_config_id)
);

-- Contiguous text spans events were extracted from.
CREATE TABLE IF NOT EXISTS source_chunk (
    id INTEGER PRIMARY KEY,
    source_id TEXT NOT NULL,
    source_config_id TEXT NOT NULL,
    rank INTEGER NOT NULL DEFAULT 0,
    heading TEXT,
    content TEXT NOT NULL,
    refs JSON
);
CREATE INDEX IF NOT EXISTS idx_chunk_scope ON source_chunk(source_config_id);

-- Typed entities extracted from documents and chats.
CREATE TABLE IF NOT EXISTS entity (
    id INTEGER PRIMARY KEY,
    source_config_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    display_name TEXT NOT NULL,
    value_kind TEXT,
    value_text TEXT,
    description TEXT,
    UNIQUE(source_config_id, entity_type, normalized_name)
);

-- Events extracted from source chunks.
CREATE TABLE IF NOT EXISTS source_event (
    id INTEGER PRIMARY KEY,
    source_config_id TEXT NOT NULL,
    source_type TEXT NOT NULL CHECK (source_type IN ('ARTICLE', 'CHAT')),
    source_id TEXT NOT NULL,
    chunk_id INTEGER REFERENCES source_chunk(id),
    title TEXT NOT NULL,
    summary TEXT,
    content TEXT NOT NULL,
    category TEXT,
    rank INTEGER NOT NULL DEFAULT 0,
    start_time DATETIME,
    end_time DATETIME,
    refs JSON
);
CREATE INDEX IF NOT EXISTS idx_event_scope ON source_event(source_config_id);
CREATE INDEX IF NOT EXISTS idx_event_chunk ON source_event(chunk_id);

-- Many-to-many entity <-> event links.
CREATE TABLE IF NOT EXISTS event_entity (
    event_id INTEGER NOT NULL REFERENCES source_event(id) ON DELETE CASCADE,
    entity_id INTEGER NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
    weight REAL NOT NULL DEFAULT 1.0,
    PRIMARY KEY (event_id, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_event_entity_entity ON event_entity(entity_id);
CREATE INDEX IF NOT EXISTS idx_event_entity_event ON event_entity(event_id);

-- Search audit log.
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    query TEXT NOT NULL,
    original_query TEXT,
    strategy TEXT,
    return_type TEXT,
    result_count INTEGER,
    elapsed_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Vector indexes via sqlite-vec (cosine distance).
CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_event_titles USING vec0(
    event_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_event_contents USING vec0(
    event_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);
`, embeddingDim)
}

// defaultEntityType seeds the fixed default type registry.
type defaultEntityType struct {
	tag         string
	displayName string
	weight      float64
	threshold   float64
}

// Default types in their fixed order. The per-type similarity threshold
// gates recall: a hit must clear max(global threshold, type threshold).
var defaultEntityTypes = []defaultEntityType{
	{"time", "Time", 1.0, 0.90},
	{"location", "Location", 1.0, 0.85},
	{"person", "Person", 1.0, 0.85},
	{"action", "Action", 1.5, 0.80},
	{"topic", "Topic", 1.8, 0.60},
	{"tags", "Tags", 0.5, 0.60},
}
