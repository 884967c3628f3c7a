// Package store wraps a single SQLite database holding both the relational
// tables (entities, events, entity links, chunks) and the sqlite-vec vector
// indexes the retrieval pipeline searches. All reads used by the pipeline
// are scope-filtered by source_config_id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SourceType distinguishes where an event was extracted from.
type SourceType string

const (
	SourceArticle SourceType = "ARTICLE"
	SourceChat    SourceType = "CHAT"
)

// Entity is a row in the entity table. (source_config_id, entity_type,
// normalized_name) is unique; NormalizedName is lowercased and trimmed
// on write.
type Entity struct {
	ID             int64  `json:"id"`
	SourceConfigID string `json:"source_config_id"`
	Type           string `json:"type"`
	NormalizedName string `json:"normalized_name"`
	DisplayName    string `json:"display_name"`
	ValueKind      string `json:"value_kind,omitempty"`
	ValueText      string `json:"value_text,omitempty"`
	Description    string `json:"description,omitempty"`
}

// EntityType is a row in the entity_type registry.
type EntityType struct {
	Tag                 string  `json:"tag"`
	SourceConfigID      string  `json:"source_config_id,omitempty"`
	DisplayName         string  `json:"display_name"`
	DefaultWeight       float64 `json:"default_weight"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	IsDefault           bool    `json:"is_default"`
}

// Event is a row in the source_event table.
type Event struct {
	ID             int64      `json:"id"`
	SourceConfigID string     `json:"source_config_id"`
	SourceType     SourceType `json:"source_type"`
	SourceID       string     `json:"source_id"`
	ChunkID        int64      `json:"chunk_id"`
	Title          string     `json:"title"`
	Summary        string     `json:"summary"`
	Content        string     `json:"content"`
	Category       string     `json:"category"`
	Rank           int        `json:"rank"`
	StartTime      string     `json:"start_time,omitempty"`
	EndTime        string     `json:"end_time,omitempty"`
	References     []string   `json:"references,omitempty"`
}

// Chunk is a row in the source_chunk table.
type Chunk struct {
	ID             int64    `json:"id"`
	SourceID       string   `json:"source_id"`
	SourceConfigID string   `json:"source_config_id"`
	Rank           int      `json:"rank"`
	Heading        string   `json:"heading"`
	Content        string   `json:"content"`
	References     []string `json:"references,omitempty"`
}

// EventEntityRow is one event_entity join row enriched with entity fields.
type EventEntityRow struct {
	EventID    int64   `json:"event_id"`
	EntityID   int64   `json:"entity_id"`
	EntityName string  `json:"entity_name"`
	EntityType string  `json:"entity_type"`
	LinkWeight float64 `json:"link_weight"`
}

// RankedEntity is a weighted entity flowing between pipeline stages
// (the key_final lists). Hop is 0 for recall entities and the expansion
// hop for discovered ones; Steps holds the 1-based step at which the
// entity first appeared.
type RankedEntity struct {
	EntityID int64         `json:"entity_id"`
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Weight   float64       `json:"weight"`
	Steps    []int         `json:"steps"`
	Hop      int           `json:"hop"`
	Parent   *EntityParent `json:"parent_entity,omitempty"`
}

// EntityParent records the discovery path of an expanded entity: the
// frontier entity and the event through which it was reached.
type EntityParent struct {
	EntityID    int64   `json:"entity_id"`
	EventID     int64   `json:"event_id"`
	EventWeight float64 `json:"event_weight"`
}

// QueryLog is a row in the query_log audit table.
type QueryLog struct {
	Query         string
	OriginalQuery string
	Strategy      string
	ReturnType    string
	ResultCount   int
	ElapsedMs     int64
}

// Store wraps the SQLite database for all cluegraph persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual tables.
// The default entity types are seeded on first open.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("store: embedding dimension must be positive, got %d", embeddingDim)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite. Reads dominate; WAL allows
	// concurrent readers against a single writer.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.seedDefaultTypes(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding default entity types: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

func (s *Store) seedDefaultTypes(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range defaultEntityTypes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entity_type (tag, source_config_id, display_name, default_weight, similarity_threshold, is_default)
				VALUES (?, '', ?, ?, ?, 1)
				ON CONFLICT(tag, source_config_id) DO NOTHING
			`, t.tag, t.displayName, t.weight, t.threshold); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Entity type operations ---

// UpsertEntityType inserts or updates a (possibly scope-local) entity
// type. An empty SourceConfigID targets the shared default registry.
func (s *Store) UpsertEntityType(ctx context.Context, t EntityType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_type (tag, source_config_id, display_name, default_weight, similarity_threshold, is_default)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag, source_config_id) DO UPDATE SET
			display_name = excluded.display_name,
			default_weight = excluded.default_weight,
			similarity_threshold = excluded.similarity_threshold
	`, t.Tag, t.SourceConfigID, t.DisplayName, t.DefaultWeight, t.SimilarityThreshold, boolToInt(t.IsDefault))
	return err
}

// EntityTypes returns the type registry visible to a scope: scope-local
// types shadow defaults with the same tag. Defaults keep their fixed order.
func (s *Store) EntityTypes(ctx context.Context, sourceConfigID string) ([]EntityType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, source_config_id, display_name, default_weight, similarity_threshold, is_default
		FROM entity_type
		WHERE source_config_id = '' OR source_config_id = ?
		ORDER BY id
	`, sourceConfigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTag := make(map[string]int)
	var types []EntityType
	for rows.Next() {
		var t EntityType
		var isDefault int
		if err := rows.Scan(&t.Tag, &t.SourceConfigID, &t.DisplayName, &t.DefaultWeight, &t.SimilarityThreshold, &isDefault); err != nil {
			return nil, err
		}
		t.IsDefault = isDefault != 0
		if pos, ok := byTag[t.Tag]; ok {
			if t.SourceConfigID != "" {
				types[pos] = t
			}
			continue
		}
		byTag[t.Tag] = len(types)
		types = append(types, t)
	}
	return types, rows.Err()
}

// --- Entity operations ---

// UpsertEntity inserts or updates an entity, normalizing the name.
// Returns the entity ID.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(e.NormalizedName))
	if normalized == "" {
		normalized = strings.ToLower(strings.TrimSpace(e.DisplayName))
	}
	if normalized == "" {
		return 0, fmt.Errorf("store: entity name is empty")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO entity (source_config_id, entity_type, normalized_name, display_name, value_kind, value_text, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_config_id, entity_type, normalized_name) DO UPDATE SET
			display_name = excluded.display_name,
			value_kind = COALESCE(excluded.value_kind, entity.value_kind),
			value_text = COALESCE(excluded.value_text, entity.value_text),
			description = COALESCE(excluded.description, entity.description)
		RETURNING id
	`, e.SourceConfigID, e.Type, normalized, e.DisplayName, nullable(e.ValueKind), nullable(e.ValueText), nullable(e.Description)).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetEntitiesByIDs returns entities for the given ids, preserving no
// particular order. Missing ids are silently absent.
func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []int64) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, source_config_id, entity_type, normalized_name, display_name,
			COALESCE(value_kind, ''), COALESCE(value_text, ''), COALESCE(description, '')
		FROM entity WHERE id IN (?` + repeatPlaceholders(len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.SourceConfigID, &e.Type, &e.NormalizedName,
			&e.DisplayName, &e.ValueKind, &e.ValueText, &e.Description); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// --- Event operations ---

// InsertEvent stores an event row and returns its ID.
func (s *Store) InsertEvent(ctx context.Context, e Event) (int64, error) {
	refs, err := json.Marshal(e.References)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO source_event (source_config_id, source_type, source_id, chunk_id,
			title, summary, content, category, rank, start_time, end_time, refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SourceConfigID, string(e.SourceType), e.SourceID, nullableID(e.ChunkID),
		e.Title, e.Summary, e.Content, e.Category, e.Rank,
		nullable(e.StartTime), nullable(e.EndTime), string(refs))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LinkEventEntity links an entity to an event with the given weight.
func (s *Store) LinkEventEntity(ctx context.Context, eventID, entityID int64, weight float64) error {
	if weight < 0 {
		return fmt.Errorf("store: event-entity weight must be >= 0, got %f", weight)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_entity (event_id, entity_id, weight) VALUES (?, ?, ?)
		ON CONFLICT(event_id, entity_id) DO UPDATE SET weight = excluded.weight
	`, eventID, entityID, weight)
	return err
}

// GetEventsByIDs returns event rows for the given ids. Missing ids are
// silently absent; callers treat per-id absence as a dropped document.
func (s *Store) GetEventsByIDs(ctx context.Context, ids []int64) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, source_config_id, source_type, source_id, COALESCE(chunk_id, 0),
			title, COALESCE(summary, ''), content, COALESCE(category, ''), rank,
			COALESCE(start_time, ''), COALESCE(end_time, ''), COALESCE(refs, '[]')
		FROM source_event WHERE id IN (?` + repeatPlaceholders(len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsByEntityIDs returns every event_entity join row for events linking
// to any of the given entities, bounded by source scopes. Rows carry the
// entity display name and type so callers can build clue nodes without a
// second lookup.
func (s *Store) EventsByEntityIDs(ctx context.Context, entityIDs []int64, sourceConfigIDs []string) ([]EventEntityRow, error) {
	if len(entityIDs) == 0 || len(sourceConfigIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ee.event_id, ee.entity_id, en.display_name, en.entity_type, ee.weight
		FROM event_entity ee
		JOIN source_event ev ON ev.id = ee.event_id
		JOIN entity en ON en.id = ee.entity_id
		WHERE ee.entity_id IN (?` + repeatPlaceholders(len(entityIDs)-1) + `)
		  AND ev.source_config_id IN (?` + repeatPlaceholders(len(sourceConfigIDs)-1) + `)
		ORDER BY ee.event_id, ee.entity_id`

	args := int64Args(entityIDs)
	for _, id := range sourceConfigIDs {
		args = append(args, id)
	}

	return s.queryEventEntityRows(ctx, query, args)
}

// EntitiesByEventIDs returns every event_entity join row for the given
// events. This is the reverse direction used by Expand to surface new
// entities from frontier events.
func (s *Store) EntitiesByEventIDs(ctx context.Context, eventIDs []int64) ([]EventEntityRow, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ee.event_id, ee.entity_id, en.display_name, en.entity_type, ee.weight
		FROM event_entity ee
		JOIN entity en ON en.id = ee.entity_id
		WHERE ee.event_id IN (?` + repeatPlaceholders(len(eventIDs)-1) + `)
		ORDER BY ee.event_id, ee.entity_id`

	return s.queryEventEntityRows(ctx, query, int64Args(eventIDs))
}

func (s *Store) queryEventEntityRows(ctx context.Context, query string, args []any) ([]EventEntityRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventEntityRow
	for rows.Next() {
		var r EventEntityRow
		if err := rows.Scan(&r.EventID, &r.EntityID, &r.EntityName, &r.EntityType, &r.LinkWeight); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Chunk operations ---

// InsertChunk stores a chunk row and returns its ID.
func (s *Store) InsertChunk(ctx context.Context, c Chunk) (int64, error) {
	refs, err := json.Marshal(c.References)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO source_chunk (source_id, source_config_id, rank, heading, content, refs)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.SourceID, c.SourceConfigID, c.Rank, c.Heading, c.Content, string(refs))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetChunksByIDs returns chunk rows for the given ids. Missing ids are
// silently absent.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, source_id, source_config_id, rank, COALESCE(heading, ''), content, COALESCE(refs, '[]')
		FROM source_chunk WHERE id IN (?` + repeatPlaceholders(len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var refs string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.SourceConfigID, &c.Rank, &c.Heading, &c.Content, &refs); err != nil {
			return nil, err
		}
		if refs != "" {
			_ = json.Unmarshal([]byte(refs), &c.References)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Query log ---

// LogQuery records a search in the audit log. Failures are the caller's
// to ignore; logging never blocks a response.
func (s *Store) LogQuery(ctx context.Context, l QueryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, original_query, strategy, return_type, result_count, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.Query, l.OriginalQuery, l.Strategy, l.ReturnType, l.ResultCount, l.ElapsedMs)
	return err
}

// --- helpers ---

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var sourceType, refs string
	err := rows.Scan(&e.ID, &e.SourceConfigID, &sourceType, &e.SourceID, &e.ChunkID,
		&e.Title, &e.Summary, &e.Content, &e.Category, &e.Rank,
		&e.StartTime, &e.EndTime, &refs)
	if err != nil {
		return e, err
	}
	e.SourceType = SourceType(sourceType)
	if refs != "" {
		_ = json.Unmarshal([]byte(refs), &e.References)
	}
	return e, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// repeatPlaceholders returns ", ?" repeated n times.
func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
