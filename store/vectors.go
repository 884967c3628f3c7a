package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// EntityHit is one entity vector search result. Score is cosine similarity
// in [0, 1] (1 - cosine distance). TypeThreshold carries the per-type
// similarity threshold when the caller asked for it, else 0.
type EntityHit struct {
	EntityID      int64   `json:"entity_id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Score         float64 `json:"score"`
	TypeThreshold float64 `json:"type_threshold,omitempty"`
}

// EventHit is one event vector search result.
type EventHit struct {
	EventID int64   `json:"event_id"`
	Score   float64 `json:"score"`
}

// EventVectors holds the stored embeddings of one event. Either field may
// be nil when the event was indexed without that embedding.
type EventVectors struct {
	Title   []float32
	Content []float32
}

// serializeFloat32 encodes a vector in the little-endian blob format
// sqlite-vec expects.
func serializeFloat32(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("store: vector blob length %d not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		v[i] = math.Float32frombits(bits)
	}
	return v, nil
}

func (s *Store) checkDim(v []float32) error {
	if len(v) != s.embeddingDim {
		return fmt.Errorf("store: vector dimension %d, want %d", len(v), s.embeddingDim)
	}
	return nil
}

// InsertEntityVector indexes an entity embedding.
func (s *Store) InsertEntityVector(ctx context.Context, entityID int64, embedding []float32) error {
	if err := s.checkDim(embedding); err != nil {
		return err
	}
	blob, err := serializeFloat32(embedding)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_entities (entity_id, embedding) VALUES (?, ?)",
		entityID, blob)
	return err
}

// InsertEventVectors indexes the title and content embeddings of an event.
// Either may be nil to skip that index.
func (s *Store) InsertEventVectors(ctx context.Context, eventID int64, title, content []float32) error {
	if title != nil {
		if err := s.checkDim(title); err != nil {
			return err
		}
		blob, err := serializeFloat32(title)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_event_titles (event_id, embedding) VALUES (?, ?)",
			eventID, blob); err != nil {
			return err
		}
	}
	if content != nil {
		if err := s.checkDim(content); err != nil {
			return err
		}
		blob, err := serializeFloat32(content)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_event_contents (event_id, embedding) VALUES (?, ?)",
			eventID, blob); err != nil {
			return err
		}
	}
	return nil
}

// SearchSimilarEntities runs a KNN search over entity embeddings, filtered
// to the given scopes and optionally to one entity type. The vec0 MATCH
// runs in an inner subquery over `candidates` rows (k*10 when zero) so the
// scope filter does not starve the result set. When includeTypeThreshold is
// set each hit carries the per-type similarity threshold resolved for its
// scope.
func (s *Store) SearchSimilarEntities(ctx context.Context, embedding []float32, k, candidates int, sourceConfigIDs []string, typeTag string, includeTypeThreshold bool) ([]EntityHit, error) {
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}
	if k <= 0 || len(sourceConfigIDs) == 0 {
		return nil, nil
	}
	if candidates < k {
		candidates = k * 10
	}
	blob, err := serializeFloat32(embedding)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT e.id, e.display_name, e.entity_type, v.score
		FROM (
			SELECT entity_id, 1 - distance AS score
			FROM vec_entities
			WHERE embedding MATCH ? AND k = ?
		) v
		JOIN entity e ON e.id = v.entity_id
		WHERE e.source_config_id IN (?` + repeatPlaceholders(len(sourceConfigIDs)-1) + `)`)
	args := []any{blob, candidates}
	for _, id := range sourceConfigIDs {
		args = append(args, id)
	}
	if typeTag != "" {
		sb.WriteString(" AND e.entity_type = ?")
		args = append(args, typeTag)
	}
	sb.WriteString(" ORDER BY v.score DESC LIMIT ?")
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []EntityHit
	for rows.Next() {
		var h EntityHit
		if err := rows.Scan(&h.EntityID, &h.Name, &h.Type, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if includeTypeThreshold && len(hits) > 0 {
		thresholds, err := s.typeThresholds(ctx, sourceConfigIDs)
		if err != nil {
			return nil, err
		}
		for i := range hits {
			hits[i].TypeThreshold = thresholds[hits[i].Type]
		}
	}
	return hits, nil
}

// typeThresholds resolves tag -> similarity threshold for the given scopes,
// scope-local definitions shadowing defaults.
func (s *Store) typeThresholds(ctx context.Context, sourceConfigIDs []string) (map[string]float64, error) {
	query := `
		SELECT tag, similarity_threshold, source_config_id != ''
		FROM entity_type
		WHERE source_config_id = '' OR source_config_id IN (?` + repeatPlaceholders(len(sourceConfigIDs)-1) + `)`
	args := make([]any, len(sourceConfigIDs))
	for i, id := range sourceConfigIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	thresholds := make(map[string]float64)
	scoped := make(map[string]bool)
	for rows.Next() {
		var tag string
		var threshold float64
		var isScoped bool
		if err := rows.Scan(&tag, &threshold, &isScoped); err != nil {
			return nil, err
		}
		if scoped[tag] && !isScoped {
			continue
		}
		thresholds[tag] = threshold
		if isScoped {
			scoped[tag] = true
		}
	}
	return thresholds, rows.Err()
}

// SearchSimilarEventsByContent runs a KNN search over event content
// embeddings within the given scopes.
func (s *Store) SearchSimilarEventsByContent(ctx context.Context, embedding []float32, k, candidates int, sourceConfigIDs []string) ([]EventHit, error) {
	return s.searchEvents(ctx, "vec_event_contents", embedding, k, candidates, sourceConfigIDs, "")
}

// SearchSimilarEventsByTitle runs a KNN search over event title embeddings
// within the given scopes, optionally filtered to one event category.
func (s *Store) SearchSimilarEventsByTitle(ctx context.Context, embedding []float32, k, candidates int, sourceConfigIDs []string, category string) ([]EventHit, error) {
	return s.searchEvents(ctx, "vec_event_titles", embedding, k, candidates, sourceConfigIDs, category)
}

func (s *Store) searchEvents(ctx context.Context, table string, embedding []float32, k, candidates int, sourceConfigIDs []string, category string) ([]EventHit, error) {
	if err := s.checkDim(embedding); err != nil {
		return nil, err
	}
	if k <= 0 || len(sourceConfigIDs) == 0 {
		return nil, nil
	}
	if candidates < k {
		candidates = k * 10
	}
	blob, err := serializeFloat32(embedding)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `
		SELECT ev.id, v.score
		FROM (
			SELECT event_id, 1 - distance AS score
			FROM %s
			WHERE embedding MATCH ? AND k = ?
		) v
		JOIN source_event ev ON ev.id = v.event_id
		WHERE ev.source_config_id IN (?`+repeatPlaceholders(len(sourceConfigIDs)-1)+`)`, table)
	args := []any{blob, candidates}
	for _, id := range sourceConfigIDs {
		args = append(args, id)
	}
	if category != "" {
		sb.WriteString(" AND ev.category = ?")
		args = append(args, category)
	}
	sb.WriteString(" ORDER BY v.score DESC LIMIT ?")
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []EventHit
	for rows.Next() {
		var h EventHit
		if err := rows.Scan(&h.EventID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetEventVectors fetches the stored title and content embeddings for the
// given event ids, batched to keep IN clauses bounded. Events missing from
// both indexes are dropped with a warning.
func (s *Store) GetEventVectors(ctx context.Context, eventIDs []int64) (map[int64]EventVectors, error) {
	result := make(map[int64]EventVectors, len(eventIDs))
	const batchSize = 50
	for start := 0; start < len(eventIDs); start += batchSize {
		end := start + batchSize
		if end > len(eventIDs) {
			end = len(eventIDs)
		}
		batch := eventIDs[start:end]
		if err := s.fetchVectorBatch(ctx, "vec_event_titles", batch, result, true); err != nil {
			return nil, err
		}
		if err := s.fetchVectorBatch(ctx, "vec_event_contents", batch, result, false); err != nil {
			return nil, err
		}
	}
	for _, id := range eventIDs {
		if v, ok := result[id]; !ok || (v.Title == nil && v.Content == nil) {
			slog.Warn("store: event has no stored embeddings", "event_id", id)
			delete(result, id)
		}
	}
	return result, nil
}

func (s *Store) fetchVectorBatch(ctx context.Context, table string, ids []int64, out map[int64]EventVectors, isTitle bool) error {
	query := fmt.Sprintf("SELECT event_id, embedding FROM %s WHERE event_id IN (?%s)",
		table, repeatPlaceholders(len(ids)-1))
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := deserializeFloat32(blob)
		if err != nil {
			return err
		}
		v := out[id]
		if isTitle {
			v.Title = vec
		} else {
			v.Content = vec
		}
		out[id] = v
	}
	return rows.Err()
}
