package clue

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Recall methods used to scope rerank-stage event nodes.
const (
	MethodEntityRecall  = "entity_recall"
	MethodSectionRecall = "section_recall"
	MethodQueryRecall   = "query_recall"
)

type edgeKey struct {
	from string
	to   string
}

type eventKey struct {
	stage   Stage
	hop     int
	method  string
	eventID int64
}

// Tracker accumulates the clue list for one search request. It is not safe
// for concurrent use: concurrent sub-steps return clue batches and the stage
// driver appends them in order.
type Tracker struct {
	clues      []Clue
	index      map[edgeKey]int
	eventNodes map[eventKey]Node
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		index:      make(map[edgeKey]int),
		eventNodes: make(map[eventKey]Node),
	}
}

// EventNode returns the node for an event within a stage, creating it on
// first use. Recall-stage nodes are unique per event id; expand-stage nodes
// are unique per (event id, hop); rerank-stage nodes are unique per
// (event id, recall method). hop is ignored outside expand and method
// outside rerank.
func (t *Tracker) EventNode(stage Stage, hop int, method string, ev EventRef) Node {
	key := eventKey{stage: stage, eventID: ev.ID}
	switch stage {
	case StageExpand:
		key.hop = hop
	case StageRerank:
		key.method = method
	}
	if n, ok := t.eventNodes[key]; ok {
		return n
	}
	n := Node{
		ID:          eventNodeID(stage, hop, method, ev.ID, uuid.NewString()[:8]),
		Type:        NodeEvent,
		Category:    ev.Category,
		Content:     ev.Title,
		Description: snippet(ev.Summary, 200),
		Stage:       stage,
	}
	if stage == StageExpand {
		n.Hop = hop
	}
	t.eventNodes[key] = n
	return n
}

// Add records a directed clue. Confidence is clamped into [0, 1]. If an
// edge with the same (from.id, to.id) already exists, the one with the
// higher display level is kept in place; ties keep the existing clue.
func (t *Tracker) Add(stage Stage, from, to Node, confidence float64, relation string, level DisplayLevel, metadata map[string]any) error {
	if from.ID == "" || from.Type == "" || to.ID == "" || to.Type == "" {
		return fmt.Errorf("clue: node missing id or type (from=%q to=%q)", from.ID, to.ID)
	}
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	key := edgeKey{from: from.ID, to: to.ID}
	if pos, ok := t.index[key]; ok {
		if level.priority() > t.clues[pos].DisplayLevel.priority() {
			t.clues[pos] = Clue{
				ID:           t.clues[pos].ID,
				Stage:        stage,
				From:         from,
				To:           to,
				Confidence:   confidence,
				Relation:     relation,
				DisplayLevel: level,
				Metadata:     metadata,
			}
		}
		return nil
	}

	t.index[key] = len(t.clues)
	t.clues = append(t.clues, Clue{
		ID:           uuid.NewString(),
		Stage:        stage,
		From:         from,
		To:           to,
		Confidence:   confidence,
		Relation:     relation,
		DisplayLevel: level,
		Metadata:     metadata,
	})
	return nil
}

// AddBatch appends a pre-built batch of clues through the normal dedupe
// path. Used by stages whose concurrent sub-steps collect clues locally.
func (t *Tracker) AddBatch(batch []Clue) {
	for _, c := range batch {
		if err := t.Add(c.Stage, c.From, c.To, c.Confidence, c.Relation, c.DisplayLevel, c.Metadata); err != nil {
			slog.Warn("clue: dropping malformed clue", "error", err)
		}
	}
}

// Clues returns the accumulated clue list in insertion order.
func (t *Tracker) Clues() []Clue {
	return t.clues
}

// Len returns the number of distinct edges recorded.
func (t *Tracker) Len() int {
	return len(t.clues)
}
