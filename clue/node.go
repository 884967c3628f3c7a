// Package clue maintains the reasoning graph surfaced to clients: typed
// nodes (query, entity, event, section) and directed, labeled edges with a
// stage, a confidence, and a display level. The Tracker owns edge
// deduplication and the stage-scoped identity of event nodes.
package clue

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Stage identifies which pipeline stage produced a clue or node.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageRecall  Stage = "recall"
	StageExpand  Stage = "expand"
	StageRerank  Stage = "rerank"
)

// NodeType is the kind of a reasoning-graph vertex.
type NodeType string

const (
	NodeQuery   NodeType = "query"
	NodeEntity  NodeType = "entity"
	NodeEvent   NodeType = "event"
	NodeSection NodeType = "section"
)

// DisplayLevel is the visibility tier of a clue. When the same (from, to)
// edge is added twice, the higher level wins.
type DisplayLevel string

const (
	LevelDebug        DisplayLevel = "debug"
	LevelIntermediate DisplayLevel = "intermediate"
	LevelFinal        DisplayLevel = "final"
)

// priority orders display levels: final > intermediate > debug.
func (l DisplayLevel) priority() int {
	switch l {
	case LevelFinal:
		return 2
	case LevelIntermediate:
		return 1
	default:
		return 0
	}
}

// Node is a reasoning-graph vertex.
type Node struct {
	ID          string   `json:"id"`
	Type        NodeType `json:"type"`
	Category    string   `json:"category,omitempty"`
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	Stage       Stage    `json:"stage,omitempty"`
	Hop         int      `json:"hop,omitempty"`
}

// Clue is a directed, labeled edge between two nodes.
type Clue struct {
	ID           string         `json:"id"`
	Stage        Stage          `json:"stage"`
	From         Node           `json:"from"`
	To           Node           `json:"to"`
	Confidence   float64        `json:"confidence"`
	Relation     string         `json:"relation"`
	DisplayLevel DisplayLevel   `json:"display_level"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// queryNamespace is the fixed UUID5 namespace for query and extracted-
// attribute node ids. Identical query text always collapses to one node.
var queryNamespace = uuid.MustParse("7b9a2f40-33c1-5d18-9e6d-1f4a0c8b2d73")

// QueryID returns the deterministic UUID5 node id for a query string.
func QueryID(query string) string {
	return uuid.NewSHA1(queryNamespace, []byte(query)).String()
}

// QueryNode builds the node for a query string.
func QueryNode(query string) Node {
	return Node{
		ID:       QueryID(query),
		Type:     NodeQuery,
		Category: "query",
		Content:  query,
	}
}

// EntityNode builds the node for a stored entity.
func EntityNode(id int64, name, typeTag, description string) Node {
	return Node{
		ID:          "entity-" + strconv.FormatInt(id, 10),
		Type:        NodeEntity,
		Category:    typeTag,
		Content:     name,
		Description: description,
	}
}

// ExtractedEntityNode builds the node for an attribute the LLM extracted
// from the query. These entities have no stored id; the node id is a
// deterministic UUID5 of the attribute name so repeated extraction of the
// same name collapses to one node.
func ExtractedEntityNode(name, typeTag, context string) Node {
	return Node{
		ID:          "extracted-" + uuid.NewSHA1(queryNamespace, []byte(name)).String(),
		Type:        NodeEntity,
		Category:    typeTag,
		Content:     name,
		Description: context,
	}
}

// SectionNode builds the node for a source chunk.
func SectionNode(id int64, heading, content string) Node {
	return Node{
		ID:          "chunk-" + strconv.FormatInt(id, 10),
		Type:        NodeSection,
		Category:    "section",
		Content:     heading,
		Description: snippet(content, 200),
	}
}

// EventRef carries the event fields needed to build an event node.
type EventRef struct {
	ID       int64
	Title    string
	Summary  string
	Category string
}

// eventNodeID builds the stage-scoped id for an event node. Recall nodes
// are shared per event; expand nodes are distinct per hop; rerank nodes are
// distinct per recall method. The random suffix keeps ids unique across
// searches that share a tracker lifetime.
func eventNodeID(stage Stage, hop int, method string, eventID int64, suffix string) string {
	base := "event-" + strconv.FormatInt(eventID, 10)
	switch stage {
	case StageExpand:
		return fmt.Sprintf("expand_hop%d_%s_%s", hop, base, suffix)
	case StageRerank:
		return fmt.Sprintf("rerank_%s_%s_%s", method, base, suffix)
	default:
		return base
	}
}

// snippet truncates s to at most n bytes on a rune boundary.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
