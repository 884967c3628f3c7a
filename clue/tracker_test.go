package clue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryIDDeterministic(t *testing.T) {
	assert.Equal(t, QueryID("foo"), QueryID("foo"))
	assert.NotEqual(t, QueryID("foo"), QueryID("bar"))
}

func TestAddClampsConfidence(t *testing.T) {
	tr := NewTracker()
	q := QueryNode("q")
	e := EntityNode(1, "apple", "topic", "")

	require.NoError(t, tr.Add(StageRecall, q, e, 1.7, "recalled_entity", LevelDebug, nil))
	assert.Equal(t, 1.0, tr.Clues()[0].Confidence)

	require.NoError(t, tr.Add(StageRecall, e, q, -0.3, "reverse", LevelDebug, nil))
	assert.Equal(t, 0.0, tr.Clues()[1].Confidence)
}

func TestAddRejectsMalformedNodes(t *testing.T) {
	tr := NewTracker()
	err := tr.Add(StageRecall, Node{}, QueryNode("q"), 0.5, "x", LevelDebug, nil)
	assert.Error(t, err)
	assert.Zero(t, tr.Len())
}

func TestDuplicateEdgeKeepsHigherLevel(t *testing.T) {
	tr := NewTracker()
	q := QueryNode("q")
	e := EntityNode(1, "apple", "topic", "")

	require.NoError(t, tr.Add(StageRecall, q, e, 0.4, "recalled_entity", LevelIntermediate, nil))
	require.NoError(t, tr.Add(StageRecall, q, e, 0.9, "recalled_entity", LevelFinal, nil))
	// A lower level never downgrades an existing edge.
	require.NoError(t, tr.Add(StageRecall, q, e, 0.1, "recalled_entity", LevelDebug, nil))

	require.Equal(t, 1, tr.Len())
	c := tr.Clues()[0]
	assert.Equal(t, LevelFinal, c.DisplayLevel)
	assert.Equal(t, 0.9, c.Confidence)
}

func TestDuplicateEdgeKeepsPositionAndID(t *testing.T) {
	tr := NewTracker()
	q := QueryNode("q")
	a := EntityNode(1, "a", "topic", "")
	b := EntityNode(2, "b", "topic", "")

	require.NoError(t, tr.Add(StageRecall, q, a, 0.5, "recalled_entity", LevelIntermediate, nil))
	require.NoError(t, tr.Add(StageRecall, q, b, 0.5, "recalled_entity", LevelIntermediate, nil))
	firstID := tr.Clues()[0].ID

	require.NoError(t, tr.Add(StageRecall, q, a, 0.8, "recalled_entity", LevelFinal, nil))

	require.Equal(t, 2, tr.Len())
	assert.Equal(t, firstID, tr.Clues()[0].ID)
	assert.Equal(t, a.ID, tr.Clues()[0].To.ID)
}

func TestEventNodeIdentityPerStage(t *testing.T) {
	tr := NewTracker()
	ev := EventRef{ID: 7, Title: "launch", Category: "news"}

	recall1 := tr.EventNode(StageRecall, 0, "", ev)
	recall2 := tr.EventNode(StageRecall, 3, MethodQueryRecall, ev)
	assert.Equal(t, recall1.ID, recall2.ID, "recall nodes are shared per event id")
	assert.Equal(t, "event-7", recall1.ID)

	hop1 := tr.EventNode(StageExpand, 1, "", ev)
	hop1again := tr.EventNode(StageExpand, 1, "", ev)
	hop2 := tr.EventNode(StageExpand, 2, "", ev)
	assert.Equal(t, hop1.ID, hop1again.ID)
	assert.NotEqual(t, hop1.ID, hop2.ID)
	assert.Contains(t, hop1.ID, "expand_hop1_event-7_")
	assert.Equal(t, 1, hop1.Hop)

	byEntity := tr.EventNode(StageRerank, 0, MethodEntityRecall, ev)
	byQuery := tr.EventNode(StageRerank, 0, MethodQueryRecall, ev)
	assert.NotEqual(t, byEntity.ID, byQuery.ID)
	assert.Contains(t, byEntity.ID, "rerank_entity_recall_event-7_")
}

func TestAddBatch(t *testing.T) {
	tr := NewTracker()
	q := QueryNode("q")
	e := EntityNode(1, "apple", "topic", "")

	tr.AddBatch([]Clue{
		{Stage: StageRecall, From: q, To: e, Confidence: 0.5, Relation: "recalled_entity", DisplayLevel: LevelIntermediate},
		{Stage: StageRecall, From: q, To: e, Confidence: 0.9, Relation: "recalled_entity", DisplayLevel: LevelFinal},
		{Stage: StageRecall, From: Node{}, To: e, Confidence: 0.5, Relation: "bad", DisplayLevel: LevelDebug},
	})

	require.Equal(t, 1, tr.Len())
	assert.Equal(t, LevelFinal, tr.Clues()[0].DisplayLevel)
}

func TestSnippetRuneBoundary(t *testing.T) {
	s := "日本語テキスト"
	out := snippet(s, 7)
	assert.LessOrEqual(t, len(out), 7)
	for _, r := range out {
		assert.NotEqual(t, '�', r)
	}
}
