package chunker

import (
	"strings"
	"testing"
)

func TestChunkShortDocumentIsSingleChunk(t *testing.T) {
	c := New(Config{})
	chunks := c.Chunk("s1", "doc1", "A short document.\n\nWith two paragraphs.")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	got := chunks[0]
	if got.SourceConfigID != "s1" || got.SourceID != "doc1" || got.Rank != 0 {
		t.Errorf("chunk = %+v, want source fields and rank 0", got)
	}
	if got.Heading != "" {
		t.Errorf("heading = %q, want empty for headingless text", got.Heading)
	}
}

func TestChunkHeadingsDelimitSections(t *testing.T) {
	doc := "intro text\n\n# Background\n\nsome background\n\n## Details\n\nthe details"
	chunks := New(Config{}).Chunk("s1", "doc1", doc)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	wantHeadings := []string{"", "Background", "Details"}
	for i, w := range wantHeadings {
		if chunks[i].Heading != w {
			t.Errorf("chunks[%d].Heading = %q, want %q", i, chunks[i].Heading, w)
		}
		if chunks[i].Rank != i {
			t.Errorf("chunks[%d].Rank = %d, want %d", i, chunks[i].Rank, i)
		}
	}
}

func TestChunkSplitsLongSectionWithOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("alpha beta gamma delta epsilon zeta eta theta iota kappa.\n\n")
	}
	chunks := New(Config{MaxTokens: 50, Overlap: 10}).Chunk("s1", "doc1", b.String())
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want a split", len(chunks))
	}
	for i, ch := range chunks {
		if n := estimateTokens(ch.Content); n > 50+10 {
			t.Errorf("chunks[%d] has ~%d tokens, over budget", i, n)
		}
		if ch.Rank != i {
			t.Errorf("chunks[%d].Rank = %d, want %d", i, ch.Rank, i)
		}
	}
	// Overlap means the tail of one chunk reappears at the head of the next.
	tail := lastWords(chunks[0].Content, 3)
	if !strings.Contains(chunks[1].Content, tail) {
		t.Errorf("chunks[1] missing overlap %q", tail)
	}
}

func TestChunkOversizedParagraphFallsBackToSentences(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("This is sentence number one of the long unbroken paragraph. ")
	}
	chunks := New(Config{MaxTokens: 40, Overlap: 5}).Chunk("s1", "doc1", b.String())
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want sentence-level split", len(chunks))
	}
	for i, ch := range chunks {
		if !strings.HasSuffix(strings.TrimSpace(ch.Content), ".") && i < len(chunks)-1 {
			t.Errorf("chunks[%d] does not end at a sentence boundary: %q", i, ch.Content)
		}
	}
}

func TestSplitSentencesCJK(t *testing.T) {
	got := splitSentences("今天发布了新品。大家都很期待！真的吗？")
	if len(got) != 3 {
		t.Fatalf("got %d sentences, want 3: %v", len(got), got)
	}
}

func TestHeadingText(t *testing.T) {
	cases := []struct {
		line string
		want string
		ok   bool
	}{
		{"# Title", "Title", true},
		{"  ## Sub heading  ", "Sub heading", true},
		{"#no space", "", false},
		{"plain line", "", false},
		{"#", "", false},
	}
	for _, tc := range cases {
		got, ok := headingText(tc.line)
		if got != tc.want || ok != tc.ok {
			t.Errorf("headingText(%q) = %q, %v; want %q, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func lastWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) < n {
		return s
	}
	return strings.Join(words[len(words)-n:], " ")
}
