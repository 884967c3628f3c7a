package recall

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/cluegraph/cluegraph/llm"
)

// Attribute is one query attribute the extraction step produced: a name,
// the entity type it should match against, an importance bucket and the
// query fragment it came from.
type Attribute struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Importance string `json:"importance"`
	Context    string `json:"context"`
}

// Confidence maps the importance bucket to a numeric confidence.
func (a Attribute) Confidence() float64 {
	switch strings.ToLower(a.Importance) {
	case "high":
		return 0.9
	case "medium":
		return 0.7
	case "low":
		return 0.5
	default:
		return 0.5
	}
}

type extractionReply struct {
	Attributes     []Attribute `json:"attributes"`
	RewrittenQuery string      `json:"rewritten_query"`
}

const extractionSystemPrompt = `You analyze a search query over an event knowledge base and extract its key attributes.

Entity types: time, location, person, action, topic, tags.

Reply with a JSON object of the form:
{"attributes": [{"name": "...", "type": "...", "importance": "high|medium|low", "context": "..."}], "rewritten_query": "..."}

"name" is the attribute as it appears in the query, "context" is the surrounding query fragment. Set "rewritten_query" to a clearer standalone form of the query, or repeat the query unchanged if it needs no rewriting.`

// extractAttributes runs the LLM attribute extraction. On any model or
// parse failure it falls back to the rule-based keyword extractor; the
// returned rewrite is empty when rewriting is disabled or unchanged.
func (e *Engine) extractAttributes(ctx context.Context, query string, allowRewrite bool) ([]Attribute, string) {
	var reply extractionReply
	err := llm.ChatJSON(ctx, e.chat, []llm.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: query},
	}, &reply)
	if err != nil {
		slog.Warn("recall: attribute extraction failed, using rule-based fallback", "error", err)
		return ruleExtract(query), ""
	}

	attrs := reply.Attributes[:0]
	for _, a := range reply.Attributes {
		if strings.TrimSpace(a.Name) == "" {
			continue
		}
		attrs = append(attrs, a)
	}
	if len(attrs) == 0 {
		attrs = ruleExtract(query)
	}

	rewritten := strings.TrimSpace(reply.RewrittenQuery)
	if !allowRewrite || rewritten == query {
		rewritten = ""
	}
	return attrs, rewritten
}

// stopwords dropped by the rule-based extractor. Mixed English and Chinese
// function words; the list is deliberately small.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"with": {},
	"的": {}, "了": {}, "在": {}, "是": {}, "和": {}, "有": {}, "我": {},
	"他": {}, "这": {}, "那": {}, "什么": {}, "怎么": {}, "如何": {},
}

// ruleExtract is the no-LLM fallback: split the query into letter and digit
// runs, drop stopwords and single ASCII characters, and treat every
// survivor as a medium-importance topic attribute.
func ruleExtract(query string) []Attribute {
	var attrs []Attribute
	seen := make(map[string]struct{})
	for _, tok := range splitTokens(query) {
		lower := strings.ToLower(tok)
		if _, ok := stopwords[lower]; ok {
			continue
		}
		if len(tok) == 1 && tok[0] < 0x80 {
			continue
		}
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		attrs = append(attrs, Attribute{
			Name:       tok,
			Type:       "topic",
			Importance: "medium",
			Context:    query,
		})
	}
	return attrs
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
