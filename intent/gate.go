// Package intent implements the IntentGate (C3): a lexical classifier that
// runs before any LLM call, so trivial negatives, bare questions and
// help requests never reach a provider.
package intent

import (
	"regexp"
	"strings"

	"github.com/soumantrivedi/ideaforge/types"
)

// Category is the classification IntentGate assigns to one input.
type Category string

const (
	CategoryEmpty       Category = "empty"
	CategoryQuestion    Category = "question"
	CategoryInfoRequest Category = "info_request"
	CategoryNegative    Category = "negative"
	CategoryPositive    Category = "positive"
	CategoryNeutral     Category = "neutral"
)

// pattern pairs a compiled regular expression with a human-readable
// description, mirroring the guardrail package's pattern-table idiom.
type pattern struct {
	re          *regexp.Regexp
	description string
}

var questionPatterns = compilePatterns([]string{
	`\?\s*$`,
	`^\s*(what|why|how|when|where|who|which|can|could|should|would|is|are|do|does)\b`,
})

var infoRequestPatterns = compilePatterns([]string{
	`\b(help|more\s+info|more\s+information|explain|tell\s+me\s+more|not\s+sure\s+what\s+to\s+(put|write|enter)|what\s+(should|do)\s+i\s+(put|write|enter))\b`,
	`\b(example|sample|template)s?\b`,
})

var negativePatterns = compilePatterns([]string{
	`^\s*no\s*,?\s*$`,
	`^\s*nope\s*,?\s*$`,
	`^\s*nah\s*,?\s*$`,
	`\b(skip|cancel|stop|never\s?mind|forget\s+it|not\s+now|no\s+thanks)\b`,
	`\bi\s+(don't|do\s+not)\s+(want|need|think)\b`,
})

var positivePatterns = compilePatterns([]string{
	`^\s*(yes|yeah|yep|sure|ok(ay)?|sounds?\s+good|let's\s+go)\s*,?\s*$`,
	`\b(continue|proceed|go\s+ahead|next\s+step)\b`,
})

func compilePatterns(exprs []string) []pattern {
	out := make([]pattern, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, pattern{re: regexp.MustCompile("(?i)" + e), description: e})
	}
	return out
}

func anyMatch(patterns []pattern, s string) bool {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// Decision is IntentGate's output for one input.
type Decision struct {
	Proceed       bool
	Category      Category
	Confidence    float64
	Reason        string
	SuggestedReply string
}

// Gate classifies raw input before it reaches an Agent. It holds no
// mutable state and is safe for concurrent use.
type Gate struct{}

// New constructs an IntentGate. There is nothing to configure today; the
// constructor exists so call sites don't depend on the zero value directly
// and can gain configuration later without an API break.
func New() *Gate {
	return &Gate{}
}

// Classify applies the fixed category order: Empty, Question, InfoRequest,
// Negative, Positive, Neutral. Question and InfoRequest always take
// priority over Negative so that a question containing the word "no"
// still proceeds.
func (g *Gate) Classify(input string, history []types.AgentMessage, phaseName string) Decision {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Decision{Proceed: false, Category: CategoryEmpty, Confidence: 1.0, Reason: "empty input"}
	}

	if anyMatch(questionPatterns, trimmed) {
		return Decision{Proceed: true, Category: CategoryQuestion, Confidence: 0.8, Reason: "matched question pattern"}
	}

	if anyMatch(infoRequestPatterns, trimmed) {
		return Decision{Proceed: true, Category: CategoryInfoRequest, Confidence: 0.75, Reason: "matched info-request pattern"}
	}

	if anyMatch(negativePatterns, trimmed) {
		if priorAssistantAskedQuestion(history) || isShortStandaloneNegative(trimmed) {
			return Decision{
				Proceed:        false,
				Category:       CategoryNegative,
				Confidence:     0.7,
				Reason:         "negative response to a prior question",
				SuggestedReply: helpfulReply(phaseName),
			}
		}
		// A negative-looking phrase embedded in longer, non-standalone
		// input without question context is treated as Neutral rather
		// than blocked — only unambiguous standalone negatives or direct
		// answers to a question short-circuit the pipeline.
	}

	if anyMatch(positivePatterns, trimmed) {
		return Decision{Proceed: true, Category: CategoryPositive, Confidence: 0.7, Reason: "matched positive pattern"}
	}

	return Decision{Proceed: true, Category: CategoryNeutral, Confidence: 0.5, Reason: "no pattern matched, defaulting to neutral"}
}

// priorAssistantAskedQuestion looks at the most recent assistant message in
// history, if any, and reports whether it reads as a question.
func priorAssistantAskedQuestion(history []types.AgentMessage) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != types.RoleAssistant {
			continue
		}
		return strings.Contains(history[i].Content, "?")
	}
	return false
}

// isShortStandaloneNegative reports whether input is three tokens or fewer
// and exactly matches a negative pattern on its own, with no other content.
func isShortStandaloneNegative(input string) bool {
	tokens := strings.Fields(input)
	if len(tokens) > 3 {
		return false
	}
	for _, p := range negativePatterns {
		loc := p.re.FindStringIndex(input)
		if loc != nil && loc[0] == 0 && loc[1] == len(input) {
			return true
		}
	}
	return false
}

func helpfulReply(phaseName string) string {
	if phaseName != "" {
		return "No problem — when you're ready, let's keep moving on the " + phaseName + " step. Let me know if you'd like an example to start from."
	}
	return "No problem — let me know when you'd like to continue, or ask for an example if you're not sure where to start."
}
