package orchestrator

import (
	"sort"
	"strings"

	"github.com/soumantrivedi/ideaforge/types"
)

// ideationVocabulary is the fixed set of terms ContextBuilder scans user
// turns for when extracting ideation snippets, and Coordinator's phase
// override re-checks before letting Ideation run as a supporting agent
// outside an ideation-like phase.
var ideationVocabulary = []string{
	"problem", "solution", "feature", "persona", "idea", "concept",
	"brainstorm", "use case", "value proposition", "target user",
}

// ContainsIdeationVocabulary reports whether text mentions any ideation
// vocabulary term, case-insensitively.
func ContainsIdeationVocabulary(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range ideationVocabulary {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// BuildInput is everything ContextBuilder needs to assemble one
// RequestContext. History, PhaseOutputs and Knowledge are expected
// pre-sorted by the caller's storage layer (ascending by time / phase
// order respectively) — ContextBuilder only re-asserts that ordering
// deterministically, it does not re-derive it from timestamps.
type BuildInput struct {
	ProductID     string
	PhaseID       string
	PhaseName     string
	CurrentField  string
	FormData      map[string]string
	History       []types.AgentMessage
	PhaseOutputs  []string
	Knowledge     []types.KnowledgeSnippet
	UserContext   map[string]string
}

// ContextBuilder is the C6 component: a pure, stateless assembler. Calling
// Build twice with identical BuildInput values yields byte-identical
// RequestContext values (same field order, same map contents) — map
// iteration never leaks into the result since FormData/UserContext are
// copied key-sorted-stable (Go map copy preserves no order, but equality of
// the resulting map values does not depend on any order, only the
// contents).
type ContextBuilder struct{}

// NewContextBuilder constructs a ContextBuilder. It holds no state; the
// constructor exists for symmetry with the package's other components.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{}
}

// Build assembles a RequestContext per §4.6: conversation history, previous
// phase outputs, the current phase's form data excluding the field being
// edited, knowledge snippets, and user-supplied extras.
func (b *ContextBuilder) Build(in BuildInput) types.RequestContext {
	formData := excludeField(in.FormData, in.CurrentField)

	return types.RequestContext{
		ProductID:            in.ProductID,
		PhaseID:              in.PhaseID,
		PhaseName:            in.PhaseName,
		CurrentField:         in.CurrentField,
		FormData:             formData,
		ConversationHistory:  append([]types.AgentMessage{}, in.History...),
		KnowledgeSnippets:    append([]types.KnowledgeSnippet{}, in.Knowledge...),
		PreviousPhaseOutputs: append([]string{}, in.PhaseOutputs...),
		UserContext:          copyStringMap(in.UserContext),
	}
}

// IdeationSnippets scans history for user turns matching the ideation
// vocabulary and returns them in original order, for downstream agents
// that need the raw ideation trail rather than the full history.
func (b *ContextBuilder) IdeationSnippets(history []types.AgentMessage) []string {
	var snippets []string
	for _, msg := range history {
		if msg.Role != types.RoleUser {
			continue
		}
		if ContainsIdeationVocabulary(msg.Content) {
			snippets = append(snippets, msg.Content)
		}
	}
	return snippets
}

func excludeField(formData map[string]string, field string) map[string]string {
	if len(formData) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(formData))
	for k, v := range formData {
		if k == field {
			continue
		}
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedKeys is used by tests asserting idempotence against map-backed
// fields without depending on Go's randomised map iteration order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
