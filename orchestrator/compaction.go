package orchestrator

import (
	"regexp"
	"strings"

	"github.com/soumantrivedi/ideaforge/types"
)

const (
	maxSummaryItemsPerCategory = 3
	maxSummaryItemLength       = 160
	queryHardLimit             = 800
	queryTruncateAt            = 500
	continuationMarker         = " …"
)

var lowValuePrefixes = []string{
	"please ", "could you ", "can you ", "would you ", "i was wondering if you could ",
	"kindly ", "pls ",
}

var summaryKeywords = map[string][]string{
	"requirements": {"must", "shall", "require", "needs to", "should support"},
	"decisions":    {"decided", "we will", "we've chosen", "going with", "agreed"},
	"preferences":  {"prefer", "would like", "rather have", "instead of"},
	"facts":        {"is a", "are a", "currently", "today we", "our users"},
}

// categoryOrder fixes the order summary sections are emitted in, so
// compactHistory is deterministic regardless of map iteration order.
var categoryOrder = []string{"requirements", "decisions", "preferences", "facts"}

// compactHistory keeps the last historyK messages verbatim and folds
// everything older into a short structured summary (at most three user
// messages per category, each truncated), prepended to the most recent
// user message.
// System context never goes through the user query — only through the
// caller-supplied system prompt — to keep the token budget predictable.
func compactHistory(history []types.AgentMessage, historyK int) []types.AgentMessage {
	if historyK < 0 {
		historyK = 0
	}
	if len(history) <= historyK {
		return history
	}

	older := history[:len(history)-historyK]
	recent := append([]types.AgentMessage{}, history[len(history)-historyK:]...)

	summary := summarizeOlder(older)
	if summary == "" || len(recent) == 0 {
		return recent
	}

	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Role == types.RoleUser {
			recent[i].Content = summary + "\n\n" + recent[i].Content
			break
		}
	}
	return recent
}

// summarizeOlder collects up to maxSummaryItemsPerCategory of the older
// user turns per category, each truncated to maxSummaryItemLength and
// tagged by keyword membership.
func summarizeOlder(older []types.AgentMessage) string {
	buckets := map[string][]string{}

	for _, msg := range older {
		if msg.Role != types.RoleUser {
			continue
		}
		lower := strings.ToLower(msg.Content)
		for _, category := range categoryOrder {
			if len(buckets[category]) >= maxSummaryItemsPerCategory {
				continue
			}
			for _, kw := range summaryKeywords[category] {
				if strings.Contains(lower, kw) {
					buckets[category] = append(buckets[category], truncate(msg.Content, maxSummaryItemLength))
					break
				}
			}
		}
	}

	var b strings.Builder
	wrote := false
	for _, category := range categoryOrder {
		items := buckets[category]
		if len(items) == 0 {
			continue
		}
		if wrote {
			b.WriteString("\n")
		}
		b.WriteString("Earlier ")
		b.WriteString(category)
		b.WriteString(": ")
		b.WriteString(strings.Join(items, "; "))
		wrote = true
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + continuationMarker
}

var interrogativeSentence = regexp.MustCompile(`[^.!?]*\?`)

// rewriteQuery strips common low-value prefixes and enforces the
// 800/500-character truncation rule described in the Agent pipeline.
func rewriteQuery(content string) string {
	rewritten := content
	lower := strings.ToLower(rewritten)
	for _, prefix := range lowValuePrefixes {
		if strings.HasPrefix(lower, prefix) {
			rewritten = rewritten[len(prefix):]
			lower = strings.ToLower(rewritten)
		}
	}
	rewritten = strings.TrimSpace(rewritten)

	if len(rewritten) <= queryHardLimit {
		return rewritten
	}

	if loc := interrogativeSentence.FindString(rewritten); loc != "" {
		return strings.TrimSpace(loc)
	}
	return truncate(rewritten, queryTruncateAt)
}
