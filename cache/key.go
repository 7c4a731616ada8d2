// Package cache implements the response cache (C2): a content-addressed
// store of agent outputs, Redis-backed when available with an in-memory
// fallback for environments where Redis cannot be reached.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/soumantrivedi/ideaforge/types"
)

// keyMaterial is the canonical, JSON-serialisable shape hashed into a
// CacheKey. Field order is fixed by the struct and encoding/json writes map
// keys in sorted order, so two logically identical requests always hash to
// the same digest regardless of map iteration order.
type keyMaterial struct {
	Role    types.AgentRole    `json:"role"`
	Tier    types.ModelTier    `json:"tier"`
	History []historyEntry     `json:"history"`
	Context contextSubset      `json:"context"`
}

type historyEntry struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content"`
}

type contextSubset struct {
	ProductID string            `json:"product_id"`
	PhaseName string            `json:"phase_name"`
	FormData  map[string]string `json:"form_data"`
}

// NewKey builds the deterministic CacheKey for a request: the last historyK
// messages (oldest first) contribute only role+content, and the context
// contributes only ProductID, PhaseName and FormData — every other field
// (timestamps, user identifiers, knowledge snippets) is intentionally
// excluded since it varies without changing what the agent would produce.
func NewKey(role types.AgentRole, tier types.ModelTier, history []types.AgentMessage, reqCtx types.RequestContext, historyK int) types.CacheKey {
	if historyK < 0 {
		historyK = 0
	}
	start := 0
	if len(history) > historyK {
		start = len(history) - historyK
	}

	entries := make([]historyEntry, 0, len(history)-start)
	for _, m := range history[start:] {
		entries = append(entries, historyEntry{Role: m.Role, Content: m.Content})
	}

	material := keyMaterial{
		Role:    role,
		Tier:    tier,
		History: entries,
		Context: contextSubset{
			ProductID: reqCtx.ProductID,
			PhaseName: reqCtx.PhaseName,
			FormData:  sortedCopy(reqCtx.FormData),
		},
	}

	// json.Marshal on a map[string]string encodes keys in sorted order,
	// which is what makes FormData hash deterministically. sortedCopy only
	// copies the map (a Go map keeps no order of its own) and turns a nil
	// map into an empty one, so nil and empty FormData hash the same.
	encoded, err := json.Marshal(material)
	if err != nil {
		// Marshal of these concrete types cannot fail; a panic here would
		// indicate a programming error (e.g. a NaN float), not bad input.
		panic("cache: failed to encode key material: " + err.Error())
	}

	return sha256.Sum256(encoded)
}

func sortedCopy(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}
