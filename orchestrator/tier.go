package orchestrator

import (
	"fmt"

	"github.com/soumantrivedi/ideaforge/types"
)

// TierBinding is the (Provider, ModelID, TokenLimit) triple a ModelTier
// resolves to.
type TierBinding struct {
	ProviderName string
	ModelID      string
	TokenLimit   int
}

// TierResolver maps ModelTier to a concrete TierBinding. It holds no
// mutable state after construction; reconfiguring tiers means building a
// new resolver, matching the rest of this package's preference for
// immutable-after-construction value types.
type TierResolver struct {
	bindings map[types.ModelTier]TierBinding
}

// NewTierResolver builds a resolver from an explicit tier->binding map.
func NewTierResolver(bindings map[types.ModelTier]TierBinding) *TierResolver {
	cp := make(map[types.ModelTier]TierBinding, len(bindings))
	for k, v := range bindings {
		cp[k] = v
	}
	return &TierResolver{bindings: cp}
}

// Resolve returns the binding for tier, or an error if the tier was never
// configured.
func (r *TierResolver) Resolve(tier types.ModelTier) (TierBinding, error) {
	b, ok := r.bindings[tier]
	if !ok {
		return TierBinding{}, fmt.Errorf("model tier %q is not configured", tier)
	}
	return b, nil
}

// Escalate returns the tier one quality step above tier, used by the
// Coordinator's chat-query tier escalation (Fast -> Standard). Returns
// tier unchanged if there is nowhere to escalate to.
func (r *TierResolver) Escalate(tier types.ModelTier) types.ModelTier {
	if tier == types.TierFast {
		return types.TierStandard
	}
	return tier
}
