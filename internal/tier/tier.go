// Package tier wraps a storage.Backend with tier-specific policy: STM's
// TTL-on-read expiry and promotion-eligibility thresholds, MTM/LTM's
// capacity and residency rules, and the shared item state machine,
// generalized from the teacher's pkg/types/state.go transition table and
// internal/engine/memory_engine.go lifecycle guards.
package tier

import (
	"context"
	"time"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Policy holds the promotion-eligibility and residency thresholds for one
// tier (spec.md §4.2).
type Policy struct {
	Tier types.Tier

	// STM
	TTL                        time.Duration
	PromoteAccessThreshold     int
	PromoteImportanceThreshold float64
	PromoteReinforcementThreshold float64

	// MTM -> LTM
	LTMPromoteThreshold float64
	LTMMinResidency     time.Duration

	Capacity int // 0 means uncapped (LTM)
}

// Tier wraps a storage.Backend with policy-driven promotion eligibility and
// STM TTL-on-read expiry.
type Tier struct {
	policy  Policy
	backend storage.Backend
}

// New constructs a Tier over backend using policy.
func New(policy Policy, backend storage.Backend) *Tier {
	return &Tier{policy: policy, backend: backend}
}

func (t *Tier) Name() types.Tier           { return t.policy.Tier }
func (t *Tier) Backend() storage.Backend   { return t.backend }
func (t *Tier) Policy() Policy             { return t.policy }

// Retrieve reads an item, enforcing STM's TTL-on-read expiry: an expired
// STM record is reported as NotFound and the caller (manager) is expected
// to schedule its async removal via ExpireTTL/maintenance — this method
// does not itself delete, to keep Retrieve a pure read.
func (t *Tier) Retrieve(ctx context.Context, id string, now time.Time) (*types.MemoryItem, error) {
	item, err := t.backend.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.policy.Tier == types.TierSTM && t.policy.TTL > 0 && now.Sub(item.CreatedAt) >= t.policy.TTL {
		return nil, errs.E(errs.KindNotFound, "tier: item %s expired", id)
	}
	return item, nil
}

// EligibleForPromotion reports whether item should move to the next tier,
// per spec.md §4.2's per-tier eligibility rules. LTM is terminal: always
// false.
func (t *Tier) EligibleForPromotion(item *types.MemoryItem, now time.Time) bool {
	switch t.policy.Tier {
	case types.TierSTM:
		return item.AccessCount >= t.policy.PromoteAccessThreshold ||
			item.Importance >= t.policy.PromoteImportanceThreshold ||
			item.ReinforcementLevel >= t.policy.PromoteReinforcementThreshold
	case types.TierMTM:
		if item.Strength < t.policy.LTMPromoteThreshold {
			return false
		}
		return now.Sub(item.CreatedAt) >= t.policy.LTMMinResidency
	default:
		return false
	}
}

// Transition validates and applies a state-machine move on item, using
// pkg/types.IsValidItemTransition as the single source of truth for which
// moves are legal. Returns a Conflict error on an illegal transition; the
// caller is expected to persist item via the backend afterwards.
func Transition(item *types.MemoryItem, newState types.ItemState) error {
	if !types.IsValidItemTransition(item.State, newState) {
		return errs.E(errs.KindConflict, "tier: illegal transition %s -> %s for item %s", item.State, newState, item.ID)
	}
	item.State = newState
	return nil
}

// AtCapacity reports whether the tier is at or above its hard item cap.
// A zero Capacity means uncapped (LTM, subject to operator quotas
// enforced elsewhere).
func (t *Tier) AtCapacity(ctx context.Context) (bool, error) {
	if t.policy.Capacity <= 0 {
		return false, nil
	}
	n, err := t.backend.Count(ctx, storage.Filter{})
	if err != nil {
		return false, err
	}
	return n >= t.policy.Capacity, nil
}

// DefaultPolicies returns the spec-default Policy set for all three tiers,
// seeded from a config.TiersConfig-shaped set of durations/capacities. The
// manager supplies the concrete numbers from internal/config; these are the
// spec.md §4.2 defaults used when config omits them.
func DefaultPolicies() map[types.Tier]Policy {
	return map[types.Tier]Policy{
		types.TierSTM: {
			Tier:                          types.TierSTM,
			TTL:                           time.Hour,
			Capacity:                      1000,
			PromoteAccessThreshold:        3,
			PromoteImportanceThreshold:    0.7,
			PromoteReinforcementThreshold: 0.6,
		},
		types.TierMTM: {
			Tier:                types.TierMTM,
			Capacity:            10000,
			LTMPromoteThreshold: 0.75,
			LTMMinResidency:     24 * time.Hour,
		},
		types.TierLTM: {
			Tier:     types.TierLTM,
			Capacity: 0,
		},
	}
}
