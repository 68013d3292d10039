// Package watchdog implements the Capacity Watchdog (spec.md §4.4):
// per-tier item-count tracking and admission control, called by the
// manager before every write. A breach triggers synchronous best-effort
// LRU eviction for STM, or a CapacityExceeded rejection for MTM/LTM.
// Generalized from the teacher's storage.GraphBounds/ListOptions
// clamp-to-bounds idiom (internal/storage/types.go), applied here to
// item-count admission instead of traversal bounds.
package watchdog

import (
	"context"
	"sort"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Publisher receives utilization samples. internal/metrics implements this
// against Prometheus gauges; tests can supply a no-op or recording stub.
type Publisher interface {
	SetTierUtilization(tier types.Tier, used, capacity int)
}

type noopPublisher struct{}

func (noopPublisher) SetTierUtilization(types.Tier, int, int) {}

// TierLimit holds one tier's capacity and eviction behavior.
type TierLimit struct {
	Tier     types.Tier
	Capacity int // 0 means uncapped
	Backend  storage.Backend

	// EvictOnBreach enables synchronous best-effort LRU eviction when
	// admission would breach Capacity, instead of rejecting with
	// CapacityExceeded. Spec.md §4.4: true for STM, false for MTM/LTM.
	EvictOnBreach bool
}

// Watchdog tracks per-tier capacity and gates admission.
type Watchdog struct {
	limits    map[types.Tier]TierLimit
	publisher Publisher
}

// New constructs a Watchdog over limits, publishing utilization samples to
// publisher (pass nil to skip publishing, e.g. in tests).
func New(limits map[types.Tier]TierLimit, publisher Publisher) *Watchdog {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Watchdog{limits: limits, publisher: publisher}
}

// Admit checks whether tier has room for one more item. If not, it either
// evicts the least-recently-accessed item (EvictOnBreach tiers) or returns
// a KindCapacityExceeded error.
func (w *Watchdog) Admit(ctx context.Context, tier types.Tier) error {
	limit, ok := w.limits[tier]
	if !ok || limit.Capacity <= 0 {
		return nil
	}

	count, err := limit.Backend.Count(ctx, storage.Filter{})
	if err != nil {
		return err
	}
	w.publisher.SetTierUtilization(tier, count, limit.Capacity)

	if count < limit.Capacity {
		return nil
	}

	if !limit.EvictOnBreach {
		return errs.E(errs.KindCapacityExceeded, "watchdog: tier %s at capacity %d", tier, limit.Capacity)
	}

	return w.evictLRU(ctx, limit)
}

// evictLRU removes the single least-recently-accessed item in the tier, to
// make room for the item about to be admitted. Best-effort: an empty
// result set (race with a concurrent delete) is not an error.
func (w *Watchdog) evictLRU(ctx context.Context, limit TierLimit) error {
	items, err := limit.Backend.Search(ctx, storage.Filter{Limit: 1000})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Item.LastAccessedAt.Before(items[j].Item.LastAccessedAt)
	})

	victim := items[0].Item
	if _, err := limit.Backend.Delete(ctx, victim.ID); err != nil {
		return err
	}
	return nil
}

// Utilization returns the current (used, capacity) pair for tier, or
// (0, 0) if tier has no registered limit.
func (w *Watchdog) Utilization(ctx context.Context, tier types.Tier) (int, int, error) {
	limit, ok := w.limits[tier]
	if !ok || limit.Capacity <= 0 {
		return 0, 0, nil
	}
	count, err := limit.Backend.Count(ctx, storage.Filter{})
	if err != nil {
		return 0, 0, err
	}
	return count, limit.Capacity, nil
}
