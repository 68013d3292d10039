package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/storage/memstore"
	"github.com/cortexmem/engine/internal/watchdog"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

func newItem(id string, lastAccessed time.Time) *types.MemoryItem {
	return &types.MemoryItem{
		ID:             id,
		Content:        "x",
		Tier:           types.TierSTM,
		CreatedAt:      lastAccessed,
		UpdatedAt:      lastAccessed,
		LastAccessedAt: lastAccessed,
		Version:        1,
	}
}

type recordingPublisher struct {
	tier     types.Tier
	used     int
	capacity int
}

func (r *recordingPublisher) SetTierUtilization(tier types.Tier, used, capacity int) {
	r.tier, r.used, r.capacity = tier, used, capacity
}

func TestAdmit_BelowCapacitySucceedsNoEviction(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, newItem("a", time.Now()))

	pub := &recordingPublisher{}
	w := watchdog.New(map[types.Tier]watchdog.TierLimit{
		types.TierSTM: {Tier: types.TierSTM, Capacity: 5, Backend: backend, EvictOnBreach: true},
	}, pub)

	if err := w.Admit(ctx, types.TierSTM); err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}
	if pub.used != 1 || pub.capacity != 5 {
		t.Errorf("publisher: got used=%d capacity=%d, want 1/5", pub.used, pub.capacity)
	}
}

func TestAdmit_STMEvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	old := newItem("old", time.Now().Add(-time.Hour))
	recent := newItem("recent", time.Now())
	backend.Create(ctx, old)
	backend.Create(ctx, recent)

	w := watchdog.New(map[types.Tier]watchdog.TierLimit{
		types.TierSTM: {Tier: types.TierSTM, Capacity: 2, Backend: backend, EvictOnBreach: true},
	}, nil)

	if err := w.Admit(ctx, types.TierSTM); err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}

	if _, err := backend.Read(ctx, "old"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(old): got %v, want KindNotFound (should have been evicted)", err)
	}
	if _, err := backend.Read(ctx, "recent"); err != nil {
		t.Errorf("Read(recent): got %v, want nil (should survive eviction)", err)
	}
}

func TestAdmit_MTMRejectsWithCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, newItem("a", time.Now()))
	backend.Create(ctx, newItem("b", time.Now()))

	w := watchdog.New(map[types.Tier]watchdog.TierLimit{
		types.TierMTM: {Tier: types.TierMTM, Capacity: 2, Backend: backend, EvictOnBreach: false},
	}, nil)

	err := w.Admit(ctx, types.TierMTM)
	if !errs.Is(err, errs.KindCapacityExceeded) {
		t.Errorf("Admit(): got %v, want KindCapacityExceeded", err)
	}
}

func TestAdmit_UncappedTierAlwaysSucceeds(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	w := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)
	if err := w.Admit(ctx, types.TierLTM); err != nil {
		t.Fatalf("Admit() on unregistered tier: got %v, want nil", err)
	}
}

func TestUtilization(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, newItem("a", time.Now()))

	w := watchdog.New(map[types.Tier]watchdog.TierLimit{
		types.TierSTM: {Tier: types.TierSTM, Capacity: 10, Backend: backend},
	}, nil)

	used, capacity, err := w.Utilization(ctx, types.TierSTM)
	if err != nil {
		t.Fatalf("Utilization() failed: %v", err)
	}
	if used != 1 || capacity != 10 {
		t.Errorf("Utilization(): got (%d, %d), want (1, 10)", used, capacity)
	}
}
