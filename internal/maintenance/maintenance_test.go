package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/consolidation"
	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/internal/maintenance"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/storage/memstore"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/internal/watchdog"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

func mtmItem(id string, strength, reinforcement float64) *types.MemoryItem {
	now := time.Now()
	return &types.MemoryItem{
		ID:                 id,
		Content:            "consolidated memory content",
		Tier:               types.TierMTM,
		State:              types.StateActiveMTM,
		Importance:         0.4,
		Strength:           strength,
		ReinforcementLevel: reinforcement,
		CreatedAt:          now.Add(-time.Hour),
		UpdatedAt:          now,
		LastAccessedAt:     now,
		LastDecayedAt:      now.Add(-time.Hour),
		Version:            1,
	}
}

func testRetryConfig() storage.RetryConfig {
	return storage.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BreakerName: "test", MaxFailures: 10, OpenTimeout: time.Second}
}

func TestDecayTask_ForgetsItemBelowThreshold(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	// Low importance pulls the saturation target's baseline down near
	// zero; with no reinforcement, a decay pass pulls a much higher
	// starting strength all the way down past the forgetting threshold.
	item := mtmItem("a", 0.5, 0.0)
	item.Importance = 0.0
	if err := backend.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, backend)
	params := decay.DefaultParams(20*time.Minute, 40*time.Minute, 0.0, 1.0, 0.1, 3.0)

	task := maintenance.NewDecayTask(mtm, params, nil, nil, nil, maintenance.Schedule{Target: time.Minute, Budget: time.Second})
	stats, err := task.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if stats.Touched != 1 {
		t.Errorf("Run(): got touched=%d, want 1", stats.Touched)
	}

	got, err := backend.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.State != types.StateForgotten || got.DeletedAt == nil {
		t.Errorf("item: got state=%s deletedAt=%v, want Forgotten + soft-deleted", got.State, got.DeletedAt)
	}
}

func TestDecayTask_LeavesHealthyItemUntouchedState(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	item := mtmItem("a", 0.8, 1.0)
	backend.Create(ctx, item)

	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, backend)
	params := decay.DefaultParams(20*time.Minute, 40*time.Minute, 0.0, 1.0, 0.1, 3.0)

	task := maintenance.NewDecayTask(mtm, params, nil, nil, nil, maintenance.Schedule{Target: time.Minute, Budget: time.Second})
	if _, err := task.Run(ctx, false); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	got, err := backend.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.State != types.StateActiveMTM {
		t.Errorf("healthy item: got state=%s, want unchanged Active-MTM", got.State)
	}
}

func TestConsolidateTask_DrainsUntilNoPromotion(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	for _, id := range []string{"a", "b", "c"} {
		item := mtmItem(id, 0.9, 1.0)
		item.Tier = types.TierSTM
		item.State = types.StateActiveSTM
		item.AccessCount = 10
		src.Create(ctx, item)
	}

	srcTier := tier.New(tier.Policy{Tier: types.TierSTM, PromoteAccessThreshold: 3}, src)
	dstTier := tier.New(tier.Policy{Tier: types.TierMTM}, dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)

	p := consolidation.New(srcTier, dstTier, nil, wd, nil, nil, nil, consolidation.Config{BatchSize: 1, Retry: testRetryConfig()})
	task := maintenance.NewConsolidateTask(types.TierSTM, p, maintenance.Schedule{Target: time.Minute, Budget: time.Second})

	stats, err := task.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if stats.Promoted != 3 {
		t.Errorf("Run(): got promoted=%d, want 3 (drains across multiple batch-size-1 batches)", stats.Promoted)
	}
}

func TestQualitySweepTask_ExpiresStaleSTMItem(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	item := mtmItem("a", 0.5, 0.5)
	item.Tier = types.TierSTM
	item.State = types.StateActiveSTM
	item.CreatedAt = time.Now().Add(-2 * time.Hour)
	backend.Create(ctx, item)

	stm := tier.New(tier.Policy{Tier: types.TierSTM, TTL: time.Hour}, backend)

	task := maintenance.NewQualitySweepTask(stm, []*tier.Tier{stm}, map[types.Tier]time.Duration{types.TierSTM: 24 * time.Hour}, nil, nil, nil, maintenance.Schedule{Target: time.Minute, Budget: time.Second})
	stats, err := task.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if stats.Forgotten != 1 {
		t.Errorf("Run(): got forgotten=%d, want 1", stats.Forgotten)
	}

	got, err := backend.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.State != types.StateForgotten || got.DeletedAt == nil {
		t.Errorf("item: got state=%s deletedAt=%v, want expired + soft-deleted", got.State, got.DeletedAt)
	}
}

func TestQualitySweepTask_PurgesSoftDeletedPastGrace(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	item := mtmItem("a", 0.1, 0.0)
	old := time.Now().Add(-48 * time.Hour)
	item.DeletedAt = &old
	item.State = types.StateForgotten
	backend.Create(ctx, item)

	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, backend)
	task := maintenance.NewQualitySweepTask(nil, []*tier.Tier{mtm}, map[types.Tier]time.Duration{types.TierMTM: time.Hour}, nil, nil, nil, maintenance.Schedule{Target: time.Minute, Budget: time.Second})

	if _, err := task.Run(ctx, false); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if _, err := backend.Read(ctx, "a"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(): got %v, want KindNotFound (purged past grace period)", err)
	}
}

func TestOrchestrator_RunNowInvokesMatchingTask(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	item := mtmItem("a", 0.5, 0.0)
	item.Importance = 0.0
	backend.Create(ctx, item)

	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, backend)
	params := decay.DefaultParams(20*time.Minute, 40*time.Minute, 0.0, 1.0, 0.1, 3.0)
	task := maintenance.NewDecayTask(mtm, params, nil, nil, nil, maintenance.Schedule{Target: time.Hour, Budget: time.Second})

	orch := maintenance.New([]*maintenance.Task{task}, nil, nil, 100)
	stats, err := orch.RunNow(ctx, "decay:mtm", true)
	if err != nil {
		t.Fatalf("RunNow() failed: %v", err)
	}
	if stats.Forgotten != 1 {
		t.Errorf("RunNow(): got forgotten=%d, want 1", stats.Forgotten)
	}
}
