package consolidation_test

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/audit"
	"github.com/cortexmem/engine/internal/consolidation"
	"github.com/cortexmem/engine/internal/embedding"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/storage/memstore"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/internal/watchdog"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

func stmItem(id string, importance, strength float64) *types.MemoryItem {
	now := time.Now()
	return &types.MemoryItem{
		ID:                 id,
		Content:            "the quick brown fox jumps over the lazy dog. the dog barks loudly at the fox. foxes are clever animals.",
		Tier:               types.TierSTM,
		State:              types.StateActiveSTM,
		Importance:         importance,
		Strength:           strength,
		AccessCount:        5,
		CreatedAt:          now.Add(-time.Hour),
		UpdatedAt:          now,
		LastAccessedAt:     now,
		Version:            1,
	}
}

func newSTMTier(backend storage.Backend) *tier.Tier {
	return tier.New(tier.Policy{
		Tier:                          types.TierSTM,
		PromoteAccessThreshold:        3,
		PromoteImportanceThreshold:    0.7,
		PromoteReinforcementThreshold: 0.6,
	}, backend)
}

func newMTMTier(backend storage.Backend) *tier.Tier {
	return tier.New(tier.Policy{Tier: types.TierMTM, Capacity: 0}, backend)
}

func testRetryConfig() storage.RetryConfig {
	return storage.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BreakerName: "test", MaxFailures: 10, OpenTimeout: time.Second}
}

func TestRunBatch_PromotesEligibleItem(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	item := stmItem("a", 0.5, 0.5)
	if err := src.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	srcTier := newSTMTier(src)
	dstTier := newMTMTier(dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)

	p := consolidation.New(srcTier, dstTier, nil, wd, nil, nil, nil, consolidation.Config{BatchSize: 8, Retry: testRetryConfig()})

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}
	if result.Promoted != 1 {
		t.Fatalf("RunBatch(): got %d promoted, want 1", result.Promoted)
	}

	if _, err := src.Read(ctx, "a"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(source): got %v, want KindNotFound (source should be deleted)", err)
	}

	got, err := dst.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read(target) failed: %v", err)
	}
	if got.Tier != types.TierMTM || got.State != types.StateActiveMTM {
		t.Errorf("promoted item: got tier=%s state=%s, want mtm/active-mtm", got.Tier, got.State)
	}
}

func TestRunBatch_SkipsIneligibleItem(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	item := stmItem("a", 0.1, 0.1)
	item.AccessCount = 0
	src.Create(ctx, item)

	srcTier := newSTMTier(src)
	dstTier := newMTMTier(dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)
	p := consolidation.New(srcTier, dstTier, nil, wd, nil, nil, nil, consolidation.Config{BatchSize: 8, Retry: testRetryConfig()})

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}
	if result.Promoted != 0 {
		t.Errorf("RunBatch(): got %d promoted, want 0 (item below thresholds)", result.Promoted)
	}
	if _, err := src.Read(ctx, "a"); err != nil {
		t.Errorf("Read(source): item should remain in source, got %v", err)
	}
}

func TestRunBatch_LTMTargetComputesSummaryKeywordsAndEmbedding(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	item := stmItem("a", 0.9, 0.9)
	src.Create(ctx, item)

	srcTier := newSTMTier(src)
	dstTier := tier.New(tier.Policy{Tier: types.TierLTM}, dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)
	provider := embedding.NewStaticProvider(16)

	p := consolidation.New(srcTier, dstTier, provider, wd, nil, nil, nil, consolidation.Config{BatchSize: 8, Retry: testRetryConfig()})

	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}

	got, err := dst.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read(target) failed: %v", err)
	}
	if got.Summary == "" {
		t.Error("promoted LTM item: want non-empty Summary")
	}
	if len(got.Keywords) == 0 {
		t.Error("promoted LTM item: want non-empty Keywords")
	}
	if len(got.Embedding) != 16 {
		t.Errorf("promoted LTM item: got embedding len %d, want 16", len(got.Embedding))
	}
	if got.EmbeddingModel == "" {
		t.Error("promoted LTM item: want EmbeddingModel set")
	}
}

func TestRunBatch_EmitsPromotedAuditEvent(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)
	src.Create(ctx, stmItem("a", 0.5, 0.5))

	srcTier := newSTMTier(src)
	dstTier := newMTMTier(dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)
	trail := audit.New(audit.Config{BufferSize: 8}, nil)
	defer trail.Close()

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := trail.Subscribe(subCtx)

	p := consolidation.New(srcTier, dstTier, nil, wd, trail, nil, nil, consolidation.Config{BatchSize: 8, Retry: testRetryConfig()})
	if _, err := p.RunBatch(ctx); err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}

	select {
	case evt := <-sub:
		if evt.Kind != audit.EventPromoted || evt.ItemID != "a" {
			t.Errorf("event: got kind=%s id=%s, want promoted/a", evt.Kind, evt.ItemID)
		}
		if evt.From != types.TierSTM || evt.To != types.TierMTM {
			t.Errorf("event: got from=%s to=%s, want stm/mtm", evt.From, evt.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Promoted event")
	}
}

func TestRunBatch_TargetAlreadyExistsTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	item := stmItem("a", 0.5, 0.5)
	src.Create(ctx, item)

	// Simulate a duplicate from an earlier, partially-completed promotion:
	// the target already holds the record under the same deterministic id.
	dup := item.Clone()
	dup.Tier = types.TierMTM
	dup.State = types.StateActiveMTM
	dst.Create(ctx, dup)

	srcTier := newSTMTier(src)
	dstTier := newMTMTier(dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)
	p := consolidation.New(srcTier, dstTier, nil, wd, nil, nil, nil, consolidation.Config{BatchSize: 8, Retry: testRetryConfig()})

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}
	if result.Promoted != 1 {
		t.Errorf("RunBatch(): got %d promoted, want 1 (AlreadyExists should count as success)", result.Promoted)
	}
	if _, err := src.Read(ctx, "a"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(source): got %v, want KindNotFound", err)
	}
}

func TestRunBatch_WatchdogDeniesAdmissionLeavesSourceIntact(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	src.Create(ctx, stmItem("a", 0.5, 0.5))
	dst.Create(ctx, stmItem("existing", 0.5, 0.5))

	srcTier := newSTMTier(src)
	dstTier := newMTMTier(dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{
		types.TierMTM: {Tier: types.TierMTM, Capacity: 1, Backend: dst, EvictOnBreach: false},
	}, nil)

	p := consolidation.New(srcTier, dstTier, nil, wd, nil, nil, nil, consolidation.Config{BatchSize: 8, Retry: testRetryConfig()})
	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}
	if result.Promoted != 0 {
		t.Errorf("RunBatch(): got %d promoted, want 0 (target at capacity)", result.Promoted)
	}

	got, err := src.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read(source) failed: %v", err)
	}
	if got.State != types.StateActiveSTM {
		t.Errorf("source item state: got %s, want active-stm (reverted after admission denial)", got.State)
	}
}

func TestRunBatch_OrdersHighestCompositeScoreFirst(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	dst := memstore.New()
	src.Initialize(ctx)
	dst.Initialize(ctx)

	low := stmItem("low", 0.2, 0.2)
	high := stmItem("high", 0.9, 0.9)
	src.Create(ctx, low)
	src.Create(ctx, high)

	srcTier := newSTMTier(src)
	dstTier := newMTMTier(dst)
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{}, nil)
	p := consolidation.New(srcTier, dstTier, nil, wd, nil, nil, nil, consolidation.Config{BatchSize: 1, Retry: testRetryConfig()})

	result, err := p.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() failed: %v", err)
	}
	if result.Promoted != 1 {
		t.Fatalf("RunBatch(): got %d promoted, want 1 (batch size 1)", result.Promoted)
	}
	if _, err := dst.Read(ctx, "high"); err != nil {
		t.Errorf("expected the higher-composite item to be promoted first, got %v reading it from target", err)
	}
}
