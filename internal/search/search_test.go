package search_test

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/internal/search"
	"github.com/cortexmem/engine/internal/storage/memstore"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/pkg/types"
)

func item(id, content string, importance, strength float64) *types.MemoryItem {
	now := time.Now()
	return &types.MemoryItem{
		ID:             id,
		Content:        content,
		Tier:           types.TierMTM,
		State:          types.StateActiveMTM,
		Importance:     importance,
		Strength:       strength,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Version:        1,
	}
}

func newPipeline(t *testing.T, backend *memstore.Store) *search.Pipeline {
	t.Helper()
	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, backend)
	params := map[types.Tier]decay.Params{
		types.TierMTM: decay.DefaultParams(20*time.Minute, 40*time.Minute, 0.0, 1.0, 0.1, 3.0),
	}
	reinforce := func(ctx context.Context, tierName types.Tier, it *types.MemoryItem) error {
		return backend.Update(ctx, it)
	}
	return search.New([]*tier.Tier{mtm}, nil, params, reinforce, nil, search.Config{})
}

func TestSearch_RanksLexicalMatchAboveUnrelated(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, item("a", "the quick brown fox jumps", 0.5, 0.5))
	backend.Create(ctx, item("b", "completely unrelated text about weather", 0.5, 0.5))

	p := newPipeline(t, backend)
	results, err := p.Search(ctx, search.Options{Query: "fox", Limit: 10})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search(): got %d results, want 2", len(results))
	}
	if results[0].Item.ID != "a" {
		t.Errorf("Search(): got top result %s, want a (lexical match)", results[0].Item.ID)
	}
}

func TestSearch_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	for _, id := range []string{"a", "b", "c", "d"} {
		backend.Create(ctx, item(id, "shared content", 0.5, 0.5))
	}

	p := newPipeline(t, backend)
	results, err := p.Search(ctx, search.Options{Query: "shared", Limit: 2})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Search(): got %d results, want 2 (limit)", len(results))
	}
}

func TestSearch_ReinforcesReturnedItems(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, item("a", "reinforce me please", 0.5, 0.2))

	p := newPipeline(t, backend)
	if _, err := p.Search(ctx, search.Options{Query: "reinforce", Limit: 10}); err != nil {
		t.Fatalf("Search() failed: %v", err)
	}

	got, err := backend.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("reinforced item: got AccessCount=%d, want 1", got.AccessCount)
	}
	if got.Strength <= 0.2 {
		t.Errorf("reinforced item: got Strength=%f, want > 0.2 (reinforcement raises strength)", got.Strength)
	}
}

func TestSearch_DropsCandidatesBelowMinRelevance(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, item("a", "nothing relevant here", 0.0, 0.0))

	p := newPipeline(t, backend)
	results, err := p.Search(ctx, search.Options{Query: "fox", Limit: 10, MinRelevance: 0.9})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() with MinRelevance=0.9: got %d results, want 0", len(results))
	}
}

func TestSearch_DedupPrefersHigherTier(t *testing.T) {
	ctx := context.Background()
	stmBackend := memstore.New()
	mtmBackend := memstore.New()
	stmBackend.Initialize(ctx)
	mtmBackend.Initialize(ctx)

	now := time.Now()
	stmCopy := item("dup", "shared content", 0.9, 0.9)
	stmCopy.Tier = types.TierSTM
	stmCopy.LastAccessedAt = now
	mtmCopy := item("dup", "shared content", 0.1, 0.1)
	mtmCopy.Tier = types.TierMTM
	mtmCopy.LastAccessedAt = now
	stmBackend.Create(ctx, stmCopy)
	mtmBackend.Create(ctx, mtmCopy)

	stm := tier.New(tier.Policy{Tier: types.TierSTM}, stmBackend)
	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, mtmBackend)
	params := map[types.Tier]decay.Params{
		types.TierSTM: decay.DefaultParams(10*time.Minute, 20*time.Minute, 0.0, 1.0, 0.1, 3.0),
		types.TierMTM: decay.DefaultParams(20*time.Minute, 40*time.Minute, 0.0, 1.0, 0.1, 3.0),
	}
	p := search.New([]*tier.Tier{stm, mtm}, nil, params, nil, nil, search.Config{})

	results, err := p.Search(ctx, search.Options{Query: "shared", Limit: 10})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search(): got %d results, want 1 (deduped)", len(results))
	}
	if results[0].Item.Tier != types.TierMTM {
		t.Errorf("Search() dedup: got winning tier %s, want MTM (higher tier wins even with a lower score)", results[0].Item.Tier)
	}
}

func TestSearch_TieBreaksByLastAccessedThenID(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)

	older := item("b", "shared content", 0.5, 0.5)
	older.LastAccessedAt = time.Now().Add(-time.Hour)
	newer := item("a", "shared content", 0.5, 0.5)
	newer.LastAccessedAt = time.Now()
	backend.Create(ctx, older)
	backend.Create(ctx, newer)

	p := newPipeline(t, backend)
	results, err := p.Search(ctx, search.Options{Query: "shared", Limit: 10})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search(): got %d results, want 2", len(results))
	}
	if results[0].Item.ID != "a" {
		t.Errorf("Search() tie-break: got top result %s, want a (most recently accessed)", results[0].Item.ID)
	}
}

func TestSearch_FiltersByIncludeTiers(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	backend.Initialize(ctx)
	backend.Create(ctx, item("a", "ltm only content", 0.5, 0.5))

	mtm := tier.New(tier.Policy{Tier: types.TierMTM}, backend)
	p := search.New([]*tier.Tier{mtm}, nil, nil, nil, nil, search.Config{})

	results, err := p.Search(ctx, search.Options{Query: "ltm", Limit: 10, IncludeTiers: []types.Tier{types.TierLTM}})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search(): got %d results, want 0 (MTM tier excluded)", len(results))
	}
}
