package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

func newItem(id string) *types.MemoryItem {
	now := time.Now().UTC()
	return &types.MemoryItem{
		ID: id, Content: "hello world", Tier: types.TierSTM,
		CreatedAt: now, UpdatedAt: now, LastAccessedAt: now, Version: 1,
		State: types.StateActiveSTM,
	}
}

func TestCreateAndRead(t *testing.T) {
	s := New()
	ctx := context.Background()

	item := newItem("a")
	if err := s.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := s.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.Content != item.Content {
		t.Errorf("Content: got %q, want %q", got.Content, item.Content)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem("dup")

	if err := s.Create(ctx, item); err != nil {
		t.Fatalf("first Create() failed: %v", err)
	}
	if err := s.Create(ctx, item); !errs.Is(err, errs.KindAlreadyExists) {
		t.Errorf("second Create(): got %v, want KindAlreadyExists", err)
	}
}

func TestRead_NotFound(t *testing.T) {
	s := New()
	if _, err := s.Read(context.Background(), "missing"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(): got %v, want KindNotFound", err)
	}
}

func TestUpdate_VersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem("v")
	if err := s.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	stale := item.Clone()
	stale.Content = "updated"
	stale.Version = 3 // implies base version 2, but stored version is 1
	if err := s.Update(ctx, stale); !errs.Is(err, errs.KindConflict) {
		t.Errorf("Update() with stale base: got %v, want KindConflict", err)
	}

	correct := item.Clone()
	correct.Version = 2
	correct.Content = "updated"
	if err := s.Update(ctx, correct); err != nil {
		t.Fatalf("Update() with correct base: %v", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem("d")
	if err := s.Create(ctx, item); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	removed, err := s.Delete(ctx, "d")
	if err != nil || !removed {
		t.Fatalf("Delete() = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = s.Delete(ctx, "d")
	if err != nil || removed {
		t.Fatalf("second Delete() = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestSearch_FiltersByTenantAndText(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newItem("a")
	a.TenantID = "tenant-1"
	a.Content = "the quick brown fox"
	b := newItem("b")
	b.TenantID = "tenant-2"
	b.Content = "lazy dog sleeps"

	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create(a) failed: %v", err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("Create(b) failed: %v", err)
	}

	results, err := s.Search(ctx, storage.Filter{TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != "a" {
		t.Fatalf("Search(tenant-1): got %+v, want only item a", results)
	}

	results, err = s.Search(ctx, storage.Filter{TextQuery: "lazy"})
	if err != nil {
		t.Fatalf("Search(text) failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != "b" {
		t.Fatalf("Search(lazy): got %+v, want only item b", results)
	}
}

func TestExpireTTL(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := newItem("old")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	fresh := newItem("fresh")

	if err := s.Create(ctx, old); err != nil {
		t.Fatalf("Create(old) failed: %v", err)
	}
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("Create(fresh) failed: %v", err)
	}

	expired, err := s.ExpireTTL(ctx, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("ExpireTTL() failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("ExpireTTL(): got %+v, want only item old", expired)
	}
	if _, err := s.Read(ctx, "old"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(old) after expiry: got %v, want KindNotFound", err)
	}
	if _, err := s.Read(ctx, "fresh"); err != nil {
		t.Errorf("Read(fresh) after expiry: got %v, want nil", err)
	}
}

func TestBatch_AllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newItem("existing")); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ops := []storage.BatchOp{
		{Kind: storage.BatchCreate, Item: newItem("new-1")},
		{Kind: storage.BatchCreate, Item: newItem("existing")}, // should fail: already exists
	}
	if err := s.Batch(ctx, ops); !errs.Is(err, errs.KindAlreadyExists) {
		t.Fatalf("Batch(): got %v, want KindAlreadyExists", err)
	}

	if _, err := s.Read(ctx, "new-1"); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("Read(new-1) after failed batch: got %v, want KindNotFound (no partial apply)", err)
	}
}
