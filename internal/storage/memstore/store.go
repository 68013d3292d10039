// Package memstore implements the in-memory storage.Backend variant used
// for STM: content lives only for the duration of the process, guarded by
// a single RWMutex rather than a database connection.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Store is the in-memory storage.Backend.
type Store struct {
	mu    sync.RWMutex
	items map[string]*types.MemoryItem
}

// New constructs an empty Store.
func New() *Store {
	return &Store{items: make(map[string]*types.MemoryItem)}
}

func (s *Store) Variant() storage.Variant { return storage.VariantInMemory }

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Batch:          true,
		MetadataFilter: true,
		VectorSearch:   false,
		RelationshipStore: false,
		TTL:            true,
	}
}

func (s *Store) Initialize(ctx context.Context) error { return nil }

func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*types.MemoryItem)
	return nil
}

func (s *Store) Create(ctx context.Context, item *types.MemoryItem) error {
	if item == nil || item.ID == "" {
		return errs.E(errs.KindRejected, "memstore: item and item.ID are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return errs.E(errs.KindAlreadyExists, "memstore: item %s already exists", item.ID)
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *Store) Read(ctx context.Context, id string) (*types.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "memstore: item %s not found", id)
	}
	return item.Clone(), nil
}

func (s *Store) Update(ctx context.Context, item *types.MemoryItem) error {
	if item == nil || item.ID == "" {
		return errs.E(errs.KindRejected, "memstore: item and item.ID are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return errs.E(errs.KindNotFound, "memstore: item %s not found", item.ID)
	}
	if existing.Version != item.Version-1 {
		return errs.E(errs.KindConflict, "memstore: stale version for %s (have %d, want base %d)",
			item.ID, existing.Version, item.Version-1)
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

func (s *Store) Batch(ctx context.Context, ops []storage.BatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate all operations before applying any, to keep the batch
	// all-or-nothing without a rollback log.
	for _, op := range ops {
		switch op.Kind {
		case storage.BatchCreate:
			if _, exists := s.items[op.Item.ID]; exists {
				return errs.E(errs.KindAlreadyExists, "memstore: batch create %s already exists", op.Item.ID)
			}
		case storage.BatchUpdate:
			existing, ok := s.items[op.Item.ID]
			if !ok {
				return errs.E(errs.KindNotFound, "memstore: batch update %s not found", op.Item.ID)
			}
			if existing.Version != op.Item.Version-1 {
				return errs.E(errs.KindConflict, "memstore: batch update stale version for %s", op.Item.ID)
			}
		case storage.BatchDelete:
			// Idempotent, nothing to validate.
		default:
			return errs.E(errs.KindUnsupported, "memstore: unknown batch op %q", op.Kind)
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case storage.BatchCreate, storage.BatchUpdate:
			s.items[op.Item.ID] = op.Item.Clone()
		case storage.BatchDelete:
			delete(s.items, op.ID)
		}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, filter storage.Filter) ([]storage.ScoredItem, error) {
	filter.Normalize()

	s.mu.RLock()
	var matched []*types.MemoryItem
	for _, item := range s.items {
		if matches(item, filter) {
			matched = append(matched, item.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[filter.Offset:end]

	out := make([]storage.ScoredItem, 0, len(page))
	for _, item := range page {
		score := 0.0
		if filter.TextQuery != "" && strings.Contains(strings.ToLower(item.Content), strings.ToLower(filter.TextQuery)) {
			score = 1.0
		}
		out = append(out, storage.ScoredItem{Item: item, Score: score})
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, item := range s.items {
		if matches(item, filter) {
			n++
		}
	}
	return n, nil
}

func matches(item *types.MemoryItem, filter storage.Filter) bool {
	if !filter.IncludeDeleted && item.DeletedAt != nil {
		return false
	}
	if filter.TenantID != "" && item.TenantID != filter.TenantID {
		return false
	}
	if filter.UserID != "" && item.UserID != filter.UserID {
		return false
	}
	if filter.MinImportance > 0 && item.Importance < filter.MinImportance {
		return false
	}
	if filter.MinStrength > 0 && item.Strength < filter.MinStrength {
		return false
	}
	if !filter.CreatedAfter.IsZero() && item.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && item.CreatedAt.After(filter.CreatedBefore) {
		return false
	}
	if len(filter.Tags) > 0 && !hasAnyTag(item.Tags, filter.Tags) {
		return false
	}
	if len(filter.IDs) > 0 && !containsID(filter.IDs, item.ID) {
		return false
	}
	for k, v := range filter.MetadataEq {
		if item.Metadata == nil {
			return false
		}
		mv, ok := item.Metadata[k]
		if !ok || mv != v {
			return false
		}
	}
	if filter.TextQuery != "" && !strings.Contains(strings.ToLower(item.Content), strings.ToLower(filter.TextQuery)) {
		return false
	}
	return true
}

func hasAnyTag(itemTags, wanted []string) bool {
	set := make(map[string]struct{}, len(itemTags))
	for _, t := range itemTags {
		set[t] = struct{}{}
	}
	for _, w := range wanted {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// ExpireTTL removes every item whose tier is STM and whose age exceeds ttl,
// returning the removed items for audit emission by the tier/watchdog layer.
func (s *Store) ExpireTTL(ctx context.Context, ttl time.Duration, now time.Time) ([]*types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*types.MemoryItem
	for id, item := range s.items {
		if item.Tier != types.TierSTM {
			continue
		}
		if now.Sub(item.CreatedAt) >= ttl {
			expired = append(expired, item.Clone())
			delete(s.items, id)
		}
	}
	return expired, nil
}
