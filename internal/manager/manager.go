// Package manager implements the Memory Manager façade (spec.md §4.8):
// the single coordinator wiring sanitizer, tier, watchdog, embedding,
// metrics, audit, decay, consolidation, maintenance, and search into the
// engine's public surface. Adapted from the teacher's
// internal/engine/memory_engine.go MemoryEngine: same started/
// shuttingDown guarded lifecycle and RWMutex discipline, generalized
// from its single-store fast-write-then-async-enrich split onto the
// three-tier promotion model this engine implements instead.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cortexmem/engine/internal/audit"
	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/internal/embedding"
	"github.com/cortexmem/engine/internal/maintenance"
	"github.com/cortexmem/engine/internal/metrics"
	"github.com/cortexmem/engine/internal/sanitizer"
	"github.com/cortexmem/engine/internal/search"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/internal/watchdog"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Tiers bundles the three configured tiers, keyed for direct lookup.
type Tiers struct {
	STM *tier.Tier
	MTM *tier.Tier
	LTM *tier.Tier
}

func (t Tiers) byName(name types.Tier) *tier.Tier {
	switch name {
	case types.TierSTM:
		return t.STM
	case types.TierMTM:
		return t.MTM
	case types.TierLTM:
		return t.LTM
	default:
		return nil
	}
}

func (t Tiers) all() []*tier.Tier { return []*tier.Tier{t.STM, t.MTM, t.LTM} }

// Manager is the engine's public façade: initialize/shutdown lifecycle,
// CRUD with tier-aware routing, cross-tier search, relationship
// operations (LTM only), and an operator-triggered maintenance hook.
type Manager struct {
	tiers     Tiers
	sanitizer *sanitizer.Sanitizer
	watchdog  *watchdog.Watchdog
	provider  embedding.Provider
	metrics   *metrics.Metrics
	trail     *audit.Trail
	orch      *maintenance.Orchestrator
	searchP   *search.Pipeline
	logger    *zap.Logger
	decay     map[types.Tier]decay.Params

	mu           sync.RWMutex
	started      bool
	shuttingDown bool
}

// Deps bundles every collaborator a Manager coordinates. Tiers is
// required; every other field may be nil. Logger defaults to a no-op
// logger and DecayParams to spec.md §4.2's per-tier half-lives via
// decay.DefaultParams. A nil Sanitizer, Watchdog, Provider, Metrics or
// Trail skips the step it performs; without Search or Orch,
// SearchMemories or MaintenanceNow return KindUnsupported.
type Deps struct {
	Tiers       Tiers
	Sanitizer   *sanitizer.Sanitizer
	Watchdog    *watchdog.Watchdog
	Provider    embedding.Provider
	Metrics     *metrics.Metrics
	Trail       *audit.Trail
	Orch        *maintenance.Orchestrator
	Search      *search.Pipeline
	Logger      *zap.Logger
	DecayParams map[types.Tier]decay.Params
}

// New constructs a Manager over deps. Call Initialize before first use.
func New(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.DecayParams == nil {
		deps.DecayParams = map[types.Tier]decay.Params{
			types.TierSTM: decay.DefaultParams(10*time.Minute, 20*time.Minute, 0, 1, 0.1, 3.0),
			types.TierMTM: decay.DefaultParams(20*time.Minute, 40*time.Minute, 0, 1, 0.05, 3.0),
			types.TierLTM: decay.DefaultParams(4*time.Hour, 12*time.Hour, 0, 1, 0.05, 3.0),
		}
	}
	return &Manager{
		tiers:     deps.Tiers,
		sanitizer: deps.Sanitizer,
		watchdog:  deps.Watchdog,
		provider:  deps.Provider,
		metrics:   deps.Metrics,
		trail:     deps.Trail,
		orch:      deps.Orch,
		searchP:   deps.Search,
		logger:    deps.Logger,
		decay:     deps.DecayParams,
	}
}

// Initialize starts every tier backend and the maintenance orchestrator.
// Must be called once before add_memory/get_memory/etc.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("manager: already initialized")
	}

	for _, t := range m.tiers.all() {
		if t == nil {
			continue
		}
		if err := t.Backend().Initialize(ctx); err != nil {
			return fmt.Errorf("manager: initialize %s backend: %w", t.Name(), err)
		}
	}

	if m.orch != nil {
		m.orch.Start(ctx)
	}

	m.started = true
	m.logger.Info("manager: initialized")
	return nil
}

// Shutdown stops the maintenance orchestrator and every tier backend.
func (m *Manager) Shutdown(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return fmt.Errorf("manager: not initialized")
	}
	m.shuttingDown = true

	if m.orch != nil {
		m.orch.Shutdown(timeout)
	}

	var firstErr error
	for _, t := range m.tiers.all() {
		if t == nil {
			continue
		}
		if err := t.Backend().Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("manager: shutdown %s backend: %w", t.Name(), err)
		}
	}

	m.started = false
	m.shuttingDown = false
	m.logger.Info("manager: shut down")
	return firstErr
}

// AddMemoryInput is the caller-supplied payload for add_memory. New items
// always enter at STM; promotion through MTM/LTM happens only via the
// consolidation pipeline.
type AddMemoryInput struct {
	Content    string
	TenantID   string
	UserID     string
	Tags       []string
	Importance float64
	Metadata   map[string]any
	Source     string
}

// AddMemory sanitizes, admits, and persists a new STM item.
func (m *Manager) AddMemory(ctx context.Context, in AddMemoryInput) (*types.MemoryItem, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}

	now := time.Now()
	item := &types.MemoryItem{
		ID:             uuid.New().String(),
		Content:        in.Content,
		TenantID:       in.TenantID,
		UserID:         in.UserID,
		Tags:           in.Tags,
		Importance:     in.Importance,
		Metadata:       in.Metadata,
		Source:         in.Source,
		Tier:           types.TierSTM,
		State:          types.StateActiveSTM,
		Strength:       in.Importance,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		LastDecayedAt:  now,
		Version:        1,
	}
	item.ContentHash = embedding.ContentHash(item.Content)

	if m.sanitizer != nil {
		sanitized, err := m.sanitizer.Sanitize(item)
		if err != nil {
			if m.metrics != nil {
				m.metrics.RecordRejected()
			}
			if m.trail != nil {
				m.trail.Emit(audit.EventRejected, item.ID, audit.WithReason(err.Error()))
			}
			return nil, err
		}
		item = sanitized
	}

	if m.watchdog != nil {
		if err := m.watchdog.Admit(ctx, types.TierSTM); err != nil {
			return nil, err
		}
	}

	if err := m.tiers.STM.Backend().Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// GetMemory retrieves a single item by id, searching each tier in turn
// (STM, then MTM, then LTM), and reinforces it on successful read per
// spec.md §4.6's read-time reinforcement rule.
func (m *Manager) GetMemory(ctx context.Context, id string) (*types.MemoryItem, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}

	now := time.Now()
	for _, t := range m.tiers.all() {
		if t == nil {
			continue
		}
		item, err := t.Retrieve(ctx, id, now)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		if item.DeletedAt != nil || item.State == types.StateForgotten {
			continue
		}
		m.reinforce(ctx, t, item)
		return item, nil
	}
	return nil, errs.E(errs.KindNotFound, "manager: memory %s not found", id)
}

func (m *Manager) reinforce(ctx context.Context, t *tier.Tier, item *types.MemoryItem) {
	params := m.decay[t.Name()]
	result := decay.ReinforceOnAccess(item, params, 0.25)
	item.ReinforcementLevel = result.NewReinforcement
	item.Strength = result.NewStrength
	item.AccessCount++
	item.LastAccessedAt = time.Now()
	item.Version++
	if err := t.Backend().Update(ctx, item); err != nil {
		m.logger.Warn("manager: reinforce-on-read write-back failed", zap.String("id", item.ID), zap.Error(err))
	}
}

// UpdateMemoryInput carries the optional-field patch for update_memory,
// applied with a base Version for optimistic-concurrency-control.
type UpdateMemoryInput struct {
	ID      string
	Version int64

	Content    *string
	Tags       []string
	Importance *float64
	Metadata   map[string]any
}

// UpdateMemory applies in as a CAS patch, re-sanitizing content and
// clearing any cached embedding/summary/keywords so the consolidation
// pipeline re-derives them from the new content on the item's next
// promotion.
func (m *Manager) UpdateMemory(ctx context.Context, in UpdateMemoryInput) (*types.MemoryItem, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}

	owner, item, err := m.locate(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if item.Version != in.Version {
		return nil, errs.E(errs.KindConflict, "manager: stale version for %s (have %d, want %d)", in.ID, item.Version, in.Version)
	}

	contentChanged := false
	if in.Content != nil {
		item.Content = *in.Content
		item.ContentHash = embedding.ContentHash(item.Content)
		item.Summary = ""
		item.Keywords = nil
		item.Embedding = nil
		contentChanged = true
	}
	if in.Tags != nil {
		item.Tags = in.Tags
	}
	if in.Importance != nil {
		item.Importance = *in.Importance
	}
	if in.Metadata != nil {
		item.Metadata = in.Metadata
	}

	if m.sanitizer != nil {
		sanitized, err := m.sanitizer.Sanitize(item)
		if err != nil {
			if m.metrics != nil {
				m.metrics.RecordRejected()
			}
			return nil, err
		}
		item = sanitized
	}

	if contentChanged && owner.Name() == types.TierLTM && m.provider != nil {
		vec, err := m.provider.Embed(ctx, item.Content)
		if err == nil {
			item.Embedding = vec
			item.EmbeddingModel = m.provider.Model()
			item.EmbeddingDimension = m.provider.Dimension()
		}
	}

	item.UpdatedAt = time.Now()
	item.Version++
	if err := owner.Backend().Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteMemory soft-deletes the item wherever it currently resides, and
// cascades edge removal if it is an LTM item held by a RelationshipBackend.
func (m *Manager) DeleteMemory(ctx context.Context, id string) error {
	if !m.ready() {
		return errs.E(errs.KindRejected, "manager: not initialized")
	}

	owner, item, err := m.locate(ctx, id)
	if err != nil {
		return err
	}

	if err := tier.Transition(item, types.StateForgotten); err != nil {
		return err
	}
	now := time.Now()
	item.DeletedAt = &now
	item.Version++
	if err := owner.Backend().Update(ctx, item); err != nil {
		return err
	}

	if rb, ok := owner.Backend().(storage.RelationshipBackend); ok {
		if err := rb.DeleteCascade(ctx, id); err != nil {
			m.logger.Warn("manager: relationship cascade delete failed", zap.String("id", id), zap.Error(err))
		}
	}

	if m.trail != nil {
		m.trail.Emit(audit.EventForgotten, id, audit.WithReason("explicit_delete"))
	}
	if m.metrics != nil {
		m.metrics.RecordForgotten(owner.Name(), "explicit_delete")
	}
	return nil
}

// locate finds which tier currently owns id, without applying STM's
// TTL-on-read expiry (an explicit update/delete should act on the
// record as it stands, not treat it as already-gone).
func (m *Manager) locate(ctx context.Context, id string) (*tier.Tier, *types.MemoryItem, error) {
	for _, t := range m.tiers.all() {
		if t == nil {
			continue
		}
		item, err := t.Backend().Read(ctx, id)
		if err == nil {
			return t, item, nil
		}
		if !errs.Is(err, errs.KindNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, errs.E(errs.KindNotFound, "manager: memory %s not found", id)
}

// SearchMemories runs the cross-tier search pipeline (spec.md §4.9).
func (m *Manager) SearchMemories(ctx context.Context, opts search.Options) ([]search.Result, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}
	if m.searchP == nil {
		return nil, errs.E(errs.KindUnsupported, "manager: search pipeline not configured")
	}
	return m.searchP.Search(ctx, opts)
}

// AddRelationship creates a typed edge between two LTM memories.
// Relationship operations are LTM-only per spec.md §4.1.b.
func (m *Manager) AddRelationship(ctx context.Context, fromID, toID, relType string, weight float64) (*types.Relationship, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}
	rb, err := m.relationshipBackend()
	if err != nil {
		return nil, err
	}
	if err := m.requireLTMRecord(ctx, fromID); err != nil {
		return nil, err
	}
	if err := m.requireLTMRecord(ctx, toID); err != nil {
		return nil, err
	}

	now := time.Now()
	rel := &types.Relationship{
		ID:        uuid.New().String(),
		FromID:    fromID,
		ToID:      toID,
		Type:      relType,
		Weight:    weight,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rb.AddEdge(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// RemoveRelationship deletes an edge by id.
func (m *Manager) RemoveRelationship(ctx context.Context, id string) error {
	if !m.ready() {
		return errs.E(errs.KindRejected, "manager: not initialized")
	}
	rb, err := m.relationshipBackend()
	if err != nil {
		return err
	}
	return rb.RemoveEdge(ctx, id)
}

// GetRelationships lists edges touching memoryID.
func (m *Manager) GetRelationships(ctx context.Context, memoryID string, direction storage.EdgeDirection, edgeType string) ([]*types.Relationship, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}
	rb, err := m.relationshipBackend()
	if err != nil {
		return nil, err
	}
	return rb.GetEdges(ctx, memoryID, direction, edgeType)
}

// Neighbors runs a bounded graph traversal from memoryID.
func (m *Manager) Neighbors(ctx context.Context, memoryID string, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	if !m.ready() {
		return nil, errs.E(errs.KindRejected, "manager: not initialized")
	}
	rb, err := m.relationshipBackend()
	if err != nil {
		return nil, err
	}
	return rb.Neighbors(ctx, memoryID, bounds)
}

// requireLTMRecord rejects a relationship endpoint that is not a currently
// stored LTM record (spec.md §4.8: "reject if either endpoint is not in
// LTM"). The graphstore backend enforces the same check at AddEdge time;
// this gives the manager-level API a KindNotFound instead of whatever the
// backend's own edge-insert error happens to be.
func (m *Manager) requireLTMRecord(ctx context.Context, id string) error {
	if m.tiers.LTM == nil {
		return errs.E(errs.KindUnsupported, "manager: LTM tier not configured")
	}
	item, err := m.tiers.LTM.Backend().Read(ctx, id)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return errs.E(errs.KindNotFound, "manager: relationship endpoint %s is not an LTM record", id)
		}
		return err
	}
	if item.DeletedAt != nil {
		return errs.E(errs.KindNotFound, "manager: relationship endpoint %s is not an LTM record", id)
	}
	return nil
}

func (m *Manager) relationshipBackend() (storage.RelationshipBackend, error) {
	if m.tiers.LTM == nil {
		return nil, errs.E(errs.KindUnsupported, "manager: LTM tier not configured")
	}
	rb, ok := m.tiers.LTM.Backend().(storage.RelationshipBackend)
	if !ok {
		return nil, errs.E(errs.KindUnsupported, "manager: LTM backend does not support relationships")
	}
	return rb, nil
}

// MaintenanceNow synchronously runs one maintenance task cycle, for an
// operator-triggered maintenance_now(task) call. key identifies the task
// ("decay:mtm", "consolidate:stm", "quality_sweep", ...).
func (m *Manager) MaintenanceNow(ctx context.Context, key string) (maintenance.CycleStats, error) {
	if !m.ready() {
		return maintenance.CycleStats{}, errs.E(errs.KindRejected, "manager: not initialized")
	}
	if m.orch == nil {
		return maintenance.CycleStats{}, errs.E(errs.KindUnsupported, "manager: maintenance orchestrator not configured")
	}
	return m.orch.RunNow(ctx, key, true)
}

func (m *Manager) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started && !m.shuttingDown
}
