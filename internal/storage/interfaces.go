// Package storage defines the polymorphic storage-backend contract shared
// by every tier: small, composable CRUD/search primitives plus a capability
// descriptor so callers can check what a concrete backend supports before
// invoking an optional operation.
package storage

import (
	"context"
	"time"

	"github.com/cortexmem/engine/pkg/types"
)

// Capabilities declares which optional operations a backend variant
// implements. Key-value CRUD is mandatory for every backend; everything
// else is queried before use.
type Capabilities struct {
	Batch             bool
	MetadataFilter     bool
	VectorSearch       bool
	RelationshipStore bool
	TTL                bool
}

// Variant names the concrete backend family, used for diagnostics and
// configuration dispatch.
type Variant string

const (
	VariantInMemory      Variant = "in_memory"
	VariantEmbeddedSQL   Variant = "embedded_sql"
	VariantVector        Variant = "vector"
	VariantKnowledgeGraph Variant = "knowledge_graph"
)

// Backend is the polymorphic storage-backend contract (spec §4.1). A single
// item write is linearizable per id; batch writes are atomic or rejected
// with ErrUnsupported.
type Backend interface {
	// Variant identifies the concrete backend family.
	Variant() Variant

	// Capabilities reports which optional operations this backend supports.
	Capabilities() Capabilities

	// Create persists a new record. Fails with errs.ErrAlreadyExists if the
	// id is already present.
	Create(ctx context.Context, item *types.MemoryItem) error

	// Read returns the record for id, or errs.ErrNotFound.
	Read(ctx context.Context, id string) (*types.MemoryItem, error)

	// Update compare-and-swaps on item.Version: the backend must hold the
	// currently stored version equal to the item's Version-1 (the caller's
	// base), bump to item.Version, and persist. Fails with
	// errs.ErrConflict on a stale base version, errs.ErrNotFound if absent.
	Update(ctx context.Context, item *types.MemoryItem) error

	// Delete removes a record by id. Idempotent: returns (false, nil) if
	// nothing was removed, rather than an error.
	Delete(ctx context.Context, id string) (removed bool, err error)

	// Batch applies ops all-or-nothing. Backends without atomic multi-item
	// writes reject with errs.ErrUnsupported.
	Batch(ctx context.Context, ops []BatchOp) error

	// Search returns candidates matching filter, each with a relevance or
	// similarity score in backend-defined scale (0 for backends with no
	// native scoring).
	Search(ctx context.Context, filter Filter) ([]ScoredItem, error)

	// Count returns the exact number of records matching filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// Initialize acquires connection/resource state. Safe to call once
	// before first use.
	Initialize(ctx context.Context) error

	// Shutdown releases all resources. Safe to call once; idempotent.
	Shutdown(ctx context.Context) error
}

// BatchOpKind identifies the operation a BatchOp performs.
type BatchOpKind string

const (
	BatchCreate BatchOpKind = "create"
	BatchUpdate BatchOpKind = "update"
	BatchDelete BatchOpKind = "delete"
)

// BatchOp is one operation within an atomic Backend.Batch call.
type BatchOp struct {
	Kind BatchOpKind
	ID   string       // used by BatchDelete
	Item *types.MemoryItem // used by BatchCreate / BatchUpdate
}

// ScoredItem pairs a record with its search relevance/similarity score.
type ScoredItem struct {
	Item  *types.MemoryItem
	Score float64
}

// Filter selects records for Search/Count. Zero-valued fields are
// unconstrained. Vector fields are only honoured by backends whose
// Capabilities().VectorSearch is true.
type Filter struct {
	IDs []string

	TenantID string
	UserID   string

	Tags         []string
	MetadataEq   map[string]any

	TextQuery string

	CreatedAfter  time.Time
	CreatedBefore time.Time

	MinImportance float64
	MinStrength   float64

	IncludeDeleted bool

	QueryVector []float32
	K           int // top-k for vector search; 0 means not a vector query

	Limit  int
	Offset int
}

// Normalize clamps Filter to sane bounds, mirroring the defensive clamp
// idiom used across the engine's option types.
func (f *Filter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.K < 0 {
		f.K = 0
	}
	if f.MinImportance < 0 {
		f.MinImportance = 0
	}
	if f.MinStrength < 0 {
		f.MinStrength = 0
	}
}

// RelationshipBackend is implemented by the knowledge-graph variant in
// addition to Backend's memory CRUD (spec §4.1.b).
type RelationshipBackend interface {
	Backend

	AddEdge(ctx context.Context, rel *types.Relationship) error
	RemoveEdge(ctx context.Context, id string) error
	GetEdges(ctx context.Context, memoryID string, direction EdgeDirection, edgeType string) ([]*types.Relationship, error)
	Neighbors(ctx context.Context, memoryID string, bounds GraphBounds) (*GraphResult, error)

	// DeleteCascade removes every edge touching memoryID; called by the
	// manager when an LTM item is explicitly deleted.
	DeleteCascade(ctx context.Context, memoryID string) error
}

// EdgeDirection filters GetEdges by endpoint role.
type EdgeDirection string

const (
	DirectionAny EdgeDirection = "any"
	DirectionIn  EdgeDirection = "in"
	DirectionOut EdgeDirection = "out"
)
