package storage

import (
	"time"

	"github.com/cortexmem/engine/pkg/types"
)

// GraphBounds prevents combinatorial explosion during graph traversal.
type GraphBounds struct {
	MaxHops  int
	MaxNodes int
	MaxEdges int
	Timeout  time.Duration

	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Normalize applies defaults and caps to GraphBounds.
func (g *GraphBounds) Normalize() {
	if g.MaxHops < 1 {
		g.MaxHops = 3
	}
	if g.MaxHops > 10 {
		g.MaxHops = 10
	}
	if g.MaxNodes < 1 {
		g.MaxNodes = 100
	}
	if g.MaxNodes > 1000 {
		g.MaxNodes = 1000
	}
	if g.MaxEdges < 1 {
		g.MaxEdges = 500
	}
	if g.MaxEdges > 5000 {
		g.MaxEdges = 5000
	}
	if g.Timeout == 0 {
		g.Timeout = 30 * time.Second
	}
	if g.Timeout > 5*time.Minute {
		g.Timeout = 5 * time.Minute
	}
}

// MatchesTemporalBounds reports whether createdAt falls within the window.
func (g *GraphBounds) MatchesTemporalBounds(createdAt time.Time) bool {
	if !g.CreatedAfter.IsZero() && !createdAt.After(g.CreatedAfter) {
		return false
	}
	if !g.CreatedBefore.IsZero() && !createdAt.Before(g.CreatedBefore) {
		return false
	}
	return true
}

// GraphResult is the result of a bounded graph traversal.
type GraphResult struct {
	Nodes         []string
	Edges         []GraphEdge
	BoundsReached []string
}

// GraphEdge is a directed edge surfaced by a traversal.
type GraphEdge struct {
	From         string
	To           string
	RelationType string
	Weight       float64
}

// TraversalResult is a memory discovered via graph traversal, annotated
// with its distance from the start node.
type TraversalResult struct {
	Item           *types.MemoryItem
	HopDistance    int
	SharedEntities []string
}

// PaginatedResult is a generic page of results for listings beyond
// Search; no backend in this module returns it.
type PaginatedResult[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
	HasMore  bool
}
