package graphstore

import (
	"context"
	"time"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
)

// boundsChecker tracks and enforces traversal limits to prevent
// combinatorial explosion during Neighbors, adapted from the teacher's
// engine.BoundsChecker.
type boundsChecker struct {
	bounds       storage.GraphBounds
	nodesVisited int
	edgesVisited int
	startTime    time.Time
	hitBound     string
}

func newBoundsChecker(bounds storage.GraphBounds) *boundsChecker {
	bounds.Normalize()
	return &boundsChecker{bounds: bounds, startTime: time.Now()}
}

// canContinue checks context, node, edge, depth, and timeout bounds. On the
// first bound hit it records which one, for GraphResult.BoundsReached.
func (b *boundsChecker) canContinue(ctx context.Context, depth int) error {
	select {
	case <-ctx.Done():
		return errs.E(errs.KindCancelled, "graphstore: traversal cancelled: %v", ctx.Err())
	default:
	}

	if b.nodesVisited >= b.bounds.MaxNodes {
		b.hitBound = "max_nodes"
		return errs.E(errs.KindRejected, "graphstore: max nodes (%d) exceeded", b.bounds.MaxNodes)
	}
	if b.edgesVisited >= b.bounds.MaxEdges {
		b.hitBound = "max_edges"
		return errs.E(errs.KindRejected, "graphstore: max edges (%d) exceeded", b.bounds.MaxEdges)
	}
	if depth > b.bounds.MaxHops {
		b.hitBound = "max_hops"
		return errs.E(errs.KindRejected, "graphstore: max hops (%d) exceeded at depth %d", b.bounds.MaxHops, depth)
	}
	if elapsed := time.Since(b.startTime); elapsed >= b.bounds.Timeout {
		b.hitBound = "timeout"
		return errs.E(errs.KindRejected, "graphstore: timeout (%v) exceeded after %v", b.bounds.Timeout, elapsed)
	}
	return nil
}

func (b *boundsChecker) recordNode() { b.nodesVisited++ }
func (b *boundsChecker) recordEdge() { b.edgesVisited++ }
