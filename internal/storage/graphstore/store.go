// Package graphstore implements the knowledge-graph storage.Backend variant:
// memory CRUD is delegated to an underlying record store, and this package
// owns directed typed edges between memories with bidirectional adjacency
// indexing and bounded traversal, adapted from the teacher's
// internal/engine graph_traversal.go / graph_bounds_checker.go.
package graphstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Store is the knowledge-graph storage.RelationshipBackend.
type Store struct {
	delegate storage.Backend

	mu       sync.RWMutex
	edges    map[string]*types.Relationship // by edge id
	outbound map[string][]string            // memory id -> outgoing edge ids
	inbound  map[string][]string            // memory id -> incoming edge ids
}

// New wraps delegate with graph edge storage.
func New(delegate storage.Backend) *Store {
	return &Store{
		delegate: delegate,
		edges:    make(map[string]*types.Relationship),
		outbound: make(map[string][]string),
		inbound:  make(map[string][]string),
	}
}

func (s *Store) Variant() storage.Variant { return storage.VariantKnowledgeGraph }

func (s *Store) Capabilities() storage.Capabilities {
	caps := s.delegate.Capabilities()
	caps.RelationshipStore = true
	return caps
}

func (s *Store) Initialize(ctx context.Context) error { return s.delegate.Initialize(ctx) }
func (s *Store) Shutdown(ctx context.Context) error   { return s.delegate.Shutdown(ctx) }

func (s *Store) Create(ctx context.Context, item *types.MemoryItem) error {
	return s.delegate.Create(ctx, item)
}
func (s *Store) Read(ctx context.Context, id string) (*types.MemoryItem, error) {
	return s.delegate.Read(ctx, id)
}
func (s *Store) Update(ctx context.Context, item *types.MemoryItem) error {
	return s.delegate.Update(ctx, item)
}

// Delete removes the memory and cascades to every edge touching it.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := s.delegate.Delete(ctx, id)
	if err != nil {
		return removed, err
	}
	if removed {
		_ = s.DeleteCascade(ctx, id)
	}
	return removed, nil
}

func (s *Store) Batch(ctx context.Context, ops []storage.BatchOp) error {
	return s.delegate.Batch(ctx, ops)
}
func (s *Store) Search(ctx context.Context, filter storage.Filter) ([]storage.ScoredItem, error) {
	return s.delegate.Search(ctx, filter)
}
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	return s.delegate.Count(ctx, filter)
}

// AddEdge stores a directed edge. If rel.ID is empty a new one is assigned.
// Bidirectional relationships are also indexed in the reverse direction so
// GetEdges(DirectionIn) finds them from either endpoint. Both endpoints must
// already exist as records in the delegate store; edges never dangle.
func (s *Store) AddEdge(ctx context.Context, rel *types.Relationship) error {
	if rel == nil || rel.FromID == "" || rel.ToID == "" || rel.Type == "" {
		return errs.E(errs.KindRejected, "graphstore: edge requires from, to, and type")
	}
	if _, err := s.delegate.Read(ctx, rel.FromID); err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return errs.E(errs.KindNotFound, "graphstore: edge endpoint %s does not exist", rel.FromID)
		}
		return err
	}
	if _, err := s.delegate.Read(ctx, rel.ToID); err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return errs.E(errs.KindNotFound, "graphstore: edge endpoint %s does not exist", rel.ToID)
		}
		return err
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.edges[rel.ID]; exists {
		return errs.E(errs.KindAlreadyExists, "graphstore: edge %s already exists", rel.ID)
	}
	s.edges[rel.ID] = rel
	s.outbound[rel.FromID] = append(s.outbound[rel.FromID], rel.ID)
	s.inbound[rel.ToID] = append(s.inbound[rel.ToID], rel.ID)
	if rel.IsBidirectional() {
		s.outbound[rel.ToID] = append(s.outbound[rel.ToID], rel.ID)
		s.inbound[rel.FromID] = append(s.inbound[rel.FromID], rel.ID)
	}
	return nil
}

func (s *Store) RemoveEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.edges[id]
	if !ok {
		return errs.E(errs.KindNotFound, "graphstore: edge %s not found", id)
	}
	delete(s.edges, id)
	s.outbound[rel.FromID] = removeID(s.outbound[rel.FromID], id)
	s.inbound[rel.ToID] = removeID(s.inbound[rel.ToID], id)
	if rel.IsBidirectional() {
		s.outbound[rel.ToID] = removeID(s.outbound[rel.ToID], id)
		s.inbound[rel.FromID] = removeID(s.inbound[rel.FromID], id)
	}
	return nil
}

func (s *Store) GetEdges(ctx context.Context, memoryID string, direction storage.EdgeDirection, edgeType string) ([]*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	switch direction {
	case storage.DirectionOut:
		ids = s.outbound[memoryID]
	case storage.DirectionIn:
		ids = s.inbound[memoryID]
	default:
		ids = append(append([]string{}, s.outbound[memoryID]...), s.inbound[memoryID]...)
	}

	seen := make(map[string]struct{}, len(ids))
	var out []*types.Relationship
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rel := s.edges[id]
		if rel == nil {
			continue
		}
		if edgeType != "" && rel.Type != edgeType {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

type queueItem struct {
	id    string
	depth int
}

// Neighbors performs a bounded breadth-first traversal from memoryID,
// respecting bounds.MaxHops/MaxNodes/MaxEdges/Timeout and ctx cancellation,
// adapted from the teacher's engine.GraphTraversal.BreadthFirstSearch: nodes
// are marked visited and bound-checked on dequeue, not on enqueue, so a node
// discovered via two paths is only counted once.
func (s *Store) Neighbors(ctx context.Context, memoryID string, bounds storage.GraphBounds) (*storage.GraphResult, error) {
	bounds.Normalize()
	checker := newBoundsChecker(bounds)

	queue := []queueItem{{memoryID, 0}}
	visited := make(map[string]bool)
	result := &storage.GraphResult{}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if visited[current.id] {
			continue
		}

		if err := checker.canContinue(ctx, current.depth); err != nil {
			result.BoundsReached = append(result.BoundsReached, checker.hitBound)
			break
		}

		visited[current.id] = true
		checker.recordNode()
		if current.id != memoryID {
			result.Nodes = append(result.Nodes, current.id)
		}

		if current.depth >= bounds.MaxHops {
			continue
		}

		edges, err := s.GetEdges(ctx, current.id, storage.DirectionAny, "")
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			next := edge.ToID
			if next == current.id {
				next = edge.FromID
			}
			if visited[next] {
				continue
			}
			checker.recordEdge()
			result.Edges = append(result.Edges, storage.GraphEdge{
				From: edge.FromID, To: edge.ToID, RelationType: edge.Type, Weight: edge.Weight,
			})
			queue = append(queue, queueItem{next, current.depth + 1})
		}
	}

	return result, nil
}

// DeleteCascade removes every edge touching memoryID.
func (s *Store) DeleteCascade(ctx context.Context, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toRemove := append(append([]string{}, s.outbound[memoryID]...), s.inbound[memoryID]...)
	removed := make(map[string]struct{}, len(toRemove))
	for _, id := range toRemove {
		if _, dup := removed[id]; dup {
			continue
		}
		removed[id] = struct{}{}
		rel := s.edges[id]
		if rel == nil {
			continue
		}
		delete(s.edges, id)
		s.outbound[rel.FromID] = removeID(s.outbound[rel.FromID], id)
		s.inbound[rel.ToID] = removeID(s.inbound[rel.ToID], id)
		if rel.IsBidirectional() {
			s.outbound[rel.ToID] = removeID(s.outbound[rel.ToID], id)
			s.inbound[rel.FromID] = removeID(s.inbound[rel.FromID], id)
		}
	}
	delete(s.outbound, memoryID)
	delete(s.inbound, memoryID)
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
