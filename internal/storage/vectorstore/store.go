// Package vectorstore implements the vector storage.Backend variant used
// for LTM semantic recall. It composes an underlying record store (typically
// sqlstore, sometimes a Postgres/pgvector-backed one) for CRUD and adds an
// approximate-nearest-neighbor index over item embeddings, adapted from the
// teacher's postgres.EmbeddingProvider / search_provider pgvector querying.
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Store layers ANN vector search on top of a delegate Backend that owns the
// durable record (content, metadata, tier bookkeeping). The delegate is
// typically sqlstore.Store; when db is non-nil, embeddings are additionally
// mirrored into a pgvector-enabled Postgres table so a deployment can switch
// to server-side ivfflat/hnsw search without a data migration.
type Store struct {
	delegate storage.Backend
	index    *flatIndex
	cfg      IndexConfig

	db *sql.DB // optional, non-nil when mirroring embeddings into pgvector
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPgvectorMirror mirrors every embedding write into a pgvector `vector`
// column on db, in addition to the in-process flat index. db must already
// have the pgvector extension; Initialize creates the `item_embeddings`
// table (memory_id text primary key, embedding vector) if it is absent.
func WithPgvectorMirror(db *sql.DB) Option {
	return func(s *Store) { s.db = db }
}

// OpenPgvectorDB opens a Postgres connection for WithPgvectorMirror,
// registering the lib/pq driver under the "postgres" name.
func OpenPgvectorDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open postgres: %w", err)
	}
	return db, nil
}

// New wraps delegate with vector search, using cfg for the ANN index.
func New(delegate storage.Backend, cfg IndexConfig, opts ...Option) *Store {
	s := &Store{delegate: delegate, index: newFlatIndex(cfg), cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Variant() storage.Variant { return storage.VariantVector }

func (s *Store) Capabilities() storage.Capabilities {
	caps := s.delegate.Capabilities()
	caps.VectorSearch = true
	return caps
}

func (s *Store) Initialize(ctx context.Context) error {
	if err := s.delegate.Initialize(ctx); err != nil {
		return err
	}
	if s.db != nil {
		if _, err := s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS item_embeddings (
				memory_id TEXT PRIMARY KEY,
				embedding vector,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`); err != nil {
			return errs.E(errs.KindBackendTransient, "vectorstore: create pgvector mirror table: %v", err)
		}
	}
	return nil
}

func (s *Store) Shutdown(ctx context.Context) error {
	return s.delegate.Shutdown(ctx)
}

func (s *Store) Create(ctx context.Context, item *types.MemoryItem) error {
	if err := s.delegate.Create(ctx, item); err != nil {
		return err
	}
	s.indexItem(ctx, item)
	return nil
}

func (s *Store) Read(ctx context.Context, id string) (*types.MemoryItem, error) {
	return s.delegate.Read(ctx, id)
}

func (s *Store) Update(ctx context.Context, item *types.MemoryItem) error {
	if err := s.delegate.Update(ctx, item); err != nil {
		return err
	}
	s.indexItem(ctx, item)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := s.delegate.Delete(ctx, id)
	if err != nil {
		return removed, err
	}
	if removed {
		s.index.Remove(id)
		if s.db != nil {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM item_embeddings WHERE memory_id = $1`, id)
		}
	}
	return removed, nil
}

func (s *Store) Batch(ctx context.Context, ops []storage.BatchOp) error {
	if err := s.delegate.Batch(ctx, ops); err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case storage.BatchCreate, storage.BatchUpdate:
			s.indexItem(ctx, op.Item)
		case storage.BatchDelete:
			s.index.Remove(op.ID)
		}
	}
	return nil
}

func (s *Store) indexItem(ctx context.Context, item *types.MemoryItem) {
	if len(item.Embedding) == 0 {
		return
	}
	s.index.Upsert(item.ID, item.Embedding)
	if s.db != nil {
		vec := pgvector.NewVector(item.Embedding)
		_, _ = s.db.ExecContext(ctx, `
			INSERT INTO item_embeddings (memory_id, embedding, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (memory_id) DO UPDATE SET embedding = excluded.embedding, updated_at = now()
		`, item.ID, vec)
	}
}

// Search runs a k-NN vector search when filter.QueryVector is set, then
// intersects with the delegate's metadata/text filtering (spec §4.9
// overfetch=3 is applied by the caller via filter.K before narrowing).
func (s *Store) Search(ctx context.Context, filter storage.Filter) ([]storage.ScoredItem, error) {
	filter.Normalize()

	if len(filter.QueryVector) == 0 {
		return s.delegate.Search(ctx, filter)
	}

	k := filter.K
	if k <= 0 {
		k = filter.Limit
	}
	neighbors := s.index.Search(filter.QueryVector, k)

	ids := make([]string, 0, len(neighbors))
	scoreByID := make(map[string]float64, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.ID)
		scoreByID[n.ID] = n.Score
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sub := filter
	sub.IDs = ids
	sub.QueryVector = nil
	sub.K = 0
	sub.Limit = len(ids)
	sub.Offset = 0

	candidates, err := s.delegate.Search(ctx, sub)
	if err != nil {
		return nil, err
	}

	out := make([]storage.ScoredItem, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, storage.ScoredItem{Item: c.Item, Score: scoreByID[c.Item.ID]})
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	return s.delegate.Count(ctx, filter)
}

// IndexSize reports how many items currently carry an embedding in the
// in-process index.
func (s *Store) IndexSize() int {
	return s.index.Len()
}
