// Package sqlstore implements the embedded-SQL storage.Backend variant used
// for MTM and as the relational record-of-truth beneath LTM, adapted from
// the teacher's internal/storage/sqlite memory store: single-writer WAL
// mode, busy-timeout, and stale-WAL self-healing on open.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Store is the embedded-SQL storage.Backend.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite-backed Store at dsn, configuring WAL mode and
// recovering from stale WAL/-shm files left behind by a crashed process.
func Open(dsn string) (*Store, error) {
	s, err := open(dsn)
	if err == nil {
		return s, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}
	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	s, retryErr := open(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlstore: open failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	log.Printf("sqlstore: recovered from stale WAL files for %s", dbPath)
	return s, nil
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises writes and avoids SQLITE_BUSY under concurrent callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: enable foreign_keys: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Variant() storage.Variant { return storage.VariantEmbeddedSQL }

func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Batch:          true,
		MetadataFilter: true,
		VectorSearch:   false,
		RelationshipStore: false,
		TTL:            false,
	}
}

func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: create schema: %w", err)
	}
	return nil
}

func (s *Store) Shutdown(ctx context.Context) error {
	return s.db.Close()
}

const insertStmt = `
INSERT INTO memory_items (
	id, content, summary, keywords, source, metadata, tenant_id, user_id,
	tags, importance, facet, embedding_model, embedding_dimension, tier,
	strength, reinforcement_level, reinforcement_count, created_at,
	updated_at, last_accessed_at, last_decayed_at, last_reinforced_at,
	access_count, version, state, deleted_at, content_hash, supersedes_id
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`

func (s *Store) Create(ctx context.Context, item *types.MemoryItem) error {
	if item == nil || item.ID == "" {
		return errs.E(errs.KindRejected, "sqlstore: item and item.ID are required")
	}
	args, err := rowArgs(item)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertStmt, args...); err != nil {
		if isUniqueViolation(err) {
			return errs.E(errs.KindAlreadyExists, "sqlstore: item %s already exists", item.ID)
		}
		return errs.E(errs.KindBackendTransient, "sqlstore: create %s: %v", item.ID, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, id string) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, selectStmt+" WHERE id = ?", id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.KindNotFound, "sqlstore: item %s not found", id)
	}
	if err != nil {
		return nil, errs.E(errs.KindBackendTransient, "sqlstore: read %s: %v", id, err)
	}
	return item, nil
}

const updateStmt = `
UPDATE memory_items SET
	content=?, summary=?, keywords=?, source=?, metadata=?, tenant_id=?,
	user_id=?, tags=?, importance=?, facet=?, embedding_model=?,
	embedding_dimension=?, tier=?, strength=?, reinforcement_level=?,
	reinforcement_count=?, updated_at=?, last_accessed_at=?,
	last_decayed_at=?, last_reinforced_at=?, access_count=?, version=?,
	state=?, deleted_at=?, content_hash=?, supersedes_id=?
WHERE id = ? AND version = ?
`

func (s *Store) Update(ctx context.Context, item *types.MemoryItem) error {
	if item == nil || item.ID == "" {
		return errs.E(errs.KindRejected, "sqlstore: item and item.ID are required")
	}
	baseVersion := item.Version - 1

	metadataJSON, tagsJSON, keywordsJSON, err := marshalAux(item)
	if err != nil {
		return err
	}
	var deletedAt any
	if item.DeletedAt != nil {
		deletedAt = item.DeletedAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx, updateStmt,
		item.Content, item.Summary, keywordsJSON, item.Source, metadataJSON,
		item.TenantID, item.UserID, tagsJSON, item.Importance, item.Facet,
		item.EmbeddingModel, item.EmbeddingDimension, string(item.Tier),
		item.Strength, item.ReinforcementLevel, item.ReinforcementCount,
		item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		item.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		formatTime(item.LastDecayedAt), formatTime(item.LastReinforcedAt),
		item.AccessCount, item.Version, string(item.State), deletedAt,
		item.ContentHash, item.SupersedesID,
		item.ID, baseVersion,
	)
	if err != nil {
		return errs.E(errs.KindBackendTransient, "sqlstore: update %s: %v", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.E(errs.KindBackendTransient, "sqlstore: update %s: %v", item.ID, err)
	}
	if n == 0 {
		if _, readErr := s.Read(ctx, item.ID); readErr != nil {
			return readErr
		}
		return errs.E(errs.KindConflict, "sqlstore: stale version for %s", item.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", id)
	if err != nil {
		return false, errs.E(errs.KindBackendTransient, "sqlstore: delete %s: %v", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.E(errs.KindBackendTransient, "sqlstore: delete %s: %v", id, err)
	}
	return n > 0, nil
}

func (s *Store) Batch(ctx context.Context, ops []storage.BatchOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(errs.KindBackendTransient, "sqlstore: batch begin: %v", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case storage.BatchCreate:
			args, err := rowArgs(op.Item)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertStmt, args...); err != nil {
				if isUniqueViolation(err) {
					return errs.E(errs.KindAlreadyExists, "sqlstore: batch create %s already exists", op.Item.ID)
				}
				return errs.E(errs.KindBackendTransient, "sqlstore: batch create %s: %v", op.Item.ID, err)
			}
		case storage.BatchUpdate:
			if _, err := tx.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", op.Item.ID); err != nil {
				return errs.E(errs.KindBackendTransient, "sqlstore: batch update %s: %v", op.Item.ID, err)
			}
			args, err := rowArgs(op.Item)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertStmt, args...); err != nil {
				return errs.E(errs.KindBackendTransient, "sqlstore: batch update %s: %v", op.Item.ID, err)
			}
		case storage.BatchDelete:
			if _, err := tx.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", op.ID); err != nil {
				return errs.E(errs.KindBackendTransient, "sqlstore: batch delete %s: %v", op.ID, err)
			}
		default:
			return errs.E(errs.KindUnsupported, "sqlstore: unknown batch op %q", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.E(errs.KindBackendTransient, "sqlstore: batch commit: %v", err)
	}
	return nil
}

const selectStmt = `
SELECT id, content, summary, keywords, source, metadata, tenant_id, user_id,
	tags, importance, facet, embedding_model, embedding_dimension, tier,
	strength, reinforcement_level, reinforcement_count, created_at,
	updated_at, last_accessed_at, last_decayed_at, last_reinforced_at,
	access_count, version, state, deleted_at, content_hash, supersedes_id
FROM memory_items
`

func (s *Store) Search(ctx context.Context, filter storage.Filter) ([]storage.ScoredItem, error) {
	filter.Normalize()
	where, args := buildWhere(filter)

	q := selectStmt + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.E(errs.KindBackendTransient, "sqlstore: search: %v", err)
	}
	defer rows.Close()

	var out []storage.ScoredItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errs.E(errs.KindBackendTransient, "sqlstore: search scan: %v", err)
		}
		score := 0.0
		if filter.TextQuery != "" && containsFold(item.Content, filter.TextQuery) {
			score = 1.0
		}
		out = append(out, storage.ScoredItem{Item: item, Score: score})
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_items"+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, errs.E(errs.KindBackendTransient, "sqlstore: count: %v", err)
	}
	return n, nil
}

func buildWhere(filter storage.Filter) (string, []any) {
	var clauses []string
	var args []any

	if !filter.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.MinImportance > 0 {
		clauses = append(clauses, "importance >= ?")
		args = append(args, filter.MinImportance)
	}
	if filter.MinStrength > 0 {
		clauses = append(clauses, "strength >= ?")
		args = append(args, filter.MinStrength)
	}
	if !filter.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if !filter.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if filter.TextQuery != "" {
		clauses = append(clauses, "content LIKE ?")
		args = append(args, "%"+filter.TextQuery+"%")
	}
	if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",")
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", placeholders))
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*types.MemoryItem, error) {
	var (
		item                                        types.MemoryItem
		keywordsJSON, metadataJSON, tagsJSON         sql.NullString
		tier, state                                  string
		createdAt, updatedAt, lastAccessedAt         string
		lastDecayedAt, lastReinforcedAt, deletedAt    sql.NullString
	)

	err := row.Scan(
		&item.ID, &item.Content, &item.Summary, &keywordsJSON, &item.Source,
		&metadataJSON, &item.TenantID, &item.UserID, &tagsJSON,
		&item.Importance, &item.Facet, &item.EmbeddingModel,
		&item.EmbeddingDimension, &tier, &item.Strength,
		&item.ReinforcementLevel, &item.ReinforcementCount,
		&createdAt, &updatedAt, &lastAccessedAt, &lastDecayedAt,
		&lastReinforcedAt, &item.AccessCount, &item.Version, &state,
		&deletedAt, &item.ContentHash, &item.SupersedesID,
	)
	if err != nil {
		return nil, err
	}

	item.Tier = types.Tier(tier)
	item.State = types.ItemState(state)

	if keywordsJSON.Valid && keywordsJSON.String != "" {
		_ = json.Unmarshal([]byte(keywordsJSON.String), &item.Keywords)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &item.Metadata)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &item.Tags)
	}

	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	item.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessedAt)
	if lastDecayedAt.Valid && lastDecayedAt.String != "" {
		item.LastDecayedAt, _ = time.Parse(time.RFC3339Nano, lastDecayedAt.String)
	}
	if lastReinforcedAt.Valid && lastReinforcedAt.String != "" {
		item.LastReinforcedAt, _ = time.Parse(time.RFC3339Nano, lastReinforcedAt.String)
	}
	if deletedAt.Valid && deletedAt.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, deletedAt.String)
		if perr == nil {
			item.DeletedAt = &t
		}
	}

	return &item, nil
}

func marshalAux(item *types.MemoryItem) (metadataJSON, tagsJSON, keywordsJSON []byte, err error) {
	if item.Metadata != nil {
		metadataJSON, err = json.Marshal(item.Metadata)
		if err != nil {
			return nil, nil, nil, errs.E(errs.KindRejected, "sqlstore: marshal metadata: %v", err)
		}
	}
	if len(item.Tags) > 0 {
		tagsJSON, err = json.Marshal(item.Tags)
		if err != nil {
			return nil, nil, nil, errs.E(errs.KindRejected, "sqlstore: marshal tags: %v", err)
		}
	}
	if len(item.Keywords) > 0 {
		keywordsJSON, err = json.Marshal(item.Keywords)
		if err != nil {
			return nil, nil, nil, errs.E(errs.KindRejected, "sqlstore: marshal keywords: %v", err)
		}
	}
	return metadataJSON, tagsJSON, keywordsJSON, nil
}

func rowArgs(item *types.MemoryItem) ([]any, error) {
	metadataJSON, tagsJSON, keywordsJSON, err := marshalAux(item)
	if err != nil {
		return nil, err
	}
	var deletedAt any
	if item.DeletedAt != nil {
		deletedAt = item.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	return []any{
		item.ID, item.Content, item.Summary, keywordsJSON, item.Source,
		metadataJSON, item.TenantID, item.UserID, tagsJSON, item.Importance,
		item.Facet, item.EmbeddingModel, item.EmbeddingDimension,
		string(item.Tier), item.Strength, item.ReinforcementLevel,
		item.ReinforcementCount, item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.UpdatedAt.UTC().Format(time.RFC3339Nano),
		item.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		formatTime(item.LastDecayedAt), formatTime(item.LastReinforcedAt),
		item.AccessCount, item.Version, string(item.State), deletedAt,
		item.ContentHash, item.SupersedesID,
	}, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isRecoverableWALError reports whether err matches patterns caused by stale
// WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "database is locked")
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}
	return dsn
}

// isWALStale checks whether -shm/-wal files exist for dbPath and no other
// process currently holds them open (via lsof). Conservative: returns false
// (no deletion) if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlstore: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
