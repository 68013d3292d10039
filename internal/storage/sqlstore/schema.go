package sqlstore

// schema is created inline on Initialize rather than through a migration
// runner: the engine has no DB-migration-tooling surface, so the embedded-SQL
// backend owns its own schema the way the teacher's sqlite.MemoryStore did
// before migrations were layered on top of it.
const schema = `
CREATE TABLE IF NOT EXISTS memory_items (
	id                   TEXT PRIMARY KEY,
	content              TEXT NOT NULL,
	summary              TEXT NOT NULL DEFAULT '',
	keywords             TEXT,
	source               TEXT NOT NULL DEFAULT '',
	metadata             TEXT,
	tenant_id            TEXT NOT NULL DEFAULT '',
	user_id              TEXT NOT NULL DEFAULT '',
	tags                 TEXT,
	importance           REAL NOT NULL DEFAULT 0,
	facet                TEXT NOT NULL DEFAULT '',
	embedding_model      TEXT NOT NULL DEFAULT '',
	embedding_dimension  INTEGER NOT NULL DEFAULT 0,
	tier                 TEXT NOT NULL,
	strength             REAL NOT NULL DEFAULT 1,
	reinforcement_level  REAL NOT NULL DEFAULT 0,
	reinforcement_count  INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL,
	last_accessed_at     TEXT NOT NULL,
	last_decayed_at      TEXT,
	last_reinforced_at   TEXT,
	access_count         INTEGER NOT NULL DEFAULT 0,
	version              INTEGER NOT NULL DEFAULT 1,
	state                TEXT NOT NULL,
	deleted_at           TEXT,
	content_hash         TEXT NOT NULL DEFAULT '',
	supersedes_id        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_memory_items_tier ON memory_items(tier);
CREATE INDEX IF NOT EXISTS idx_memory_items_tenant_user ON memory_items(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_memory_items_content_hash ON memory_items(content_hash);
CREATE INDEX IF NOT EXISTS idx_memory_items_state ON memory_items(state);
CREATE INDEX IF NOT EXISTS idx_memory_items_created_at ON memory_items(created_at);
`
