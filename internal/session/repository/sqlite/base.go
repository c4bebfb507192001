// Package sqlite provides the SQL-backed Repository Layer implementation,
// built on sqlx so the same query text runs unchanged against SQLite (via
// mattn/go-sqlite3) or PostgreSQL (via jackc/pgx's database/sql driver),
// with the internal/db/dialect package bridging the few fragments that
// differ between the two.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed storage for Sessions, Events, Snapshot
// Cache metadata, Drafts, and the Repository Index. db is the single writer
// connection; ro is a separate (possibly pooled, possibly read-only) reader
// connection, mirroring the rest of the core's writer/reader split.
type Repository struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	ownsDB bool
}

// NewWithDB wraps existing writer/reader *sql.DB connections (shared
// ownership with the rest of the process).
func NewWithDB(writer, reader *sql.DB, driverName string) (*Repository, error) {
	return newRepository(sqlx.NewDb(writer, driverName), sqlx.NewDb(reader, driverName), false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections this Repository owns.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return err
	}
	return r.ro.Close()
}

func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initSnapshotCacheSchema(); err != nil {
		return err
	}
	if err := r.initCatalogSchema(); err != nil {
		return err
	}
	return r.initIdempotencySchema()
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '{}',
		attachments TEXT NOT NULL DEFAULT '[]',
		agent_type TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		agent_settings TEXT NOT NULL DEFAULT '{}',
		runtime_type TEXT NOT NULL DEFAULT 'local',
		devcontainer_path TEXT NOT NULL DEFAULT '',
		runtime_cpu REAL NOT NULL DEFAULT 0,
		runtime_memory_mib INTEGER NOT NULL DEFAULT 0,
		repo_mode TEXT NOT NULL DEFAULT 'none',
		repo_url TEXT NOT NULL DEFAULT '',
		repo_branch TEXT NOT NULL DEFAULT '',
		repo_commit TEXT NOT NULL DEFAULT '',
		snapshot_provider TEXT NOT NULL DEFAULT '',
		mount_path TEXT NOT NULL DEFAULT '',
		execution_host_id TEXT NOT NULL DEFAULT '',
		snapshot_id TEXT NOT NULL DEFAULT '',
		delivery_mode TEXT NOT NULL DEFAULT 'pr',
		delivery_target_branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		error_kind TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		cleanup_requested INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id, project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		ts TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		tool_execution_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_session_events_tool_exec ON session_events(session_id, tool_execution_id);
	`)
	return err
}

func (r *Repository) initSnapshotCacheSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS snapshot_cache_entries (
		repo_url TEXT NOT NULL,
		commit_hash TEXT NOT NULL,
		snapshot_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		ref_count INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		last_access_at TIMESTAMP NOT NULL,
		PRIMARY KEY (repo_url, commit_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_eviction ON snapshot_cache_entries(repo_url, ref_count, last_access_at, size_bytes);
	`)
	return err
}

func (r *Repository) initCatalogSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		owner_scope TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		repo TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL DEFAULT '',
		runtime TEXT NOT NULL DEFAULT '',
		delivery TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_drafts_owner_scope ON drafts(owner_scope);

	CREATE TABLE IF NOT EXISTS repository_index (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		scm_provider TEXT NOT NULL DEFAULT '',
		remote_url TEXT NOT NULL UNIQUE,
		default_branch TEXT NOT NULL DEFAULT '',
		last_used_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initIdempotencySchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency_records(expires_at);
	`)
	return err
}
