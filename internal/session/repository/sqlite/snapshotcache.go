package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/session/models"
)

const (
	cacheStatePending = "pending"
	cacheStateReady   = "ready"
)

func scanCacheEntry(row interface{ Scan(...any) error }) (*models.SnapshotCacheEntry, error) {
	var e models.SnapshotCacheEntry
	var state string
	if err := row.Scan(&e.RepoURL, &e.CommitHash, &e.SnapshotID, &e.Provider, &e.SizeBytes, &e.RefCount, &state, &e.CreatedAt, &e.LastAccessAt); err != nil {
		return nil, err
	}
	return &e, nil
}

const cacheColumns = `repo_url, commit_hash, snapshot_id, provider, size_bytes, ref_count, state, created_at, last_access_at`

// ReserveEntry either returns the existing entry for key (incrementing its
// ref_count and touching last_access_at) or inserts a new pending row with
// ref_count=1, reporting which happened so the Snapshot Cache knows whether
// to run the provisioning closure.
func (r *Repository) ReserveEntry(ctx context.Context, key models.CacheKey) (*models.SnapshotCacheEntry, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, coreerr.TransientErr("begin reserve entry tx", err)
	}

	row := tx.QueryRowContext(ctx, tx.Rebind(`SELECT `+cacheColumns+` FROM snapshot_cache_entries WHERE repo_url = ? AND commit_hash = ?`), key.RepoURL, key.CommitHash)
	existing, err := scanCacheEntry(row)
	if err == nil {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE snapshot_cache_entries SET ref_count = ref_count + 1, last_access_at = ? WHERE repo_url = ? AND commit_hash = ?
		`), now, key.RepoURL, key.CommitHash); err != nil {
			_ = tx.Rollback()
			return nil, false, coreerr.TransientErr("increment ref count", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, coreerr.TransientErr("commit reserve entry tx", err)
		}
		existing.RefCount++
		existing.LastAccessAt = now
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		_ = tx.Rollback()
		return nil, false, coreerr.TransientErr("lookup cache entry", err)
	}

	now := time.Now().UTC()
	entry := &models.SnapshotCacheEntry{
		RepoURL: key.RepoURL, CommitHash: key.CommitHash,
		RefCount: 1, CreatedAt: now, LastAccessAt: now,
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO snapshot_cache_entries (repo_url, commit_hash, ref_count, state, created_at, last_access_at)
		VALUES (?, ?, 1, ?, ?, ?)
	`), key.RepoURL, key.CommitHash, cacheStatePending, now, now)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, coreerr.TransientErr("insert cache entry", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, coreerr.TransientErr("commit reserve entry tx", err)
	}
	return entry, true, nil
}

// CompleteEntry marks a pending reservation ready once the Provisioner's
// build closure succeeds.
func (r *Repository) CompleteEntry(ctx context.Context, key models.CacheKey, snapshotID, provider string, sizeBytes int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE snapshot_cache_entries SET snapshot_id = ?, provider = ?, size_bytes = ?, state = ?
		WHERE repo_url = ? AND commit_hash = ?
	`), snapshotID, provider, sizeBytes, cacheStateReady, key.RepoURL, key.CommitHash)
	if err != nil {
		return coreerr.TransientErr("complete cache entry", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return coreerr.NotFoundErr("snapshot cache entry", key.RepoURL+"@"+key.CommitHash)
	}
	return nil
}

// AbandonEntry removes a reservation whose build closure failed, releasing
// it for a future acquire to retry.
func (r *Repository) AbandonEntry(ctx context.Context, key models.CacheKey) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM snapshot_cache_entries WHERE repo_url = ? AND commit_hash = ?`), key.RepoURL, key.CommitHash)
	if err != nil {
		return coreerr.TransientErr("abandon cache entry", err)
	}
	return nil
}

// TouchEntry updates last_access_at on reuse without changing ref_count.
func (r *Repository) TouchEntry(ctx context.Context, key models.CacheKey) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE snapshot_cache_entries SET last_access_at = ? WHERE repo_url = ? AND commit_hash = ?
	`), time.Now().UTC(), key.RepoURL, key.CommitHash)
	if err != nil {
		return coreerr.TransientErr("touch cache entry", err)
	}
	return nil
}

// AdjustRefCount applies delta to an entry's ref_count and returns the
// resulting value. Used by release() to decrement toward eviction
// eligibility.
func (r *Repository) AdjustRefCount(ctx context.Context, key models.CacheKey, delta int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, coreerr.TransientErr("begin adjust ref count tx", err)
	}

	var refCount int
	err = tx.QueryRowContext(ctx, tx.Rebind(`SELECT ref_count FROM snapshot_cache_entries WHERE repo_url = ? AND commit_hash = ?`), key.RepoURL, key.CommitHash).Scan(&refCount)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return 0, coreerr.NotFoundErr("snapshot cache entry", key.RepoURL+"@"+key.CommitHash)
	}
	if err != nil {
		_ = tx.Rollback()
		return 0, coreerr.TransientErr("read ref count", err)
	}

	refCount += delta
	if refCount < 0 {
		refCount = 0
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE snapshot_cache_entries SET ref_count = ? WHERE repo_url = ? AND commit_hash = ?`), refCount, key.RepoURL, key.CommitHash); err != nil {
		_ = tx.Rollback()
		return 0, coreerr.TransientErr("write ref count", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, coreerr.TransientErr("commit adjust ref count tx", err)
	}
	return refCount, nil
}

// EvictEntry deletes an entry's metadata row. The caller is responsible for
// invoking the Provider to release the underlying storage first.
func (r *Repository) EvictEntry(ctx context.Context, key models.CacheKey) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM snapshot_cache_entries WHERE repo_url = ? AND commit_hash = ?`), key.RepoURL, key.CommitHash)
	if err != nil {
		return coreerr.TransientErr("evict cache entry", err)
	}
	return nil
}

// ListEvictionCandidates returns ready, ref_count=0 entries ordered per the
// tie-break rule in spec section 4.2: ascending last_access_at, then
// ascending size_bytes, then ascending created_at. When repoURL is empty,
// candidates across all repositories are returned (used for global-quota
// eviction); otherwise only that repository's entries are returned (used
// for per-repo sub-quota eviction).
func (r *Repository) ListEvictionCandidates(ctx context.Context, repoURL string) ([]*models.SnapshotCacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM snapshot_cache_entries WHERE ref_count = 0 AND state = ?`
	args := []any{cacheStateReady}
	if repoURL != "" {
		query += ` AND repo_url = ?`
		args = append(args, repoURL)
	}
	query += ` ORDER BY last_access_at ASC, size_bytes ASC, created_at ASC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, coreerr.TransientErr("list eviction candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.SnapshotCacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, coreerr.TransientErr("scan cache entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumResidentBytes returns the sum of size_bytes across every resident
// (ready) entry, and the sum for repoURL alone, for quota-invariant checks.
func (r *Repository) SumResidentBytes(ctx context.Context, repoURL string) (int64, int64, error) {
	var global sql.NullInt64
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT SUM(size_bytes) FROM snapshot_cache_entries WHERE state = ?`), cacheStateReady).Scan(&global); err != nil {
		return 0, 0, coreerr.TransientErr("sum global resident bytes", err)
	}
	var perRepo sql.NullInt64
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT SUM(size_bytes) FROM snapshot_cache_entries WHERE state = ? AND repo_url = ?`), cacheStateReady, repoURL).Scan(&perRepo); err != nil {
		return 0, 0, coreerr.TransientErr("sum per-repo resident bytes", err)
	}
	return global.Int64, perRepo.Int64, nil
}
