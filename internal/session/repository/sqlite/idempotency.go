package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/session/models"
)

// isUniqueViolation recognizes the two drivers' unique-constraint error
// text; neither mattn/go-sqlite3 nor pgx exposes a portable sentinel error
// for this, so both fall back to the errcodes' known message shape.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// GetIdempotencyRecord returns the record stored for key, or NotFound if no
// createTask call has used it yet (or its record has since been purged).
func (r *Repository) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT key, request_hash, session_id, created_at, expires_at FROM idempotency_records WHERE key = ?
	`), key)
	err := row.Scan(&rec.Key, &rec.RequestHash, &rec.SessionID, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFoundErr("idempotency record", key)
	}
	if err != nil {
		return nil, coreerr.TransientErr("get idempotency record", err)
	}
	return &rec, nil
}

// InsertIdempotencyRecord stores a new record for a createTask call. A
// duplicate key is surfaced as coreerr.IdempotencyConflict so the caller can
// distinguish "same key, different body" from a transient storage error.
func (r *Repository) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO idempotency_records (key, request_hash, session_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`), rec.Key, rec.RequestHash, rec.SessionID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return coreerr.Wrap(coreerr.IdempotencyConflict, "idempotency key already in use", err)
		}
		return coreerr.TransientErr("insert idempotency record", err)
	}
	return nil
}

// PurgeExpiredIdempotencyRecords deletes every record whose expiry has
// passed and returns how many rows were removed.
func (r *Repository) PurgeExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM idempotency_records WHERE expires_at <= ?`), time.Now().UTC())
	if err != nil {
		return 0, coreerr.TransientErr("purge idempotency records", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
