// Package repository defines the narrow, transactional persistence contract
// the rest of the session orchestration core depends on.
package repository

import (
	"context"

	"github.com/kandev/sessiond/internal/session/models"
)

// SessionFilters narrows a ListSessions query. Zero values are unfiltered.
type SessionFilters struct {
	TenantID  string
	ProjectID string
	Status    models.Status
}

// Pagination is the page/perPage request shape used throughout the core's
// list operations; Page is 1-indexed.
type Pagination struct {
	Page    int
	PerPage int
}

// PageResult carries a page of results plus the total row count so an
// adapter can compute nextPage.
type PageResult[T any] struct {
	Items []T
	Total int
}

// Repository is the Repository Layer's full contract: durable, transactional
// persistence for Sessions, Events, Snapshot-Cache metadata, Drafts,
// Repositories, and idempotency records. Implementations surface a missing
// row as coreerr.NotFound, a failed status compare-and-set as
// coreerr.ConflictingState and a duplicate idempotency key as
// coreerr.IdempotencyConflict; every other backend error, constraint
// violations included, is surfaced as coreerr.Transient.
type Repository interface {
	// Session operations.
	InsertSession(ctx context.Context, s *models.Session) error
	// UpdateSessionStatus performs a compare-and-set on the current status,
	// rejecting the call with coreerr.ConflictingState if the persisted
	// status is not `from`. On success it also stamps UpdatedAt and,
	// depending on `to`, StartedAt/EndedAt.
	UpdateSessionStatus(ctx context.Context, id string, from, to models.Status, errorKind, errorDetail string) error
	// UpdateSessionWorkspace records the Provisioner's result on a Session
	// still in `provisioning`.
	UpdateSessionWorkspace(ctx context.Context, id string, workspace models.Workspace, resolvedCommit string) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filters SessionFilters, page Pagination) (PageResult[*models.Session], error)

	// Event operations. AppendEvent allocates Sequence atomically with the
	// insert so concurrent appends for the same session are totally
	// ordered.
	AppendEvent(ctx context.Context, event *models.Event) error
	ListEvents(ctx context.Context, sessionID string, fromSequence int64, limit int) ([]*models.Event, error)
	RecentEvents(ctx context.Context, sessionID string, n int) ([]*models.Event, error)
	LatestSequence(ctx context.Context, sessionID string) (int64, error)

	// Snapshot-cache operations.
	ReserveEntry(ctx context.Context, key models.CacheKey) (entry *models.SnapshotCacheEntry, created bool, err error)
	CompleteEntry(ctx context.Context, key models.CacheKey, snapshotID, provider string, sizeBytes int64) error
	AbandonEntry(ctx context.Context, key models.CacheKey) error
	TouchEntry(ctx context.Context, key models.CacheKey) error
	AdjustRefCount(ctx context.Context, key models.CacheKey, delta int) (refCount int, err error)
	EvictEntry(ctx context.Context, key models.CacheKey) error
	ListEvictionCandidates(ctx context.Context, repoURL string) ([]*models.SnapshotCacheEntry, error)
	SumResidentBytes(ctx context.Context, repoURL string) (global, perRepo int64, err error)

	// Draft operations.
	CreateDraft(ctx context.Context, d *models.Draft) error
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
	UpdateDraft(ctx context.Context, d *models.Draft) error
	DeleteDraft(ctx context.Context, id string) error
	ListDrafts(ctx context.Context, ownerScope string) ([]*models.Draft, error)

	// Repository-index operations.
	UpsertRepositoryIndex(ctx context.Context, r *models.RepositoryIndex) error
	GetRepositoryIndex(ctx context.Context, id string) (*models.RepositoryIndex, error)
	ListRepositoryIndex(ctx context.Context) ([]*models.RepositoryIndex, error)
	TouchRepositoryIndexByURL(ctx context.Context, remoteURL string) error

	// Idempotency-key operations.
	GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error
	PurgeExpiredIdempotencyRecords(ctx context.Context) (int64, error)

	Close() error
}
