package models

import "time"

// SnapshotCacheEntry is the Snapshot Cache's persisted metadata for a
// (repoUrl, commitHash) key. RefCount is owned exclusively by the Snapshot
// Cache; every other holder only leases a reference to it.
type SnapshotCacheEntry struct {
	RepoURL      string    `json:"repo_url"`
	CommitHash   string    `json:"commit_hash"`
	SnapshotID   string    `json:"snapshot_id"`
	Provider     string    `json:"provider"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
	RefCount     int       `json:"ref_count"`
}

// Key returns the cache key this entry is stored under.
func (e *SnapshotCacheEntry) Key() CacheKey {
	return CacheKey{RepoURL: e.RepoURL, CommitHash: e.CommitHash}
}

// CacheKey identifies a Snapshot Cache entry.
type CacheKey struct {
	RepoURL    string
	CommitHash string
}

// Draft is a saved, never-executed task configuration. Drafts participate
// only in the request-building UIs; deletion is a hard delete.
type Draft struct {
	ID        string        `json:"id"`
	OwnerScope string       `json:"owner_scope,omitempty"`
	Prompt    string        `json:"prompt,omitempty"`
	Repo      *RepoSpec     `json:"repo,omitempty"`
	Agent     *AgentSpec    `json:"agent,omitempty"`
	Runtime   *RuntimeSpec  `json:"runtime,omitempty"`
	Delivery  *DeliverySpec `json:"delivery,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RepositoryIndex is a minimal repository entry used by the external
// request-building UIs to populate a repository picker. It is mutated on
// successful task creation referencing its URL, or by explicit imports.
type RepositoryIndex struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	ScmProvider   string    `json:"scm_provider"`
	RemoteURL     string    `json:"remote_url"`
	DefaultBranch string    `json:"default_branch"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// IdempotencyRecord remembers a createTask call keyed by its caller-supplied
// Idempotency-Key so a retried request with the same key and body returns
// the same Session id instead of scheduling duplicate work.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"request_hash"`
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
