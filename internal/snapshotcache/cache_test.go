package snapshotcache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
)

// fakeRepo is an in-memory stand-in for repository.Repository covering only
// the snapshot-cache methods Cache actually calls.
type fakeRepo struct {
	repository.Repository

	mu      sync.Mutex
	entries map[models.CacheKey]*models.SnapshotCacheEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[models.CacheKey]*models.SnapshotCacheEntry)}
}

func (r *fakeRepo) ReserveEntry(ctx context.Context, key models.CacheKey) (*models.SnapshotCacheEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.RefCount++
		return e, false, nil
	}
	e := &models.SnapshotCacheEntry{RepoURL: key.RepoURL, CommitHash: key.CommitHash, RefCount: 1}
	r.entries[key] = e
	return e, true, nil
}

func (r *fakeRepo) CompleteEntry(ctx context.Context, key models.CacheKey, snapshotID, provider string, sizeBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return coreerr.NotFoundErr("snapshot_cache_entry", snapshotID)
	}
	e.SnapshotID = snapshotID
	e.Provider = provider
	e.SizeBytes = sizeBytes
	return nil
}

func (r *fakeRepo) AbandonEntry(ctx context.Context, key models.CacheKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.SnapshotID == "" {
		delete(r.entries, key)
	}
	return nil
}

func (r *fakeRepo) TouchEntry(ctx context.Context, key models.CacheKey) error { return nil }

func (r *fakeRepo) AdjustRefCount(ctx context.Context, key models.CacheKey, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return 0, nil
	}
	e.RefCount += delta
	return e.RefCount, nil
}

func (r *fakeRepo) EvictEntry(ctx context.Context, key models.CacheKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *fakeRepo) ListEvictionCandidates(ctx context.Context, repoURL string) ([]*models.SnapshotCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SnapshotCacheEntry
	for k, e := range r.entries {
		if e.RefCount > 0 {
			continue
		}
		if repoURL != "" && k.RepoURL != repoURL {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *fakeRepo) SumResidentBytes(ctx context.Context, repoURL string) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var global, perRepo int64
	for k, e := range r.entries {
		global += e.SizeBytes
		if k.RepoURL == repoURL {
			perRepo += e.SizeBytes
		}
	}
	return global, perRepo, nil
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeRepo) {
	repo := newFakeRepo()
	registry := NewRegistry(NewCopyProvider(t.TempDir()))
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	cfg.BasePath = t.TempDir()
	return New(repo, registry, cfg, log), repo
}

func TestAcquire_ConcurrentCallersShareOneProvision(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	var calls int32
	var mu sync.Mutex
	provision := func(ctx context.Context, dir string) (string, string, int64, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "snap-1", "copy", 100, nil
	}

	const n = 20
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), "repo-a", "deadbeef", provision)
			handles[i] = h
			errs[i] = err
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls, "provision should run exactly once for a shared key")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, handles[i])
		assert.Equal(t, "snap-1", handles[i].SnapshotID)
	}

	for i := 0; i < n; i++ {
		require.NoError(t, c.Release(context.Background(), handles[i]))
	}
}

func TestAcquire_DistinctKeysProvisionIndependently(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	h1, err := c.Acquire(context.Background(), "repo-a", "commit-1", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-a", "copy", 10, nil
	})
	require.NoError(t, err)

	h2, err := c.Acquire(context.Background(), "repo-a", "commit-2", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-b", "copy", 10, nil
	})
	require.NoError(t, err)

	assert.NotEqual(t, h1.SnapshotID, h2.SnapshotID)
}

func TestMakeRoom_EvictsLeastRecentlyUsedUnreferencedEntry(t *testing.T) {
	c, repo := newTestCache(t, Config{GlobalQuotaBytes: 150})

	h1, err := c.Acquire(context.Background(), "repo-a", "commit-1", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-1", "copy", 100, nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Release(context.Background(), h1))

	_, err = c.Acquire(context.Background(), "repo-b", "commit-2", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-2", "copy", 100, nil
	})
	require.NoError(t, err)

	repo.mu.Lock()
	_, stillPresent := repo.entries[models.CacheKey{RepoURL: "repo-a", CommitHash: "commit-1"}]
	repo.mu.Unlock()
	assert.False(t, stillPresent, "the only unreferenced entry should have been evicted to make room")
}

func TestMakeRoom_RefCountedEntriesAreNotEvicted(t *testing.T) {
	c, _ := newTestCache(t, Config{GlobalQuotaBytes: 150})

	h1, err := c.Acquire(context.Background(), "repo-a", "commit-1", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-1", "copy", 100, nil
	})
	require.NoError(t, err)
	// h1 is never released, so commit-1's entry keeps a positive ref count
	// and is ineligible for eviction; the second admission has nothing to
	// evict and must fail with Capacity.
	defer func() { _ = c.Release(context.Background(), h1) }()

	_, err = c.Acquire(context.Background(), "repo-b", "commit-2", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-2", "copy", 100, nil
	})
	require.Error(t, err)
	assert.Equal(t, coreerr.Capacity, coreerr.KindOf(err))
}

func TestAcquire_ProvisionFailureAbandonsEntry(t *testing.T) {
	c, repo := newTestCache(t, Config{})

	_, err := c.Acquire(context.Background(), "repo-a", "commit-1", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "", "", 0, assert.AnError
	})
	require.Error(t, err)

	repo.mu.Lock()
	_, present := repo.entries[models.CacheKey{RepoURL: "repo-a", CommitHash: "commit-1"}]
	repo.mu.Unlock()
	assert.False(t, present, "a failed provision must not leave a dangling entry")
}

func TestRelease_NilAndDoubleReleaseAreNoops(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	assert.NoError(t, c.Release(context.Background(), nil))

	h, err := c.Acquire(context.Background(), "repo-a", "commit-1", func(ctx context.Context, dir string) (string, string, int64, error) {
		return "snap-1", "copy", 10, nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Release(context.Background(), h))
	require.NoError(t, c.Release(context.Background(), h))
}
