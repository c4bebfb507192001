package snapshotcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
	"go.uber.org/zap"
)

var errNoProvider = coreerr.New(coreerr.NoProvider, "no snapshot provider is available")

// Handle is what Acquire returns: the resolved snapshot plus the lease that
// must be released exactly once.
type Handle struct {
	Key        models.CacheKey
	SnapshotID string
	Provider   string
	SizeBytes  int64
	released   bool
}

// ProvisionFunc performs the actual checkout+build into dir and returns the
// resulting snapshot's identity. It runs at most once per key at a time
// (single-flight); concurrent Acquire calls for the same key share its
// result instead of re-running it.
type ProvisionFunc func(ctx context.Context, dir string) (snapshotID, provider string, sizeBytes int64, err error)

// Cache is the global, bounded Snapshot Cache of spec section 4.2.
type Cache struct {
	repo         repository.Repository
	providers    *Registry
	globalQuota  int64 // Q_global; <=0 means unbounded
	perRepoQuota int64 // <=0 means no per-repo override
	basePath     string

	sf      singleflight.Group
	quotaMu sync.Mutex // serializes the quota check + evict loop (component 4.2's "single coordinator")
	log     *logger.Logger
}

// Config configures quota limits and the scratch directory Acquire hands to
// provision closures.
type Config struct {
	GlobalQuotaBytes  int64
	PerRepoQuotaBytes int64
	BasePath          string
}

// New constructs a Cache backed by repo for metadata and providers for
// eviction release.
func New(repo repository.Repository, providers *Registry, cfg Config, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Default()
	}
	return &Cache{
		repo:         repo,
		providers:    providers,
		globalQuota:  cfg.GlobalQuotaBytes,
		perRepoQuota: cfg.PerRepoQuotaBytes,
		basePath:     cfg.BasePath,
		log:          log.WithFields(zap.String("component", "snapshot-cache")),
	}
}

// Acquire returns a leased Handle for (repoURL, commitHash). If no resident
// entry exists, the caller that wins admission runs provision; every other
// concurrent caller for the same key waits and shares the result. Each
// caller — winner and waiters alike — receives its own ref-counted lease
// and must Release it exactly once.
func (c *Cache) Acquire(ctx context.Context, repoURL, commitHash string, provision ProvisionFunc) (*Handle, error) {
	key := models.CacheKey{RepoURL: repoURL, CommitHash: commitHash}
	sfKey := repoURL + "@" + commitHash

	_, err, _ := c.sf.Do(sfKey, func() (interface{}, error) {
		return nil, c.ensureBuilt(ctx, key, provision)
	})
	if err != nil {
		return nil, err
	}

	entry, _, err := c.repo.ReserveEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.SnapshotID == "" {
		// The build we just waited on was abandoned (and its row deleted)
		// between singleflight returning and this reservation landing; the
		// caller should retry the whole Acquire.
		_, _ = c.repo.AdjustRefCount(ctx, key, -1)
		return nil, coreerr.TransientErr("snapshot reservation vanished before lease", nil)
	}

	return &Handle{Key: key, SnapshotID: entry.SnapshotID, Provider: entry.Provider, SizeBytes: entry.SizeBytes}, nil
}

// ensureBuilt is the single-flight body: it takes a throwaway reservation
// only to learn whether a resident entry already exists, builds one if not,
// and always gives the throwaway ref back — the real lease is taken
// separately by every caller in Acquire, including this goroutine.
func (c *Cache) ensureBuilt(ctx context.Context, key models.CacheKey, provision ProvisionFunc) error {
	entry, created, err := c.repo.ReserveEntry(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _, _ = c.repo.AdjustRefCount(ctx, key, -1) }()

	if !created && entry.SnapshotID != "" {
		_ = c.repo.TouchEntry(ctx, key)
		return nil
	}

	dir, cleanup, err := c.scratchDir(key)
	if err != nil {
		_ = c.repo.AbandonEntry(ctx, key)
		return err
	}
	defer cleanup()

	snapshotID, providerName, sizeBytes, err := provision(ctx, dir)
	if err != nil {
		_ = c.repo.AbandonEntry(ctx, key)
		return coreerr.Wrap(coreerr.ProvisioningFailed, "provisioning closure failed", err)
	}

	if err := c.makeRoom(ctx, key, sizeBytes); err != nil {
		_ = c.repo.AbandonEntry(ctx, key)
		return err
	}

	if err := c.repo.CompleteEntry(ctx, key, snapshotID, providerName, sizeBytes); err != nil {
		_ = c.repo.AbandonEntry(ctx, key)
		return err
	}
	return nil
}

// Release decrements the lease's ref count. Once it reaches zero the entry
// becomes eviction-eligible; Release does not evict synchronously, eviction
// happens lazily the next time a new entry needs room.
func (c *Cache) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	_, err := c.repo.AdjustRefCount(ctx, h.Key, -1)
	return err
}

// makeRoom evicts ineligible-for-retention... eligible, ref_count==0
// entries in ascending lastAccessAt order (tie-break ascending sizeBytes,
// then ascending insertion time — ListEvictionCandidates already orders
// this way) until adding size bytes for key would no longer exceed the
// global or per-repo quota. The whole check+evict loop is serialized on
// quotaMu so concurrent admissions can't jointly overshoot the quota.
func (c *Cache) makeRoom(ctx context.Context, key models.CacheKey, size int64) error {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()

	for {
		global, perRepo, err := c.repo.SumResidentBytes(ctx, key.RepoURL)
		if err != nil {
			return err
		}
		needRepo := c.perRepoQuota > 0 && perRepo+size > c.perRepoQuota
		needGlobal := c.globalQuota > 0 && global+size > c.globalQuota
		if !needRepo && !needGlobal {
			return nil
		}

		scope := ""
		if needRepo {
			scope = key.RepoURL
		}
		candidates, err := c.repo.ListEvictionCandidates(ctx, scope)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return coreerr.New(coreerr.Capacity, "snapshot cache cannot make room: no eviction-eligible entries")
		}

		if err := c.evict(ctx, candidates[0]); err != nil {
			return err
		}
	}
}

func (c *Cache) evict(ctx context.Context, entry *models.SnapshotCacheEntry) error {
	if p, ok := c.providers.Get(entry.Provider); ok {
		if err := p.Release(ctx, entry.SnapshotID); err != nil {
			c.log.Warn("provider release failed during eviction",
				zap.String("repo_url", entry.RepoURL), zap.String("commit_hash", entry.CommitHash),
				zap.String("provider", entry.Provider), zap.Error(err))
		}
	}
	if err := c.repo.EvictEntry(ctx, entry.Key()); err != nil {
		return err
	}
	c.log.Info("evicted snapshot cache entry",
		zap.String("repo_url", entry.RepoURL), zap.String("commit_hash", entry.CommitHash),
		zap.Int64("size_bytes", entry.SizeBytes))
	return nil
}

// scratchDir returns a fresh working directory for a provision closure and
// a cleanup func that removes it. Providers that want to retain the build
// output copy it into their own storage inside Create; the scratch dir
// itself is always discarded after Acquire.
func (c *Cache) scratchDir(key models.CacheKey) (string, func(), error) {
	base := c.basePath
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "scratch", sanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, coreerr.InternalErr("create scratch dir", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func sanitizeKey(key models.CacheKey) string {
	h := fmt.Sprintf("%x", simpleHash(key.RepoURL+"@"+key.CommitHash))
	return h
}

// simpleHash is a small FNV-1a implementation so scratchDir names don't
// depend on crypto hashes for a purely local, collision-tolerant directory
// name (a collision only causes two builds to share a scratch dir, which is
// harmless since only one runs per key at a time).
func simpleHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
