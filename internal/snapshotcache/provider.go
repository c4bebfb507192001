// Package snapshotcache is the Snapshot Cache described in spec section
// 4.2: a global, bounded store mapping (repoUrl, commitHash) to a snapshot
// handle, evicted by LRU under a disk-bytes quota, with single-flight
// admission so at most one provisioning runs per key at a time.
package snapshotcache

import "context"

// Provider is the capability set design note "Polymorphic snapshot
// providers" asks for: {create, mount, release, sizeBytes}. The Cache
// depends only on this interface, never on a concrete provider, so new
// backends (zfs, btrfs, overlay, copy, a container-backed variant) plug in
// without touching eviction or admission logic.
type Provider interface {
	// Name identifies this provider in SnapshotCacheEntry.Provider and in a
	// Session's Workspace.SnapshotProvider field.
	Name() string
	// Available reports whether this provider's backing tooling is usable
	// on this host (e.g. the zfs/btrfs binary is on PATH, or the Docker
	// daemon is reachable). The Provisioner walks its preference list and
	// uses the first available provider.
	Available(ctx context.Context) bool
	// Create materializes an immutable snapshot from sourceDir's contents
	// and returns an opaque snapshot id plus its size on disk.
	Create(ctx context.Context, sourceDir string) (snapshotID string, sizeBytes int64, err error)
	// Mount makes a previously created snapshot available at a filesystem
	// path suitable for the agent's working directory. Implementations may
	// mount the same snapshot read-write into distinct paths per call (copy-
	// on-write) so multiple Sessions can lease one cache entry concurrently.
	Mount(ctx context.Context, snapshotID string) (mountPath string, err error)
	// Release frees the underlying storage for a snapshot. Called by the
	// Cache exactly once, when the entry is evicted.
	Release(ctx context.Context, snapshotID string) error
}

// Registry resolves a provider by name and applies the Provisioner's
// preference-list selection.
type Registry struct {
	byName map[string]Provider
	order  []string
}

// NewRegistry builds a Registry from providers in preference order; later
// duplicates of the same Name overwrite earlier ones.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.byName[p.Name()]; !exists {
			r.order = append(r.order, p.Name())
		}
		r.byName[p.Name()] = p
	}
	return r
}

// Get resolves a provider by name, used by the Cache to Release an evicted
// entry's storage.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// FirstAvailable returns the first provider in preference (falling back to
// registration order if preference is empty) that reports Available.
func (r *Registry) FirstAvailable(ctx context.Context, preference []string) (Provider, error) {
	candidates := preference
	if len(candidates) == 0 {
		candidates = r.order
	}
	for _, name := range candidates {
		p, ok := r.byName[name]
		if !ok {
			continue
		}
		if p.Available(ctx) {
			return p, nil
		}
	}
	return nil, errNoProvider
}
