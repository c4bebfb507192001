package snapshotcache

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// BtrfsProvider snapshots via `btrfs subvolume snapshot`: Create copies
// sourceDir into a new subvolume with "cp -a" and keeps a read-only snapshot
// of it, and every Mount is a native copy-on-write snapshot of that with no
// userspace copy.
type BtrfsProvider struct {
	root string // directory containing the btrfs filesystem, e.g. "/var/lib/sessiond/btrfs"
}

// NewBtrfsProvider returns a BtrfsProvider rooted at a btrfs-backed directory.
func NewBtrfsProvider(root string) *BtrfsProvider {
	return &BtrfsProvider{root: root}
}

func (p *BtrfsProvider) Name() string { return "btrfs" }

func (p *BtrfsProvider) Available(ctx context.Context) bool {
	if _, err := exec.LookPath("btrfs"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "btrfs", "subvolume", "show", p.root).Run() == nil
}

func (p *BtrfsProvider) subvolPath(id string) string { return filepath.Join(p.root, id) }

func (p *BtrfsProvider) Create(ctx context.Context, sourceDir string) (string, int64, error) {
	id := uuid.New().String()
	dest := p.subvolPath(id)

	if out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "create", dest).CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "btrfs subvolume create failed: "+string(out), err)
	}
	if out, err := exec.CommandContext(ctx, "cp", "-a", sourceDir+"/.", dest).CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "btrfs subvolume populate failed: "+string(out), err)
	}
	// Re-snapshot read-only so the base subvolume can't drift after Create
	// returns, matching the cache's "immutable snapshot" invariant.
	roID := id + "-ro"
	if out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "snapshot", "-r", dest, p.subvolPath(roID)).CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "btrfs readonly snapshot failed: "+string(out), err)
	}
	_ = exec.CommandContext(ctx, "btrfs", "subvolume", "delete", dest).Run()

	size, err := dirSize(p.subvolPath(roID))
	if err != nil {
		return "", 0, coreerr.InternalErr("measure btrfs snapshot size", err)
	}
	return roID, size, nil
}

func (p *BtrfsProvider) Mount(ctx context.Context, snapshotID string) (string, error) {
	clone := snapshotID + "-clone-" + uuid.New().String()[:8]
	dest := p.subvolPath(clone)
	if out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "snapshot", p.subvolPath(snapshotID), dest).CombinedOutput(); err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "btrfs clone snapshot failed: "+string(out), err)
	}
	return dest, nil
}

func (p *BtrfsProvider) Release(ctx context.Context, snapshotID string) error {
	if out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "delete", p.subvolPath(snapshotID)).CombinedOutput(); err != nil {
		return coreerr.Wrap(coreerr.Internal, "btrfs subvolume delete failed: "+string(out), err)
	}
	return nil
}
