package snapshotcache

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// ZFSProvider snapshots via `zfs snapshot`/`zfs clone` on a pre-existing
// dataset root (e.g. "tank/sessiond"). Create expects sourceDir to already
// be the dataset's mountpoint, populated by the caller before invoking it;
// this mirrors how worktree.Manager treats a git checkout as already
// materialized before handing it to a snapshot step.
type ZFSProvider struct {
	pool string // dataset root, e.g. "tank/sessiond"
}

// NewZFSProvider returns a ZFSProvider rooted at the given ZFS dataset.
func NewZFSProvider(pool string) *ZFSProvider {
	return &ZFSProvider{pool: pool}
}

func (p *ZFSProvider) Name() string { return "zfs" }

func (p *ZFSProvider) Available(ctx context.Context) bool {
	if _, err := exec.LookPath("zfs"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "zfs", "list", p.pool).Run() == nil
}

func (p *ZFSProvider) dataset(id string) string { return p.pool + "/" + id }

func (p *ZFSProvider) Create(ctx context.Context, sourceDir string) (string, int64, error) {
	id := uuid.New().String()
	ds := p.dataset(id)

	if out, err := exec.CommandContext(ctx, "zfs", "create", ds).CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "zfs create failed: "+string(out), err)
	}
	mountpoint, err := p.mountpoint(ctx, ds)
	if err != nil {
		return "", 0, err
	}
	if out, err := exec.CommandContext(ctx, "cp", "-a", sourceDir+"/.", mountpoint).CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "zfs dataset populate failed: "+string(out), err)
	}
	if out, err := exec.CommandContext(ctx, "zfs", "snapshot", ds+"@base").CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "zfs snapshot failed: "+string(out), err)
	}

	size, err := p.usedBytes(ctx, ds)
	if err != nil {
		return "", 0, err
	}
	return id, size, nil
}

func (p *ZFSProvider) Mount(ctx context.Context, snapshotID string) (string, error) {
	ds := p.dataset(snapshotID)
	clone := ds + "-clone-" + uuid.New().String()[:8]
	if out, err := exec.CommandContext(ctx, "zfs", "clone", ds+"@base", clone).CombinedOutput(); err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "zfs clone failed: "+string(out), err)
	}
	return p.mountpoint(ctx, clone)
}

func (p *ZFSProvider) Release(ctx context.Context, snapshotID string) error {
	ds := p.dataset(snapshotID)
	// Destroy clones first (dependents), then the base snapshot and dataset.
	_ = exec.CommandContext(ctx, "zfs", "destroy", "-R", ds).Run()
	return nil
}

func (p *ZFSProvider) mountpoint(ctx context.Context, dataset string) (string, error) {
	out, err := exec.CommandContext(ctx, "zfs", "get", "-H", "-o", "value", "mountpoint", dataset).Output()
	if err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "zfs get mountpoint failed", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *ZFSProvider) usedBytes(ctx context.Context, dataset string) (int64, error) {
	out, err := exec.CommandContext(ctx, "zfs", "get", "-H", "-p", "-o", "value", "used", dataset).Output()
	if err != nil {
		return 0, coreerr.Wrap(coreerr.ProvisioningFailed, "zfs get used failed", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, coreerr.InternalErr("parse zfs used bytes", err)
	}
	return n, nil
}
