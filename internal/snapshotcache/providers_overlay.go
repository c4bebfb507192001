package snapshotcache

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// OverlayProvider materializes snapshots as overlayfs lower layers: Create
// copies sourceDir once into a read-only lower dir, and each Mount overlays
// a fresh, independent upper/work dir on top so multiple leases of the same
// snapshot get copy-on-write isolation without re-copying the lower data.
// Linux-only; Available reports false elsewhere so the Provisioner's
// preference list falls through to CopyProvider.
type OverlayProvider struct {
	basePath string
}

// NewOverlayProvider returns an OverlayProvider rooted at basePath.
func NewOverlayProvider(basePath string) *OverlayProvider {
	return &OverlayProvider{basePath: basePath}
}

func (p *OverlayProvider) Name() string { return "overlay" }

func (p *OverlayProvider) Available(ctx context.Context) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	if _, err := exec.LookPath("mount"); err != nil {
		return false
	}
	return true
}

func (p *OverlayProvider) Create(ctx context.Context, sourceDir string) (string, int64, error) {
	id := uuid.New().String()
	lower := p.lowerDir(id)
	if err := os.MkdirAll(filepath.Dir(lower), 0o755); err != nil {
		return "", 0, coreerr.InternalErr("create overlay lower parent dir", err)
	}
	cmd := exec.CommandContext(ctx, "cp", "-a", sourceDir, lower)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "overlay lower copy failed: "+string(out), err)
	}
	size, err := dirSize(lower)
	if err != nil {
		return "", 0, coreerr.InternalErr("measure overlay lower size", err)
	}
	return id, size, nil
}

func (p *OverlayProvider) Mount(ctx context.Context, snapshotID string) (string, error) {
	leaseID := uuid.New().String()
	upper := filepath.Join(p.basePath, "overlay", snapshotID, "upper", leaseID)
	work := filepath.Join(p.basePath, "overlay", snapshotID, "work", leaseID)
	merged := filepath.Join(p.basePath, "overlay", snapshotID, "merged", leaseID)
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", coreerr.InternalErr("create overlay mount dirs", err)
		}
	}

	opts := "lowerdir=" + p.lowerDir(snapshotID) + ",upperdir=" + upper + ",workdir=" + work
	cmd := exec.CommandContext(ctx, "mount", "-t", "overlay", "overlay", "-o", opts, merged)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "overlay mount failed: "+string(out), err)
	}
	return merged, nil
}

func (p *OverlayProvider) Release(ctx context.Context, snapshotID string) error {
	root := filepath.Join(p.basePath, "overlay", snapshotID)
	// Best-effort unmount of any merged dirs left under this snapshot before
	// removing it; a crashed session may have left one mounted.
	merged := filepath.Join(root, "merged")
	if entries, err := os.ReadDir(merged); err == nil {
		for _, e := range entries {
			_ = exec.CommandContext(ctx, "umount", filepath.Join(merged, e.Name())).Run()
		}
	}
	if err := os.RemoveAll(root); err != nil {
		return coreerr.InternalErr("remove overlay dirs", err)
	}
	if err := os.RemoveAll(p.lowerDir(snapshotID)); err != nil {
		return coreerr.InternalErr("remove overlay lower dir", err)
	}
	return nil
}

func (p *OverlayProvider) lowerDir(id string) string {
	return filepath.Join(p.basePath, "overlay-lower", id)
}
