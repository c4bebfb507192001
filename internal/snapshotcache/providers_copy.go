package snapshotcache

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kandev/sessiond/internal/common/coreerr"
)

// CopyProvider is the universal fallback snapshot provider: it materializes
// a snapshot as a plain directory tree under basePath using "cp -a". It is
// Available wherever a cp binary is on PATH.
type CopyProvider struct {
	basePath string
}

// NewCopyProvider returns a CopyProvider rooted at basePath.
func NewCopyProvider(basePath string) *CopyProvider {
	return &CopyProvider{basePath: basePath}
}

func (p *CopyProvider) Name() string { return "copy" }

func (p *CopyProvider) Available(ctx context.Context) bool {
	_, err := exec.LookPath("cp")
	return err == nil
}

func (p *CopyProvider) Create(ctx context.Context, sourceDir string) (string, int64, error) {
	id := uuid.New().String()
	dest := p.snapshotDir(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, coreerr.InternalErr("create snapshot parent dir", err)
	}

	cmd := exec.CommandContext(ctx, "cp", "-a", sourceDir, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "cp snapshot failed: "+string(out), err)
	}

	size, err := dirSize(dest)
	if err != nil {
		return "", 0, coreerr.InternalErr("measure snapshot size", err)
	}
	return id, size, nil
}

func (p *CopyProvider) Mount(ctx context.Context, snapshotID string) (string, error) {
	src := p.snapshotDir(snapshotID)
	dest := filepath.Join(p.basePath, "mounts", uuid.New().String())
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", coreerr.InternalErr("create mount parent dir", err)
	}
	cmd := exec.CommandContext(ctx, "cp", "-a", src, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", coreerr.Wrap(coreerr.ProvisioningFailed, "cp mount failed: "+string(out), err)
	}
	return dest, nil
}

func (p *CopyProvider) Release(ctx context.Context, snapshotID string) error {
	if err := os.RemoveAll(p.snapshotDir(snapshotID)); err != nil {
		return coreerr.InternalErr("remove snapshot dir", err)
	}
	return nil
}

func (p *CopyProvider) snapshotDir(id string) string {
	return filepath.Join(p.basePath, "snapshots", id)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
