// Package provisioner implements the Workspace Provisioner: it resolves a
// Session's repo branch to an immutable commit, drives the Snapshot Cache
// to materialize (or reuse) a built workspace for that commit, and mounts a
// session-private copy of it.
package provisioner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/repoclone"
	"github.com/kandev/sessiond/internal/scriptengine"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/snapshotcache"
)

// Result is the Provisioner's output: the workspace to record on the
// Session plus the cache handle that must be released on Session
// termination.
type Result struct {
	Workspace      models.Workspace
	ResolvedCommit string
	handle         *snapshotcache.Handle
}

// Provisioner wires repoclone (mirror management), the Snapshot Cache
// (build dedup + quota), and a provider Registry (storage materialization)
// into the single `Provision` entrypoint described for component 4.3.
type Provisioner struct {
	cloner *repoclone.Cloner
	cache  *snapshotcache.Cache
	reg    *snapshotcache.Registry
	cfg    config.ProvisionerConfig
	log    *logger.Logger
	hostID string
}

// New constructs a Provisioner. hostID identifies the execution host this
// process runs on, recorded on every Workspace it produces.
func New(cloner *repoclone.Cloner, cache *snapshotcache.Cache, reg *snapshotcache.Registry, cfg config.ProvisionerConfig, hostID string, log *logger.Logger) *Provisioner {
	if log == nil {
		log = logger.Default()
	}
	return &Provisioner{
		cloner: cloner,
		cache:  cache,
		reg:    reg,
		cfg:    cfg,
		hostID: hostID,
		log:    log.WithFields(zap.String("component", "provisioner")),
	}
}

// Provision resolves repo.Branch to an immutable commit (if not already
// resolved), acquires a built snapshot for (repo.URL, commit) from the
// Snapshot Cache, and mounts a session-private working copy of it.
//
// RepoMode values other than "git" skip VCS resolution and the cache
// entirely: "upload" workspaces are materialized by the caller from an
// uploaded archive before Provision is invoked, and "none" sessions have no
// workspace at all.
func (p *Provisioner) Provision(ctx context.Context, repo models.RepoSpec) (*Result, error) {
	if repo.Mode != models.RepoModeGit {
		return &Result{ResolvedCommit: repo.Commit}, nil
	}

	commit := repo.Commit
	if commit == "" {
		resolved, err := p.resolveCommit(ctx, repo.URL, repo.Branch)
		if err != nil {
			return nil, err
		}
		commit = resolved
	}

	handle, err := p.cache.Acquire(ctx, repo.URL, commit, func(buildCtx context.Context, dir string) (string, string, int64, error) {
		return p.build(buildCtx, repo.URL, commit, dir)
	})
	if err != nil {
		return nil, err
	}

	provider, ok := p.reg.Get(handle.Provider)
	if !ok {
		_ = p.cache.Release(ctx, handle)
		return nil, coreerr.New(coreerr.NoProvider, fmt.Sprintf("snapshot provider %q is not registered", handle.Provider))
	}

	mountPath, err := provider.Mount(ctx, handle.SnapshotID)
	if err != nil {
		_ = p.cache.Release(ctx, handle)
		return nil, coreerr.Wrap(coreerr.ProvisioningFailed, "mounting snapshot failed", err)
	}

	return &Result{
		ResolvedCommit: commit,
		handle:         handle,
		Workspace: models.Workspace{
			SnapshotProvider: handle.Provider,
			MountPath:        mountPath,
			ExecutionHostID:  p.hostID,
			SnapshotID:       handle.SnapshotID,
		},
	}, nil
}

// Release gives up the Session's lease on the underlying snapshot cache
// entry. It must be called exactly once, when the Session reaches a
// terminal state.
func (p *Provisioner) Release(ctx context.Context, r *Result) error {
	if r == nil || r.handle == nil {
		return nil
	}
	return p.cache.Release(ctx, r.handle)
}

// resolveCommit resolves branch to an immutable commit hash via
// `git ls-remote`, run non-interactively through nonInteractiveGitCmd.
func (p *Provisioner) resolveCommit(ctx context.Context, repoURL, branch string) (string, error) {
	if branch == "" {
		branch = "HEAD"
	}
	cmd := p.nonInteractiveGitCmd(ctx, "", "ls-remote", repoURL, branch)
	out, err := cmd.Output()
	if err != nil {
		return "", coreerr.Wrap(coreerr.RepoUnavailable, "resolving branch to commit failed", err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", coreerr.New(coreerr.RepoUnavailable, fmt.Sprintf("branch %q not found on %s", branch, repoURL))
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", coreerr.New(coreerr.RepoUnavailable, "unexpected ls-remote output")
	}
	return fields[0], nil
}

// build is the Snapshot Cache's provision closure: it clones (or reuses) a
// local mirror, checks out commit into dir, runs the configured setup/test
// scripts, and materializes dir through the first available provider.
func (p *Provisioner) build(ctx context.Context, repoURL, commit, dir string) (snapshotID, provider string, sizeBytes int64, err error) {
	owner, name := splitRepoURL(repoURL)
	mirrorPath, err := p.cloner.EnsureCloned(ctx, repoURL, owner, name)
	if err != nil {
		return "", "", 0, coreerr.Wrap(coreerr.RepoUnavailable, "cloning repository failed", err)
	}

	if err := p.checkoutInto(ctx, mirrorPath, commit, dir); err != nil {
		return "", "", 0, err
	}

	resolver := scriptengine.NewResolver().
		WithVar("repository.path", dir).
		WithVar("repository.url", repoURL).
		WithVar("repository.commit", commit).
		WithVar("workspace.path", dir)

	timeout := p.cfg.BuildTimeoutDuration()
	if p.cfg.SetupScript != "" {
		if _, err := scriptengine.Run(ctx, scriptengine.ExecutionRequest{
			Script:     resolver.Resolve(p.cfg.SetupScript),
			WorkingDir: dir,
			Timeout:    timeout,
			ScriptType: "setup",
		}); err != nil {
			return "", "", 0, err
		}
	}
	if p.cfg.TestScript != "" {
		if _, err := scriptengine.Run(ctx, scriptengine.ExecutionRequest{
			Script:     resolver.Resolve(p.cfg.TestScript),
			WorkingDir: dir,
			Timeout:    timeout,
			ScriptType: "test",
		}); err != nil {
			return "", "", 0, err
		}
	}

	chosen, err := p.reg.FirstAvailable(ctx, p.cfg.ProviderPreference)
	if err != nil {
		return "", "", 0, err
	}

	id, size, err := chosen.Create(ctx, dir)
	if err != nil {
		return "", "", 0, coreerr.Wrap(coreerr.ProvisioningFailed, "snapshot creation failed", err)
	}
	return id, chosen.Name(), size, nil
}

// checkoutInto materializes commit from mirrorPath into dir using a
// disposable `git worktree add --detach`, removed immediately after the
// checkout completes — the cache scratch dir itself is the durable copy
// from here on, not the worktree registration.
func (p *Provisioner) checkoutInto(ctx context.Context, mirrorPath, commit, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return coreerr.InternalErr("create checkout parent dir", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return coreerr.InternalErr("clear checkout scratch dir", err)
	}

	cmd := p.nonInteractiveGitCmd(ctx, mirrorPath, "worktree", "add", "--detach", dir, commit)
	if out, err := cmd.CombinedOutput(); err != nil {
		return coreerr.Wrap(coreerr.ProvisioningFailed, "git worktree checkout failed: "+string(out), err)
	}
	return nil
}

func (p *Provisioner) nonInteractiveGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

// splitRepoURL derives an owner/name pair from a git remote URL for
// repoclone's on-disk layout, accepting both SSH and HTTPS forms.
func splitRepoURL(repoURL string) (owner, name string) {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	trimmed = strings.TrimPrefix(trimmed, "git@")
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.ReplaceAll(trimmed, ":", "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "unknown", sanitizeName(trimmed)
	}
	return sanitizeName(parts[len(parts)-2]), sanitizeName(parts[len(parts)-1])
}

func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "repo"
	}
	return s
}
