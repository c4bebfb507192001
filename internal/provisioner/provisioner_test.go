package provisioner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/db"
	"github.com/kandev/sessiond/internal/repoclone"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository/sqlite"
	"github.com/kandev/sessiond/internal/snapshotcache"
)

func TestSplitRepoURL(t *testing.T) {
	cases := []struct {
		url       string
		wantOwner string
		wantName  string
	}{
		{"https://github.com/acme/widgets.git", "acme", "widgets"},
		{"git@github.com:acme/widgets.git", "acme", "widgets"},
		{"https://github.com/acme/widgets", "acme", "widgets"},
	}
	for _, c := range cases {
		owner, name := splitRepoURL(c.url)
		require.Equal(t, c.wantOwner, owner, c.url)
		require.Equal(t, c.wantName, name, c.url)
	}
}

func newLocalTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestProvision_EndToEndWithLocalRepoAndCopyProvider(t *testing.T) {
	repoDir := newLocalTestRepo(t)

	dbPath := filepath.Join(t.TempDir(), "provisioner-test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	repo, err := sqlite.NewWithDB(writer, reader, "sqlite3")
	require.NoError(t, err)

	cache := snapshotcache.New(repo, snapshotcache.NewRegistry(snapshotcache.NewCopyProvider(t.TempDir())),
		snapshotcache.Config{BasePath: t.TempDir()}, nil)

	cloner := repoclone.NewCloner(repoclone.Config{BasePath: t.TempDir()}, "https", logger.Default())

	p := New(cloner, cache, snapshotcache.NewRegistry(snapshotcache.NewCopyProvider(t.TempDir())),
		config.ProvisionerConfig{BuildTimeout: 30, ProviderPreference: []string{"copy"}}, "host-1",
		logger.Default())

	result, err := p.Provision(context.Background(), models.RepoSpec{
		Mode:   models.RepoModeGit,
		URL:    repoDir,
		Branch: "main",
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ResolvedCommit)
	require.Equal(t, "copy", result.Workspace.SnapshotProvider)
	require.NotEmpty(t, result.Workspace.MountPath)

	data, err := os.ReadFile(filepath.Join(result.Workspace.MountPath, "README.md"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.NoError(t, p.Release(context.Background(), result))
}

func TestProvision_NonGitModeSkipsCacheAndVCS(t *testing.T) {
	p := New(nil, nil, nil, config.ProvisionerConfig{}, "host-1", logger.Default())

	result, err := p.Provision(context.Background(), models.RepoSpec{Mode: models.RepoModeNone})
	require.NoError(t, err)
	require.Empty(t, result.Workspace.MountPath)
}
