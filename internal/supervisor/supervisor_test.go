package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/eventbus"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
)

// recordingRepo is a minimal repository.Repository fake: only AppendEvent is
// functional (it records every Event it sees), the rest are unused by
// eventbus.Bus.Publish and return zero values.
type recordingRepo struct {
	mu     sync.Mutex
	events []*models.Event
}

func (r *recordingRepo) AppendEvent(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}
func (r *recordingRepo) recorded() []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingRepo) InsertSession(ctx context.Context, s *models.Session) error { return nil }
func (r *recordingRepo) UpdateSessionStatus(ctx context.Context, id string, from, to models.Status, errorKind, errorDetail string) error {
	return nil
}
func (r *recordingRepo) UpdateSessionWorkspace(ctx context.Context, id string, workspace models.Workspace, resolvedCommit string) error {
	return nil
}
func (r *recordingRepo) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return nil, nil
}
func (r *recordingRepo) ListSessions(ctx context.Context, filters repository.SessionFilters, page repository.Pagination) (repository.PageResult[*models.Session], error) {
	return repository.PageResult[*models.Session]{}, nil
}
func (r *recordingRepo) ListEvents(ctx context.Context, sessionID string, fromSequence int64, limit int) ([]*models.Event, error) {
	return nil, nil
}
func (r *recordingRepo) RecentEvents(ctx context.Context, sessionID string, n int) ([]*models.Event, error) {
	return nil, nil
}
func (r *recordingRepo) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	return 0, nil
}
func (r *recordingRepo) ReserveEntry(ctx context.Context, key models.CacheKey) (*models.SnapshotCacheEntry, bool, error) {
	return nil, false, nil
}
func (r *recordingRepo) CompleteEntry(ctx context.Context, key models.CacheKey, snapshotID, provider string, sizeBytes int64) error {
	return nil
}
func (r *recordingRepo) AbandonEntry(ctx context.Context, key models.CacheKey) error { return nil }
func (r *recordingRepo) TouchEntry(ctx context.Context, key models.CacheKey) error   { return nil }
func (r *recordingRepo) AdjustRefCount(ctx context.Context, key models.CacheKey, delta int) (int, error) {
	return 0, nil
}
func (r *recordingRepo) EvictEntry(ctx context.Context, key models.CacheKey) error { return nil }
func (r *recordingRepo) ListEvictionCandidates(ctx context.Context, repoURL string) ([]*models.SnapshotCacheEntry, error) {
	return nil, nil
}
func (r *recordingRepo) SumResidentBytes(ctx context.Context, repoURL string) (int64, int64, error) {
	return 0, 0, nil
}
func (r *recordingRepo) CreateDraft(ctx context.Context, d *models.Draft) error { return nil }
func (r *recordingRepo) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	return nil, nil
}
func (r *recordingRepo) UpdateDraft(ctx context.Context, d *models.Draft) error { return nil }
func (r *recordingRepo) DeleteDraft(ctx context.Context, id string) error      { return nil }
func (r *recordingRepo) ListDrafts(ctx context.Context, ownerScope string) ([]*models.Draft, error) {
	return nil, nil
}
func (r *recordingRepo) UpsertRepositoryIndex(ctx context.Context, ri *models.RepositoryIndex) error {
	return nil
}
func (r *recordingRepo) GetRepositoryIndex(ctx context.Context, id string) (*models.RepositoryIndex, error) {
	return nil, nil
}
func (r *recordingRepo) ListRepositoryIndex(ctx context.Context) ([]*models.RepositoryIndex, error) {
	return nil, nil
}
func (r *recordingRepo) TouchRepositoryIndexByURL(ctx context.Context, remoteURL string) error {
	return nil
}
func (r *recordingRepo) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	return nil, nil
}
func (r *recordingRepo) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	return nil
}
func (r *recordingRepo) PurgeExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	return 0, nil
}
func (r *recordingRepo) Close() error { return nil }

// writeFakeRecorder writes an executable shell script standing in for the
// recorder binary: it ignores its launcher tail and prints a handful of
// Event JSON lines to stdout before exiting 0.
func writeFakeRecorder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-recorder.sh")
	script := `#!/bin/sh
echo '{"type":"thought","thought":"thinking"}'
echo '{"type":"tool_use","tool_name":"grep"}'
echo '{"type":"tool_result","tool_status":"completed"}'
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestStart_MonitorsStdoutAndReleasesSlotOnExit(t *testing.T) {
	recorder := writeFakeRecorder(t)
	cfg := config.SupervisorConfig{
		MaxConcurrent: 1,
		RecorderPath:  recorder,
		LauncherPath:  "/bin/true",
	}

	repo := &recordingRepo{}
	ebus := eventbus.New(bus.NewMemoryEventBus(nil), repo, 0, nil)

	var exited chan struct{} = make(chan struct{})
	var gotExitCode int
	sup := New(cfg, ebus, func(sessionID string, exitCode int) {
		gotExitCode = exitCode
		close(exited)
	}, nil)

	err := sup.Start(context.Background(), StartRequest{
		SessionID: "ses_1",
		Prompt:    "do the thing",
		MountPath: t.TempDir(),
	})
	require.NoError(t, err)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}
	require.Equal(t, 0, gotExitCode)
	require.Equal(t, 0, sup.ActiveCount())

	var toolUse, toolResult *models.Event
	for _, e := range repo.recorded() {
		switch e.Type {
		case models.EventToolUse:
			toolUse = e
		case models.EventToolResult:
			toolResult = e
		}
	}
	require.NotNil(t, toolUse)
	require.NotNil(t, toolResult)
	require.NotEmpty(t, toolUse.ToolExecutionID)
	require.Equal(t, toolUse.ToolExecutionID, toolResult.ToolExecutionID)
}

func TestStart_ConcurrencyCapBlocksThirdStart(t *testing.T) {
	recorder := filepath.Join(t.TempDir(), "sleeper.sh")
	require.NoError(t, os.WriteFile(recorder, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	cfg := config.SupervisorConfig{MaxConcurrent: 2, RecorderPath: recorder, LauncherPath: "/bin/true"}
	sup := New(cfg, nil, func(string, int) {}, nil)

	for i := 0; i < 2; i++ {
		err := sup.Start(context.Background(), StartRequest{
			SessionID: fmt.Sprintf("ses_%d", i),
			MountPath: t.TempDir(),
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, sup.ActiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := sup.Start(ctx, StartRequest{SessionID: "ses_blocked", MountPath: t.TempDir()})
	require.Error(t, err, "a third Start should block on the concurrency cap and time out with this short context")
}
