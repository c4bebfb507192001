package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/eventbus"
	"github.com/kandev/sessiond/internal/provisioner"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
	"github.com/kandev/sessiond/internal/supervisor"
)

// fakeRepo is a minimal in-memory Repository, in the same hand-rolled
// fake-over-interface style as internal/snapshotcache's test fakes. Only the
// Session, Event, and Idempotency operations this package's tests exercise
// are functional; the rest return errors or zero values.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	events   map[string][]*models.Event
	idemp    map[string]*models.IdempotencyRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*models.Session),
		events:   make(map[string][]*models.Event),
		idemp:    make(map[string]*models.IdempotencyRecord),
	}
}

func (f *fakeRepo) InsertSession(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeRepo) UpdateSessionStatus(_ context.Context, id string, from, to models.Status, errKind, errDetail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return coreerr.NotFoundErr("session", id)
	}
	if s.Status != from {
		return coreerr.Conflicting("status is not " + string(from))
	}
	s.Status = to
	s.ErrorKind = errKind
	s.ErrorDetail = errDetail
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeRepo) UpdateSessionWorkspace(_ context.Context, id string, workspace models.Workspace, resolvedCommit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return coreerr.NotFoundErr("session", id)
	}
	s.Workspace = workspace
	s.Repo.Commit = resolvedCommit
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, coreerr.NotFoundErr("session", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) ListSessions(_ context.Context, _ repository.SessionFilters, _ repository.Pagination) (repository.PageResult[*models.Session], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	for _, s := range f.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return repository.PageResult[*models.Session]{Items: out, Total: len(out)}, nil
}

func (f *fakeRepo) AppendEvent(_ context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.Sequence = int64(len(f.events[event.SessionID]) + 1)
	f.events[event.SessionID] = append(f.events[event.SessionID], event)
	return nil
}

func (f *fakeRepo) ListEvents(_ context.Context, sessionID string, fromSequence int64, _ int) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Event
	for _, e := range f.events[sessionID] {
		if e.Sequence > fromSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) RecentEvents(_ context.Context, sessionID string, n int) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.events[sessionID]
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func (f *fakeRepo) LatestSequence(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.events[sessionID])), nil
}

func (f *fakeRepo) ReserveEntry(context.Context, models.CacheKey) (*models.SnapshotCacheEntry, bool, error) {
	return nil, false, coreerr.InternalErr("not implemented in fakeRepo", nil)
}
func (f *fakeRepo) CompleteEntry(context.Context, models.CacheKey, string, string, int64) error {
	return coreerr.InternalErr("not implemented in fakeRepo", nil)
}
func (f *fakeRepo) AbandonEntry(context.Context, models.CacheKey) error {
	return coreerr.InternalErr("not implemented in fakeRepo", nil)
}
func (f *fakeRepo) TouchEntry(context.Context, models.CacheKey) error {
	return coreerr.InternalErr("not implemented in fakeRepo", nil)
}
func (f *fakeRepo) AdjustRefCount(context.Context, models.CacheKey, int) (int, error) {
	return 0, coreerr.InternalErr("not implemented in fakeRepo", nil)
}
func (f *fakeRepo) EvictEntry(context.Context, models.CacheKey) error {
	return coreerr.InternalErr("not implemented in fakeRepo", nil)
}
func (f *fakeRepo) ListEvictionCandidates(context.Context, string) ([]*models.SnapshotCacheEntry, error) {
	return nil, nil
}
func (f *fakeRepo) SumResidentBytes(context.Context, string) (int64, int64, error) {
	return 0, 0, nil
}

func (f *fakeRepo) CreateDraft(context.Context, *models.Draft) error { return nil }
func (f *fakeRepo) GetDraft(context.Context, string) (*models.Draft, error) {
	return nil, coreerr.NotFoundErr("draft", "")
}
func (f *fakeRepo) UpdateDraft(context.Context, *models.Draft) error { return nil }
func (f *fakeRepo) DeleteDraft(context.Context, string) error        { return nil }
func (f *fakeRepo) ListDrafts(context.Context, string) ([]*models.Draft, error) {
	return nil, nil
}

func (f *fakeRepo) UpsertRepositoryIndex(context.Context, *models.RepositoryIndex) error { return nil }
func (f *fakeRepo) GetRepositoryIndex(context.Context, string) (*models.RepositoryIndex, error) {
	return nil, coreerr.NotFoundErr("repository_index", "")
}
func (f *fakeRepo) ListRepositoryIndex(context.Context) ([]*models.RepositoryIndex, error) {
	return nil, nil
}
func (f *fakeRepo) TouchRepositoryIndexByURL(context.Context, string) error { return nil }

func (f *fakeRepo) GetIdempotencyRecord(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.idemp[key]
	if !ok {
		return nil, coreerr.NotFoundErr("idempotency_record", key)
	}
	return rec, nil
}
func (f *fakeRepo) InsertIdempotencyRecord(_ context.Context, rec *models.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idemp[rec.Key] = rec
	return nil
}
func (f *fakeRepo) PurgeExpiredIdempotencyRecords(context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) Close() error { return nil }

func writeFakeRecorder(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-recorder.sh")
	script := `#!/bin/sh
echo '{"type":"thought","thought":"working"}'
exit ` + string(rune('0'+exitCode)) + `
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestManager(t *testing.T, recorderPath string) (*Manager, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	transport := bus.NewMemoryEventBus(logger.Default())
	eb := eventbus.New(transport, repo, 64, logger.Default())
	prov := provisioner.New(nil, nil, nil, config.ProvisionerConfig{}, "host-1", logger.Default())

	var mgr *Manager
	sup := supervisor.New(config.SupervisorConfig{MaxConcurrent: 4, RecorderPath: recorderPath, LauncherPath: "/bin/true"},
		eb, func(sessionID string, exitCode int) { mgr.HandleExit(sessionID, exitCode) }, logger.Default())

	mgr = New(repo, eb, prov, sup, config.SessionManagerConfig{
		IdempotencyTTL:   86400,
		RetryMaxAttempts: 3,
		RetryBaseDelayMs: 5,
	}, config.PolicyConfig{RuntimeType: "disabled", SandboxEnabled: true}, logger.Default())
	return mgr, repo
}

func waitForStatus(t *testing.T, mgr *Manager, id string, want models.Status) *models.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := mgr.GetSession(context.Background(), id)
		require.NoError(t, err)
		if s.Status == want {
			return s
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
	return nil
}

func TestCreateTask_RunsToCompletionOnSuccessfulExit(t *testing.T) {
	recorder := writeFakeRecorder(t, 0)
	mgr, _ := newTestManager(t, recorder)

	session, err := mgr.CreateTask(context.Background(), CreateTaskRequest{
		Task:  models.Task{Prompt: "do something"},
		Agent: models.AgentSpec{Type: "demo"},
		Repo:  models.RepoSpec{Mode: models.RepoModeNone},
	}, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, session.Status)

	waitForStatus(t, mgr, session.ID, models.StatusCompleted)
}

func TestCreateTask_RunsToFailedOnNonZeroExit(t *testing.T) {
	recorder := writeFakeRecorder(t, 1)
	mgr, _ := newTestManager(t, recorder)

	session, err := mgr.CreateTask(context.Background(), CreateTaskRequest{
		Task:  models.Task{Prompt: "do something"},
		Agent: models.AgentSpec{Type: "demo"},
		Repo:  models.RepoSpec{Mode: models.RepoModeNone},
	}, "")
	require.NoError(t, err)

	waitForStatus(t, mgr, session.ID, models.StatusFailed)
}

func TestCreateTask_RejectsInvalidRequest(t *testing.T) {
	mgr, _ := newTestManager(t, "/bin/true")
	_, err := mgr.CreateTask(context.Background(), CreateTaskRequest{
		Repo: models.RepoSpec{Mode: models.RepoModeNone},
	}, "")
	require.Error(t, err)
	require.Equal(t, coreerr.ValidationFailed, coreerr.KindOf(err))
}

func TestCreateTask_IdempotentRetryReturnsSameSession(t *testing.T) {
	mgr, _ := newTestManager(t, "/bin/true")
	req := CreateTaskRequest{
		Task:  models.Task{Prompt: "do something"},
		Agent: models.AgentSpec{Type: "demo"},
		Repo:  models.RepoSpec{Mode: models.RepoModeNone},
	}

	first, err := mgr.CreateTask(context.Background(), req, "idem-key-1")
	require.NoError(t, err)

	second, err := mgr.CreateTask(context.Background(), req, "idem-key-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateTask_IdempotencyKeyReusedWithDifferentBodyConflicts(t *testing.T) {
	mgr, _ := newTestManager(t, "/bin/true")
	req := CreateTaskRequest{
		Task:  models.Task{Prompt: "do something"},
		Agent: models.AgentSpec{Type: "demo"},
		Repo:  models.RepoSpec{Mode: models.RepoModeNone},
	}
	_, err := mgr.CreateTask(context.Background(), req, "idem-key-2")
	require.NoError(t, err)

	req.Task.Prompt = "a different prompt"
	_, err = mgr.CreateTask(context.Background(), req, "idem-key-2")
	require.Error(t, err)
	require.Equal(t, coreerr.IdempotencyConflict, coreerr.KindOf(err))
}

func TestCancel_QueuedSessionCancelsImmediately(t *testing.T) {
	repo := newFakeRepo()
	transport := bus.NewMemoryEventBus(logger.Default())
	eb := eventbus.New(transport, repo, 64, logger.Default())
	prov := provisioner.New(nil, nil, nil, config.ProvisionerConfig{}, "host-1", logger.Default())
	sup := supervisor.New(config.SupervisorConfig{MaxConcurrent: 1, RecorderPath: "/bin/true", LauncherPath: "/bin/true"},
		eb, func(string, int) {}, logger.Default())
	mgr := New(repo, eb, prov, sup, config.SessionManagerConfig{RetryMaxAttempts: 1}, config.PolicyConfig{RuntimeType: "disabled", SandboxEnabled: true}, logger.Default())

	session := models.NewSession(models.Task{Prompt: "p"}, models.AgentSpec{Type: "demo"}, models.RuntimeSpec{}, models.RepoSpec{Mode: models.RepoModeNone}, models.DeliverySpec{}, "", "")
	require.NoError(t, repo.InsertSession(context.Background(), session))

	require.NoError(t, mgr.Cancel(context.Background(), session.ID))

	got, err := mgr.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
}
