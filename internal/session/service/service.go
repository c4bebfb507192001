// Package service implements the Session Manager: the sole writer of
// Session state, driving the status state machine in
// internal/session/models/session.go and coordinating the Workspace
// Provisioner, the Agent Supervisor, and the Event Bus around it.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/eventbus"
	"github.com/kandev/sessiond/internal/provisioner"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
	"github.com/kandev/sessiond/internal/supervisor"
)

// CreateTaskRequest is the caller-supplied shape createTask validates and
// turns into a Session. Repo.Commit is always empty here: the Provisioner
// resolves it.
type CreateTaskRequest struct {
	TenantID  string
	ProjectID string
	Task      models.Task
	Agent     models.AgentSpec
	Runtime   models.RuntimeSpec
	Repo      models.RepoSpec
	Delivery  models.DeliverySpec

	idemHash string
}

// Manager is the Session Manager. It owns no goroutine pool of its own:
// admission and provisioning run on a goroutine per Session, bounded
// upstream by the Supervisor's concurrency semaphore.
type Manager struct {
	repo   repository.Repository
	bus    *eventbus.Bus
	prov   *provisioner.Provisioner
	sup    *supervisor.Supervisor
	cfg    config.SessionManagerConfig
	policy config.PolicyConfig
	log    *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	handles map[string]*provisioner.Result
}

// New constructs a Manager. It registers itself as the Supervisor's exit
// handler, so sup must not already have one assigned elsewhere.
func New(repo repository.Repository, bus *eventbus.Bus, prov *provisioner.Provisioner, sup *supervisor.Supervisor, cfg config.SessionManagerConfig, policy config.PolicyConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		repo:    repo,
		bus:     bus,
		prov:    prov,
		sup:     sup,
		cfg:     cfg,
		policy:  policy,
		log:     log.WithFields(zap.String("component", "session_manager")),
		cancels: make(map[string]context.CancelFunc),
		handles: make(map[string]*provisioner.Result),
	}
	return m
}

// HandleExit is the Supervisor's ExitHandler. It is exported so main wiring
// can pass it to supervisor.New without an import cycle between the two
// packages.
func (m *Manager) HandleExit(sessionID string, exitCode int) {
	ctx := context.Background()
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		m.log.Warn("handling exit for unknown session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	var to models.Status
	var errKind, errDetail string
	switch session.Status {
	case models.StatusStopping:
		if session.CleanupRequested {
			to = models.StatusCancelled
		} else {
			to = models.StatusStopped
		}
	case models.StatusRunning:
		if exitCode == 0 {
			to = models.StatusCompleted
		} else {
			to = models.StatusFailed
			errKind = string(coreerr.Internal)
			errDetail = "agent process exited with non-zero status"
		}
	default:
		m.log.Warn("exit observed for session not in running/stopping",
			zap.String("session_id", sessionID), zap.String("status", string(session.Status)))
		return
	}

	if err := m.transition(ctx, session.ID, session.Status, to, errKind, errDetail); err != nil {
		m.log.Warn("persisting exit transition failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.releaseWorkspace(ctx, sessionID)
}

// CreateTask validates request, applies server-controlled policy defaults,
// persists a Session in `queued`, and returns it. Provisioning and running
// happen asynchronously; CreateTask returns after the single insert.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest, idempotencyKey string) (*models.Session, error) {
	if idempotencyKey != "" {
		hash := hashRequest(req)
		existing, err := m.repo.GetIdempotencyRecord(ctx, idempotencyKey)
		if err != nil && !coreerr.Is(err, coreerr.NotFound) {
			return nil, err
		}
		if existing != nil {
			if existing.RequestHash != hash {
				return nil, coreerr.New(coreerr.IdempotencyConflict,
					"idempotency key reused with a different request body")
			}
			return m.repo.GetSession(ctx, existing.SessionID)
		}
		req.idemHash = hash
	}

	if err := validateCreateTask(req); err != nil {
		return nil, err
	}

	// Policy flags are never taken from the request.
	req.Runtime.Type = models.RuntimeType(m.policy.RuntimeType)
	if !m.policy.SandboxEnabled {
		req.Runtime.Type = models.RuntimeDisabled
	}

	session := models.NewSession(req.Task, req.Agent, req.Runtime, req.Repo, req.Delivery, req.TenantID, req.ProjectID)

	if err := m.withRetry(ctx, func() error { return m.repo.InsertSession(ctx, session) }); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		rec := &models.IdempotencyRecord{
			Key:         idempotencyKey,
			RequestHash: req.idemHash,
			SessionID:   session.ID,
			CreatedAt:   session.CreatedAt,
			ExpiresAt:   session.CreatedAt.Add(m.cfg.IdempotencyTTLDuration()),
		}
		if err := m.repo.InsertIdempotencyRecord(ctx, rec); err != nil {
			if coreerr.Is(err, coreerr.IdempotencyConflict) {
				// A concurrent createTask call with the same key won the
				// race. Only adopt its Session if its stored request hash
				// matches ours; otherwise the key was reused with a
				// different body and must be reported as a conflict, not
				// silently resolved to the wrong Session.
				if winner, gerr := m.repo.GetIdempotencyRecord(ctx, idempotencyKey); gerr == nil {
					_ = m.transition(ctx, session.ID, models.StatusQueued, models.StatusCancelled, "", "superseded by a concurrent identical request")
					if winner.RequestHash != req.idemHash {
						return nil, coreerr.New(coreerr.IdempotencyConflict,
							"idempotency key reused with a different request body")
					}
					return m.repo.GetSession(ctx, winner.SessionID)
				}
			}
			m.log.Warn("recording idempotency key failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	m.emitStatus(ctx, session.ID, models.StatusQueued)

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[session.ID] = cancel
	m.mu.Unlock()
	go m.admitAndRun(runCtx, session.ID)

	return session, nil
}

// GetSession is a read-through to the Repository Layer.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.repo.GetSession(ctx, id)
}

// ListSessions is a read-through to the Repository Layer.
func (m *Manager) ListSessions(ctx context.Context, filters repository.SessionFilters, page repository.Pagination) (repository.PageResult[*models.Session], error) {
	return m.repo.ListSessions(ctx, filters, page)
}

// GetQueueStatus reports the Agent Supervisor's concurrency cap, how many
// slots are occupied by running Sessions, and how many admitAndRun calls are
// currently blocked waiting for one.
func (m *Manager) GetQueueStatus() supervisor.QueueStatus {
	return m.sup.QueueStatus()
}

// ListSessionEvents returns the full persisted Event history for a Session,
// used to compute its aggregated Changes once it reaches a terminal status.
func (m *Manager) ListSessionEvents(ctx context.Context, id string) ([]*models.Event, error) {
	return m.repo.ListEvents(ctx, id, 0, 0)
}

// RecentEvents returns the last n events for an active Session, or an empty
// slice for a terminal one.
func (m *Manager) RecentEvents(ctx context.Context, id string, n int) ([]*models.Event, error) {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, nil
	}
	return m.repo.RecentEvents(ctx, id, n)
}

// Subscribe opens a live, gap-free Event stream for a Session starting at
// fromSequence+1.
func (m *Manager) Subscribe(ctx context.Context, id string, fromSequence int64) (*eventbus.Subscription, error) {
	return m.bus.Subscribe(ctx, id, fromSequence)
}

// Pause issues a pause signal, returning after the first persisted
// transition (running -> pausing).
func (m *Manager) Pause(ctx context.Context, id string) error {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(session.Status, models.StatusPausing) {
		return coreerr.Conflicting("session is not running")
	}
	if err := m.transition(ctx, id, session.Status, models.StatusPausing, "", ""); err != nil {
		return err
	}
	go m.applySignal(id, supervisor.SignalPause, models.StatusPausing, models.StatusPaused)
	return nil
}

// Resume issues a resume signal, returning after the first persisted
// transition (paused -> resuming).
func (m *Manager) Resume(ctx context.Context, id string) error {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(session.Status, models.StatusResuming) {
		return coreerr.Conflicting("session is not paused")
	}
	if err := m.transition(ctx, id, session.Status, models.StatusResuming, "", ""); err != nil {
		return err
	}
	go m.applySignal(id, supervisor.SignalResume, models.StatusResuming, models.StatusRunning)
	return nil
}

// Stop requests a graceful stop: running/paused -> stopping, then stopped
// once the subprocess exits (or is force-killed past the grace window).
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.beginTerminate(ctx, id, false)
}

// Cancel requests termination of a Session at any point in its lifecycle.
// A queued or still-provisioning Session is cancelled immediately; a
// running or paused one is force-stopped and lands in cancelled rather than
// stopped.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	switch session.Status {
	case models.StatusQueued, models.StatusProvisioning:
		m.cancelInFlight(id)
		return m.transition(ctx, id, session.Status, models.StatusCancelled, "", "")
	default:
		return m.beginTerminate(ctx, id, true)
	}
}

func (m *Manager) beginTerminate(ctx context.Context, id string, force bool) error {
	session, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(session.Status, models.StatusStopping) {
		return coreerr.Conflicting("session cannot be stopped from its current status")
	}
	if force {
		if err := m.repo.UpdateSessionStatus(ctx, id, session.Status, models.StatusStopping, "", ""); err != nil {
			return err
		}
	} else if err := m.transition(ctx, id, session.Status, models.StatusStopping, "", ""); err != nil {
		return err
	}
	go func() {
		if err := m.sup.Signal(context.Background(), id, supervisor.SignalStop); err != nil {
			m.log.Warn("sending stop signal failed", zap.String("session_id", id), zap.Error(err))
		}
	}()
	return nil
}

// applySignal sends kind to the supervised process and persists the
// intermediate->settled transition once the OS-level effect is confirmed
// applied. pausing/resuming settle synchronously; a failure here is fatal
// to the Session per the Supervisor failure policy.
func (m *Manager) applySignal(sessionID string, kind supervisor.SignalKind, from, to models.Status) {
	ctx := context.Background()
	if err := m.sup.Signal(ctx, sessionID, kind); err != nil {
		m.log.Warn("signal delivery failed", zap.String("session_id", sessionID), zap.String("signal", string(kind)), zap.Error(err))
		_ = m.transition(ctx, sessionID, from, models.StatusFailed, string(coreerr.Internal), err.Error())
		return
	}
	if err := m.transition(ctx, sessionID, from, to, "", ""); err != nil {
		m.log.Warn("persisting signal settle transition failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// admitAndRun drives a queued Session through provisioning to running,
// handing off to the Supervisor. It runs on its own goroutine for the
// Session's entire pre-running lifetime.
func (m *Manager) admitAndRun(ctx context.Context, sessionID string) {
	defer m.clearCancel(sessionID)

	if err := m.transition(ctx, sessionID, models.StatusQueued, models.StatusProvisioning, "", ""); err != nil {
		return
	}

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		m.log.Warn("reloading session for provisioning failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	result, err := m.prov.Provision(ctx, session.Repo)
	if err != nil {
		kind := coreerr.KindOf(err)
		_ = m.transition(ctx, sessionID, models.StatusProvisioning, models.StatusFailed, string(kind), err.Error())
		return
	}

	if err := m.withRetry(ctx, func() error {
		return m.repo.UpdateSessionWorkspace(ctx, sessionID, result.Workspace, result.ResolvedCommit)
	}); err != nil {
		_ = m.prov.Release(ctx, result)
		_ = m.transition(ctx, sessionID, models.StatusProvisioning, models.StatusFailed, string(coreerr.KindOf(err)), err.Error())
		return
	}

	m.mu.Lock()
	m.handles[sessionID] = result
	m.mu.Unlock()

	if err := m.transition(ctx, sessionID, models.StatusProvisioning, models.StatusRunning, "", ""); err != nil {
		m.releaseWorkspace(ctx, sessionID)
		return
	}

	startErr := m.sup.Start(ctx, supervisor.StartRequest{
		SessionID: sessionID,
		Prompt:    session.Task.Prompt,
		MountPath: result.Workspace.MountPath,
		SnapshotID: result.Workspace.SnapshotID,
	})
	if startErr != nil {
		_ = m.transition(ctx, sessionID, models.StatusRunning, models.StatusFailed, string(coreerr.Internal), startErr.Error())
		m.releaseWorkspace(ctx, sessionID)
	}
}

// transition performs the CAS write and, on success, emits the
// corresponding status Event.
func (m *Manager) transition(ctx context.Context, sessionID string, from, to models.Status, errKind, errDetail string) error {
	if !models.CanTransition(from, to) {
		return coreerr.Conflicting("illegal transition from " + string(from) + " to " + string(to))
	}
	if err := m.withRetry(ctx, func() error {
		return m.repo.UpdateSessionStatus(ctx, sessionID, from, to, errKind, errDetail)
	}); err != nil {
		return err
	}
	m.emitStatus(ctx, sessionID, to)
	return nil
}

func (m *Manager) emitStatus(ctx context.Context, sessionID string, status models.Status) {
	event := models.NewStatusEvent(sessionID, 0, status)
	if err := m.bus.Publish(ctx, event); err != nil {
		m.log.Warn("publishing status event failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (m *Manager) releaseWorkspace(ctx context.Context, sessionID string) {
	m.mu.Lock()
	result := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()
	if result == nil {
		return
	}
	if err := m.prov.Release(ctx, result); err != nil {
		m.log.Warn("releasing workspace handle failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (m *Manager) cancelInFlight(sessionID string) {
	m.mu.Lock()
	cancel := m.cancels[sessionID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) clearCancel(sessionID string) {
	m.mu.Lock()
	delete(m.cancels, sessionID)
	m.mu.Unlock()
}

// withRetry retries op while it returns a coreerr.Transient error, up to
// cfg.RetryMaxAttempts, with exponential backoff from cfg.RetryBaseDelay.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	attempts := m.cfg.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := m.cfg.RetryBaseDelay()
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op()
		if err == nil || !coreerr.IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func validateCreateTask(req CreateTaskRequest) error {
	fields := make(map[string][]string)
	if req.Task.Prompt == "" {
		fields["task.prompt"] = append(fields["task.prompt"], "prompt is required")
	}
	if req.Agent.Type == "" {
		fields["agent.type"] = append(fields["agent.type"], "agent type is required")
	}
	switch req.Repo.Mode {
	case models.RepoModeGit:
		if req.Repo.URL == "" {
			fields["repo.url"] = append(fields["repo.url"], "url is required for git repo mode")
		}
	case models.RepoModeUpload, models.RepoModeNone:
		// no additional requirements
	default:
		fields["repo.mode"] = append(fields["repo.mode"], "unknown repo mode")
	}
	if len(fields) > 0 {
		return coreerr.Validation(fields)
	}
	return nil
}

// hashRequest derives a stable fingerprint of the caller-supplied request,
// used to detect an idempotency key reused with a different body.
func hashRequest(req CreateTaskRequest) string {
	raw, _ := json.Marshal(struct {
		TenantID  string
		ProjectID string
		Task      models.Task
		Agent     models.AgentSpec
		Runtime   models.RuntimeSpec
		Repo      models.RepoSpec
		Delivery  models.DeliverySpec
	}{req.TenantID, req.ProjectID, req.Task, req.Agent, req.Runtime, req.Repo, req.Delivery})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
