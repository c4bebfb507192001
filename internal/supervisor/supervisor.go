// Package supervisor implements the Agent Supervisor: it runs one agent
// subprocess per running Session under a global concurrency cap, forwards
// pause/resume/stop/kill as OS-level effects, and turns the subprocess's
// structured stdout into Events on the Event Bus.
//
// Grounded on internal/agentctl/process/manager.go's exec.Cmd plumbing
// (stdin/stdout/stderr pipes, a waitForExit goroutine recording the exit
// code) and internal/agentctl/client/launcher's recorder-wraps-launcher
// process tree, generalized from that teacher's ACP-specific client to a
// transport-agnostic JSON-lines protocol so any recorder binary that emits
// one Event per stdout line can be supervised.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/eventbus"
	"github.com/kandev/sessiond/internal/session/models"
)

// SignalKind is the closed set of effects `signal` accepts.
type SignalKind string

const (
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
	SignalStop   SignalKind = "stop"
	SignalKill   SignalKind = "kill"
)

// StartRequest carries the Session-derived parameters start() is allowed to
// forward to the recorder/launcher command line; never request-derived
// data.
type StartRequest struct {
	SessionID        string
	Prompt           string
	MountPath        string
	SnapshotID       string
	ServerConfigPath string
	LauncherArgs     []string
}

// ExitHandler is invoked exactly once per supervised process, on the
// goroutine that observed its exit, whether by natural termination or by a
// forced kill(). The Session Manager decides crash-vs-expected-stop
// classification from the Session's own status at the time of the call.
type ExitHandler func(sessionID string, exitCode int)

// Supervisor runs agent subprocesses under a global admission cap.
type Supervisor struct {
	cfg config.SupervisorConfig
	bus *eventbus.Bus
	log *logger.Logger

	sem      *semaphore.Weighted
	capacity int64
	waiting  int64 // atomic: Sessions currently blocked in sem.Acquire

	mu    sync.Mutex
	procs map[string]*process

	onExit ExitHandler
}

// QueueStatus is a read-only snapshot of the concurrency cap's admission
// state, for operational/debug introspection.
type QueueStatus struct {
	Capacity int `json:"capacity"`
	Active   int `json:"active"`
	Waiting  int `json:"waiting"`
}

type process struct {
	sessionID      string
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	toolSeq        int
	pendingToolUse string
	doneCh         chan struct{}
}

// New constructs a Supervisor with a concurrency cap of cfg.MaxConcurrent
// (at least 1). onExit is called when a supervised process terminates,
// including forced termination after a stop/kill signal.
func New(cfg config.SupervisorConfig, bus *eventbus.Bus, onExit ExitHandler, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Supervisor{
		cfg:      cfg,
		bus:      bus,
		onExit:   onExit,
		sem:      semaphore.NewWeighted(maxConcurrent),
		capacity: maxConcurrent,
		procs:    make(map[string]*process),
		log:      log.WithFields(zap.String("component", "supervisor")),
	}
}

// Start blocks in FIFO order until the concurrency cap admits this Session,
// then launches the recorder wrapping the agent launcher and begins
// monitoring its stdout. Admission blocking is per-Session: ctx cancellation
// while queued aborts the start attempt without ever spawning a process.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) error {
	atomic.AddInt64(&s.waiting, 1)
	err := s.sem.Acquire(ctx, 1)
	atomic.AddInt64(&s.waiting, -1)
	if err != nil {
		return fmt.Errorf("waiting for concurrency slot: %w", err)
	}

	argv := s.buildArgv(req)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.MountPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.sem.Release(1)
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.sem.Release(1)
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.sem.Release(1)
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.sem.Release(1)
		return fmt.Errorf("start agent process: %w", err)
	}

	p := &process{
		sessionID: req.SessionID,
		cmd:       cmd,
		stdin:     stdin,
		doneCh:    make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[req.SessionID] = p
	s.mu.Unlock()

	go s.monitor(p, stdout)
	go s.drainStderr(p, stderr)
	go s.waitForExit(p)

	s.log.Info("agent process started",
		zap.String("session_id", req.SessionID), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// buildArgv constructs [recorder, --session-id, id, --cwd, mountPath,
// --from-snapshot, snapshotID, --non-interactive, --prompt, prompt,
// --config, serverConfigPath, --, launcher, agentArgs...], omitting
// --from-snapshot and --config when not applicable.
func (s *Supervisor) buildArgv(req StartRequest) []string {
	argv := []string{s.cfg.RecorderPath,
		"--session-id", req.SessionID,
		"--cwd", req.MountPath,
	}
	if req.SnapshotID != "" {
		argv = append(argv, "--from-snapshot", req.SnapshotID)
	}
	argv = append(argv, "--non-interactive", "--prompt", req.Prompt)
	if req.ServerConfigPath != "" {
		argv = append(argv, "--config", req.ServerConfigPath)
	}
	argv = append(argv, "--", s.cfg.LauncherPath)
	argv = append(argv, req.LauncherArgs...)
	return argv
}

// Signal delivers kind's OS-level effect to sessionID's process. pause and
// resume map to SIGSTOP/SIGCONT job-control signals; stop sends SIGTERM and
// arms a grace-window timer after which kill is applied automatically; kill
// sends SIGKILL immediately.
func (s *Supervisor) Signal(ctx context.Context, sessionID string, kind SignalKind) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok || p.cmd.Process == nil {
		return fmt.Errorf("no supervised process for session %s", sessionID)
	}

	switch kind {
	case SignalPause:
		return p.cmd.Process.Signal(syscall.SIGSTOP)
	case SignalResume:
		return p.cmd.Process.Signal(syscall.SIGCONT)
	case SignalStop:
		_ = p.stdin.Close()
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return err
		}
		go s.enforceGracefulStop(p)
		return nil
	case SignalKill:
		return p.cmd.Process.Kill()
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}
}

// enforceGracefulStop force-kills a process that outlives the configured
// grace window after a stop request.
func (s *Supervisor) enforceGracefulStop(p *process) {
	timeout := s.cfg.GracefulStopTimeoutDuration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case <-p.doneCh:
	case <-time.After(timeout):
		s.log.Warn("graceful stop timed out, force killing", zap.String("session_id", p.sessionID))
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}

// monitor scans stdout line-by-line, mirroring
// internal/agentctl/process/manager.go's readStderr loop, parsing each JSON
// line into an Event and publishing it. A tool_use that omits a
// toolExecutionId is assigned a fresh per-process sequential one and held as
// the pending match; the next tool_result that also omits one reuses that
// same pending id rather than minting its own, so the pair satisfies the
// "every tool_result has an earlier tool_use with the same toolExecutionId"
// invariant.
func (s *Supervisor) monitor(p *process, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event models.Event
		if err := json.Unmarshal(line, &event); err != nil {
			s.log.Warn("discarding unparseable agent output line",
				zap.String("session_id", p.sessionID), zap.Error(err))
			continue
		}
		event.SessionID = p.sessionID
		switch {
		case event.Type == models.EventToolUse && event.ToolExecutionID == "":
			p.toolSeq++
			event.ToolExecutionID = fmt.Sprintf("%s-tool-%d", p.sessionID, p.toolSeq)
			p.pendingToolUse = event.ToolExecutionID
		case event.Type == models.EventToolResult && event.ToolExecutionID == "":
			event.ToolExecutionID = p.pendingToolUse
			p.pendingToolUse = ""
		}

		if s.bus != nil {
			if err := s.bus.Publish(context.Background(), &event); err != nil {
				s.log.Warn("publishing agent event failed",
					zap.String("session_id", p.sessionID), zap.Error(err))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("stdout scanner error", zap.String("session_id", p.sessionID), zap.Error(err))
	}
}

func (s *Supervisor) drainStderr(p *process, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Debug("agent stderr", zap.String("session_id", p.sessionID), zap.String("line", scanner.Text()))
	}
}

// waitForExit records the process's exit code, releases its concurrency
// slot, and invokes onExit so the Session Manager can apply crash-handling
// semantics (terminal status event, completed vs failed).
func (s *Supervisor) waitForExit(p *process) {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	close(p.doneCh)

	s.mu.Lock()
	delete(s.procs, p.sessionID)
	s.mu.Unlock()
	s.sem.Release(1)

	if s.onExit != nil {
		s.onExit(p.sessionID, exitCode)
	}
}

// ActiveCount reports the number of currently supervised processes, used by
// tests and metrics to observe the concurrency cap in effect.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// QueueStatus reports the concurrency cap, how many slots are occupied, and
// how many Start calls are currently blocked waiting for one.
func (s *Supervisor) QueueStatus() QueueStatus {
	return QueueStatus{
		Capacity: int(s.capacity),
		Active:   s.ActiveCount(),
		Waiting:  int(atomic.LoadInt64(&s.waiting)),
	}
}
