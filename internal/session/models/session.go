// Package models defines the Session orchestration core's persistent data
// model: Session, Event, SnapshotCacheEntry, Draft, and RepositoryIndex.
package models

import (
	"encoding/json"
	"time"
)

// Status is the Session's lifecycle state. The set and its legal
// transitions are exhaustive; any other requested transition is rejected
// with coreerr.ConflictingState.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusPausing      Status = "pausing"
	StatusPaused       Status = "paused"
	StatusResuming     Status = "resuming"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether a Session in this status is immutable except for
// event attachments.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RepoMode selects how a Session's workspace is sourced.
type RepoMode string

const (
	RepoModeGit    RepoMode = "git"
	RepoModeUpload RepoMode = "upload"
	RepoModeNone   RepoMode = "none"
)

// RuntimeType selects the execution environment for the agent process.
type RuntimeType string

const (
	RuntimeDevcontainer RuntimeType = "devcontainer"
	RuntimeLocal        RuntimeType = "local"
	RuntimeDisabled     RuntimeType = "disabled"
)

// DeliveryMode selects how the agent's changes are returned to the caller.
type DeliveryMode string

const (
	DeliveryPR     DeliveryMode = "pr"
	DeliveryBranch DeliveryMode = "branch"
	DeliveryPatch  DeliveryMode = "patch"
)

// AttachmentMeta describes a file attached to a task at creation time. The
// core stores only metadata; attachment bytes live with an external
// collaborator.
type AttachmentMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	URL         string `json:"url,omitempty"`
}

// Task carries the prompt and caller-supplied labels for a Session.
type Task struct {
	Prompt      string            `json:"prompt"`
	Labels      map[string]string `json:"labels,omitempty"`
	Attachments []AttachmentMeta  `json:"attachments,omitempty"`
}

// AgentSpec names the agent implementation and forwards its settings
// unaltered to the Supervisor.
type AgentSpec struct {
	Type     string                     `json:"type"`
	Version  string                     `json:"version,omitempty"`
	Settings map[string]json.RawMessage `json:"settings,omitempty"`
}

// RuntimeResources bounds the compute given to the agent's runtime.
type RuntimeResources struct {
	CPU       float64 `json:"cpu,omitempty"`
	MemoryMiB int     `json:"memory_mib,omitempty"`
}

// RuntimeSpec selects the execution environment for the agent process.
type RuntimeSpec struct {
	Type             RuntimeType       `json:"type"`
	DevcontainerPath string            `json:"devcontainer_path,omitempty"`
	Resources        *RuntimeResources `json:"resources,omitempty"`
}

// RepoSpec identifies the source of the Session's workspace. Commit is
// empty until the Provisioner resolves Branch to an immutable hash on entry
// to provisioning.
type RepoSpec struct {
	Mode   RepoMode `json:"mode"`
	URL    string   `json:"url,omitempty"`
	Branch string   `json:"branch,omitempty"`
	Commit string   `json:"commit,omitempty"`
}

// Workspace is the Provisioner's output, recorded on the Session once
// provisioning succeeds. SnapshotID is empty when RepoSpec.Mode is not git.
type Workspace struct {
	SnapshotProvider string `json:"snapshot_provider,omitempty"`
	MountPath        string `json:"mount_path,omitempty"`
	ExecutionHostID  string `json:"execution_host_id,omitempty"`
	SnapshotID       string `json:"snapshot_id,omitempty"`
}

// DeliverySpec controls how the agent's changes are surfaced when the
// Session completes.
type DeliverySpec struct {
	Mode         DeliveryMode `json:"mode"`
	TargetBranch string       `json:"target_branch,omitempty"`
}

// Changes aggregates file_edit events for a terminal Session's read model.
type Changes struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// Session is the running instance of a submitted task. The Session Manager
// is the only writer; every other component holds a read view or a handle
// (the Workspace's snapshot lease) that references but does not own it.
type Session struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	Task     Task         `json:"task"`
	Agent    AgentSpec    `json:"agent"`
	Runtime  RuntimeSpec  `json:"runtime"`
	Repo     RepoSpec     `json:"repo"`
	Delivery DeliverySpec `json:"delivery"`

	Workspace Workspace `json:"workspace"`

	Status Status `json:"status"`

	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// CleanupRequested marks a Session that a caller asked to delete;
	// deletion never removes the row, it only drives the state machine to
	// cancelled/stopped and sets this flag.
	CleanupRequested bool `json:"cleanup_requested,omitempty"`
}

// allowedTransitions enumerates every legal (from, to) pair. Anything absent
// is ConflictingState. Intermediate states (pausing, resuming, stopping)
// are reached and left by the Session Manager within a single background
// step and are listed here for completeness of the invariant check.
var allowedTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProvisioning: true,
		StatusCancelled:    true,
	},
	StatusProvisioning: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPausing:   true,
		StatusStopping:  true,
	},
	StatusPausing: {
		StatusPaused: true,
		StatusFailed: true,
	},
	StatusPaused: {
		StatusResuming: true,
		StatusStopping: true,
	},
	StatusResuming: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusStopping: {
		StatusStopped:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether moving a Session from `from` to `to` is a
// legal edge of the state machine in spec section 4.5.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
