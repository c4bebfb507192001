package models

import (
	"time"

	"github.com/kandev/sessiond/internal/common/idgen"
)

// SessionIDPrefix namespaces Session identifiers, e.g. "ses_01J6Z...".
const SessionIDPrefix = "ses"

// DraftIDPrefix namespaces Draft identifiers.
const DraftIDPrefix = "drf"

// RepositoryIDPrefix namespaces RepositoryIndex identifiers.
const RepositoryIDPrefix = "repo"

// NewSession builds a Session in StatusQueued from a validated request,
// stamping its id and timestamps. The caller is responsible for persisting
// it via the Repository Layer before returning it to an adapter.
func NewSession(task Task, agent AgentSpec, runtime RuntimeSpec, repo RepoSpec, delivery DeliverySpec, tenantID, projectID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        idgen.New(SessionIDPrefix),
		TenantID:  tenantID,
		ProjectID: projectID,
		Task:      task,
		Agent:     agent,
		Runtime:   runtime,
		Repo:      repo,
		Delivery:  delivery,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewStatusEvent builds the status event the Session Manager emits on every
// persisted transition.
func NewStatusEvent(sessionID string, sequence int64, status Status) *Event {
	return &Event{
		SessionID: sessionID,
		Sequence:  sequence,
		Ts:        time.Now().UTC(),
		Type:      EventStatus,
		Status:    status,
	}
}

// AggregateChanges aggregates a Session's file_edit events. Callers pass the
// events to aggregate; the core does not retain a running total on Session
// itself because events are append-only and replayable.
func AggregateChanges(events []*Event) Changes {
	var c Changes
	for _, e := range events {
		if e.Type != EventFileEdit {
			continue
		}
		c.FilesChanged++
		c.LinesAdded += e.LinesAdded
		c.LinesRemoved += e.LinesRemoved
	}
	return c
}
