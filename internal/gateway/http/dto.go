package http

import (
	"github.com/kandev/sessiond/internal/session/models"
)

// createTaskRequest is the wire shape for POST /v1/sessions.
type createTaskRequest struct {
	TenantID  string              `json:"tenant_id,omitempty"`
	ProjectID string              `json:"project_id,omitempty"`
	Task      models.Task         `json:"task"`
	Agent     models.AgentSpec    `json:"agent"`
	Runtime   models.RuntimeSpec  `json:"runtime"`
	Repo      models.RepoSpec     `json:"repo"`
	Delivery  models.DeliverySpec `json:"delivery"`
}

// sessionResponse is the Session read model served to adapters: every
// Session field plus links, recent_events, and, once terminal, changes.
type sessionResponse struct {
	*models.Session
	Links        map[string]string `json:"links"`
	RecentEvents []*models.Event   `json:"recent_events"`
	Changes      *models.Changes   `json:"changes,omitempty"`
}

func toSessionResponse(session *models.Session, recent []*models.Event, changes *models.Changes) sessionResponse {
	links := map[string]string{
		"self":   "/v1/sessions/" + session.ID,
		"events": "/v1/sessions/" + session.ID + "/events",
	}
	return sessionResponse{Session: session, Links: links, RecentEvents: recent, Changes: changes}
}

// listSessionsResponse wraps a page of Sessions with pagination metadata.
type listSessionsResponse struct {
	Items    []sessionResponse `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PerPage  int               `json:"per_page"`
	NextPage *int              `json:"next_page,omitempty"`
}

// draftRequest is the wire shape for POST /v1/drafts.
type draftRequest struct {
	ID         string               `json:"id,omitempty"`
	OwnerScope string               `json:"owner_scope,omitempty"`
	Prompt     string               `json:"prompt,omitempty"`
	Repo       *models.RepoSpec     `json:"repo,omitempty"`
	Agent      *models.AgentSpec    `json:"agent,omitempty"`
	Runtime    *models.RuntimeSpec  `json:"runtime,omitempty"`
	Delivery   *models.DeliverySpec `json:"delivery,omitempty"`
}

// importRepositoryRequest is the wire shape for POST /v1/repositories.
type importRepositoryRequest struct {
	DisplayName   string `json:"display_name"`
	ScmProvider   string `json:"scm_provider"`
	RemoteURL     string `json:"remote_url"`
	DefaultBranch string `json:"default_branch"`
}
