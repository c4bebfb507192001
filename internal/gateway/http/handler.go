package http

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
	"github.com/kandev/sessiond/internal/session/service"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
	recentEventsN  = 3
)

func (r *Router) healthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// createTask handles POST /v1/sessions, honoring an Idempotency-Key header
// per spec section 6.
func (r *Router) createTask(c *gin.Context) {
	var body createTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, coreerr.Validation(map[string][]string{"body": {err.Error()}}))
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	session, err := r.sessions.CreateTask(c.Request.Context(), service.CreateTaskRequest{
		TenantID:  body.TenantID,
		ProjectID: body.ProjectID,
		Task:      body.Task,
		Agent:     body.Agent,
		Runtime:   body.Runtime,
		Repo:      body.Repo,
		Delivery:  body.Delivery,
	}, idemKey)
	if err != nil {
		writeError(c, err)
		return
	}

	if body.Repo.Mode == models.RepoModeGit && body.Repo.URL != "" && r.catalog != nil {
		_ = r.catalog.NoteRepositoryUsed(c.Request.Context(), body.Repo.URL)
	}

	c.JSON(201, toSessionResponse(session, nil, nil))
}

func (r *Router) getSession(c *gin.Context) {
	id := c.Param("id")
	session, err := r.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	recent, err := r.sessions.RecentEvents(c.Request.Context(), id, recentEventsN)
	if err != nil {
		writeError(c, err)
		return
	}

	var changes *models.Changes
	if session.Status.Terminal() {
		all, err := r.sessions.ListSessionEvents(c.Request.Context(), id)
		if err == nil {
			agg := models.AggregateChanges(all)
			changes = &agg
		}
	}

	c.JSON(200, toSessionResponse(session, recent, changes))
}

func (r *Router) listSessions(c *gin.Context) {
	filters := repository.SessionFilters{
		TenantID:  c.Query("tenant_id"),
		ProjectID: c.Query("project_id"),
		Status:    models.Status(c.Query("status")),
	}
	page := parsePagination(c)

	result, err := r.sessions.ListSessions(c.Request.Context(), filters, page)
	if err != nil {
		writeError(c, err)
		return
	}

	items := make([]sessionResponse, 0, len(result.Items))
	for _, s := range result.Items {
		var recent []*models.Event
		if !s.Status.Terminal() {
			recent, _ = r.sessions.RecentEvents(c.Request.Context(), s.ID, recentEventsN)
		}
		items = append(items, toSessionResponse(s, recent, nil))
	}

	resp := listSessionsResponse{
		Items:   items,
		Total:   result.Total,
		Page:    page.Page,
		PerPage: page.PerPage,
	}
	if page.Page*page.PerPage < result.Total {
		next := page.Page + 1
		resp.NextPage = &next
	}
	c.JSON(200, resp)
}

func (r *Router) pauseSession(c *gin.Context) {
	if err := r.sessions.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(202)
}

func (r *Router) resumeSession(c *gin.Context) {
	if err := r.sessions.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(202)
}

func (r *Router) stopSession(c *gin.Context) {
	if err := r.sessions.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(202)
}

func (r *Router) cancelSession(c *gin.Context) {
	if err := r.sessions.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(202)
}

// subscribeEvents serves GET /v1/sessions/:id/events as an SSE stream,
// beginning at from_sequence+1 (when from_sequence is absent it is 0, so the
// stream replays the full stored history rather than starting at the
// current head) and merging backlog
// with live delivery so the subscriber sees a gap-free sequence, per spec
// section 4.5.
func (r *Router) subscribeEvents(c *gin.Context) {
	id := c.Param("id")
	fromSequence := int64(0)
	if raw := c.Query("from_sequence"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, coreerr.Validation(map[string][]string{"from_sequence": {"must be an integer"}}))
			return
		}
		fromSequence = parsed
	}

	sub, err := r.sessions.Subscribe(c.Request.Context(), id, fromSequence)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return false
			}
			c.SSEvent("message", event)
			if event.Type == models.EventStatus && event.Status.Terminal() {
				return false
			}
			return true
		case <-sub.Lost:
			writeError(c, coreerr.New(coreerr.BackpressureLost, "subscriber disconnected for backpressure"))
			return false
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Router) saveDraft(c *gin.Context) {
	var body draftRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, coreerr.Validation(map[string][]string{"body": {err.Error()}}))
		return
	}
	draft := &models.Draft{
		ID:         body.ID,
		OwnerScope: body.OwnerScope,
		Prompt:     body.Prompt,
		Repo:       body.Repo,
		Agent:      body.Agent,
		Runtime:    body.Runtime,
		Delivery:   body.Delivery,
	}
	saved, err := r.catalog.SaveDraft(c.Request.Context(), draft)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, saved)
}

func (r *Router) getDraft(c *gin.Context) {
	draft, err := r.catalog.GetDraft(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, draft)
}

func (r *Router) deleteDraft(c *gin.Context) {
	if err := r.catalog.DeleteDraft(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(204)
}

func (r *Router) listDrafts(c *gin.Context) {
	drafts, err := r.catalog.ListDrafts(c.Request.Context(), c.Query("owner_scope"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"items": drafts})
}

func (r *Router) importRepository(c *gin.Context) {
	var body importRepositoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, coreerr.Validation(map[string][]string{"body": {err.Error()}}))
		return
	}
	repo, err := r.catalog.ImportRepository(c.Request.Context(), body.DisplayName, body.ScmProvider, body.RemoteURL, body.DefaultBranch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(201, repo)
}

func (r *Router) listRepositories(c *gin.Context) {
	repos, err := r.catalog.ListRepositories(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"items": repos})
}

func (r *Router) getRepository(c *gin.Context) {
	repo, err := r.catalog.GetRepository(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, repo)
}

// discoverRepositories handles GET /v1/repositories/discover, scanning the
// configured local-filesystem roots for git checkouts the request-building
// UI can offer as import candidates. root narrows the scan to a single
// caller-supplied directory, which must still fall within an allowed root.
func (r *Router) discoverRepositories(c *gin.Context) {
	found, err := r.catalog.DiscoverLocalRepositories(c.Request.Context(), c.Query("root"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"items": found})
}

// queueStatus handles GET /v1/sessions/queue, a read-only operational view
// of the Agent Supervisor's admission cap: how many slots exist, how many
// are occupied by running processes, and how many Sessions are currently
// blocked waiting for one.
func (r *Router) queueStatus(c *gin.Context) {
	c.JSON(200, r.sessions.GetQueueStatus())
}

// parsePagination reads page/per_page query params, defaulting per_page to
// 50 and capping it at 200 per spec section 6.
func parsePagination(c *gin.Context) repository.Pagination {
	page := repository.Pagination{Page: 1, PerPage: defaultPerPage}
	if raw := c.Query("page"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			page.Page = v
		}
	}
	if raw := c.Query("per_page"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			page.PerPage = v
		}
	}
	if page.PerPage > maxPerPage {
		page.PerPage = maxPerPage
	}
	return page
}
