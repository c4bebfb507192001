package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/db/dialect"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
)

// InsertSession persists a new Session row. The caller has already stamped
// ID/Status/CreatedAt/UpdatedAt via models.NewSession.
func (r *Repository) InsertSession(ctx context.Context, s *models.Session) error {
	labels, _ := json.Marshal(s.Task.Labels)
	attachments, _ := json.Marshal(s.Task.Attachments)
	settings, _ := json.Marshal(s.Agent.Settings)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (
			id, tenant_id, project_id, prompt, labels, attachments,
			agent_type, agent_version, agent_settings,
			runtime_type, devcontainer_path, runtime_cpu, runtime_memory_mib,
			repo_mode, repo_url, repo_branch, repo_commit,
			snapshot_provider, mount_path, execution_host_id, snapshot_id,
			delivery_mode, delivery_target_branch,
			status, error_kind, error_detail, cleanup_requested,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.TenantID, s.ProjectID, s.Task.Prompt, string(labels), string(attachments),
		s.Agent.Type, s.Agent.Version, string(settings),
		string(s.Runtime.Type), s.Runtime.DevcontainerPath, runtimeCPU(s.Runtime), runtimeMemory(s.Runtime),
		string(s.Repo.Mode), s.Repo.URL, s.Repo.Branch, s.Repo.Commit,
		s.Workspace.SnapshotProvider, s.Workspace.MountPath, s.Workspace.ExecutionHostID, s.Workspace.SnapshotID,
		string(s.Delivery.Mode), s.Delivery.TargetBranch,
		string(s.Status), s.ErrorKind, s.ErrorDetail, dialect.BoolToInt(s.CleanupRequested),
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return coreerr.TransientErr("insert session", err)
	}
	return nil
}

func runtimeCPU(r models.RuntimeSpec) float64 {
	if r.Resources == nil {
		return 0
	}
	return r.Resources.CPU
}

func runtimeMemory(r models.RuntimeSpec) int {
	if r.Resources == nil {
		return 0
	}
	return r.Resources.MemoryMiB
}

// UpdateSessionStatus performs the CAS update described by the Repository
// interface: the WHERE clause pins the current status to `from`, so a
// concurrent writer racing on the same Session sees RowsAffected()==0 and
// the call is rejected as ConflictingState.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, from, to models.Status, errorKind, errorDetail string) error {
	now := time.Now().UTC()

	setClauses := []string{"status = ?", "updated_at = ?", "error_kind = ?", "error_detail = ?"}
	args := []any{string(to), now, errorKind, errorDetail}

	if to == models.StatusRunning && from == models.StatusProvisioning {
		setClauses = append(setClauses, "started_at = ?")
		args = append(args, now)
	}
	if to.Terminal() || to == models.StatusStopped {
		setClauses = append(setClauses, "ended_at = ?")
		args = append(args, now)
	}

	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ? AND status = ?", strings.Join(setClauses, ", "))
	args = append(args, id, string(from))

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return coreerr.TransientErr("update session status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		current, getErr := r.GetSession(ctx, id)
		if getErr != nil {
			return coreerr.NotFoundErr("session", id)
		}
		return coreerr.Conflicting(fmt.Sprintf("session %s is %s, not %s", id, current.Status, from))
	}
	return nil
}

// UpdateSessionWorkspace records the Provisioner's result on a Session and
// the commit resolved from its branch.
func (r *Repository) UpdateSessionWorkspace(ctx context.Context, id string, workspace models.Workspace, resolvedCommit string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET
			snapshot_provider = ?, mount_path = ?, execution_host_id = ?, snapshot_id = ?,
			repo_commit = ?, updated_at = ?
		WHERE id = ?
	`), workspace.SnapshotProvider, workspace.MountPath, workspace.ExecutionHostID, workspace.SnapshotID,
		resolvedCommit, time.Now().UTC(), id)
	if err != nil {
		return coreerr.TransientErr("update session workspace", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return coreerr.NotFoundErr("session", id)
	}
	return nil
}

const sessionColumns = `
	id, tenant_id, project_id, prompt, labels, attachments,
	agent_type, agent_version, agent_settings,
	runtime_type, devcontainer_path, runtime_cpu, runtime_memory_mib,
	repo_mode, repo_url, repo_branch, repo_commit,
	snapshot_provider, mount_path, execution_host_id, snapshot_id,
	delivery_mode, delivery_target_branch,
	status, error_kind, error_detail, cleanup_requested,
	created_at, updated_at, started_at, ended_at
`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var labels, attachments, settings string
	var runtimeType, repoMode, deliveryMode, status string
	var cleanupRequested int
	var startedAt, endedAt sql.NullTime
	var cpu sql.NullFloat64
	var memMiB sql.NullInt64

	err := row.Scan(
		&s.ID, &s.TenantID, &s.ProjectID, &s.Task.Prompt, &labels, &attachments,
		&s.Agent.Type, &s.Agent.Version, &settings,
		&runtimeType, &s.Runtime.DevcontainerPath, &cpu, &memMiB,
		&repoMode, &s.Repo.URL, &s.Repo.Branch, &s.Repo.Commit,
		&s.Workspace.SnapshotProvider, &s.Workspace.MountPath, &s.Workspace.ExecutionHostID, &s.Workspace.SnapshotID,
		&deliveryMode, &s.Delivery.TargetBranch,
		&status, &s.ErrorKind, &s.ErrorDetail, &cleanupRequested,
		&s.CreatedAt, &s.UpdatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Runtime.Type = models.RuntimeType(runtimeType)
	s.Repo.Mode = models.RepoMode(repoMode)
	s.Delivery.Mode = models.DeliveryMode(deliveryMode)
	s.Status = models.Status(status)
	s.CleanupRequested = cleanupRequested != 0
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if cpu.Valid && cpu.Float64 != 0 || memMiB.Valid && memMiB.Int64 != 0 {
		s.Runtime.Resources = &models.RuntimeResources{CPU: cpu.Float64, MemoryMiB: int(memMiB.Int64)}
	}
	_ = json.Unmarshal([]byte(labels), &s.Task.Labels)
	_ = json.Unmarshal([]byte(attachments), &s.Task.Attachments)
	_ = json.Unmarshal([]byte(settings), &s.Agent.Settings)
	return &s, nil
}

// GetSession returns the latest consistent view of a Session.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFoundErr("session", id)
	}
	if err != nil {
		return nil, coreerr.TransientErr("get session", err)
	}
	return s, nil
}

// ListSessions returns a filtered, paginated page of Sessions ordered by
// most-recently-updated first.
func (r *Repository) ListSessions(ctx context.Context, filters repository.SessionFilters, page repository.Pagination) (repository.PageResult[*models.Session], error) {
	var empty repository.PageResult[*models.Session]

	where := []string{"1 = 1"}
	var args []any
	if filters.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filters.TenantID)
	}
	if filters.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filters.ProjectID)
	}
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filters.Status))
	}
	whereSQL := strings.Join(where, " AND ")

	perPage := page.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}
	pageNum := page.Page
	if pageNum <= 0 {
		pageNum = 1
	}
	offset := (pageNum - 1) * perPage

	var total int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM sessions WHERE `+whereSQL), args...).Scan(&total); err != nil {
		return empty, coreerr.TransientErr("count sessions", err)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE `+whereSQL+`
		ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`), append(append([]any{}, args...), perPage, offset)...)
	if err != nil {
		return empty, coreerr.TransientErr("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return empty, coreerr.TransientErr("scan session", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return empty, coreerr.TransientErr("iterate sessions", err)
	}

	return repository.PageResult[*models.Session]{Items: items, Total: total}, nil
}
