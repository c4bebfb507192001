package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/session/models"
)

func marshalOptional(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// CreateDraft persists a new Draft.
func (r *Repository) CreateDraft(ctx context.Context, d *models.Draft) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO drafts (id, owner_scope, prompt, repo, agent, runtime, delivery, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), d.ID, d.OwnerScope, d.Prompt, marshalOptional(d.Repo), marshalOptional(d.Agent), marshalOptional(d.Runtime), marshalOptional(d.Delivery), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return coreerr.TransientErr("create draft", err)
	}
	return nil
}

func scanDraft(row interface{ Scan(...any) error }) (*models.Draft, error) {
	var d models.Draft
	var repo, agent, runtime, delivery string
	if err := row.Scan(&d.ID, &d.OwnerScope, &d.Prompt, &repo, &agent, &runtime, &delivery, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if repo != "" {
		d.Repo = &models.RepoSpec{}
		_ = json.Unmarshal([]byte(repo), d.Repo)
	}
	if agent != "" {
		d.Agent = &models.AgentSpec{}
		_ = json.Unmarshal([]byte(agent), d.Agent)
	}
	if runtime != "" {
		d.Runtime = &models.RuntimeSpec{}
		_ = json.Unmarshal([]byte(runtime), d.Runtime)
	}
	if delivery != "" {
		d.Delivery = &models.DeliverySpec{}
		_ = json.Unmarshal([]byte(delivery), d.Delivery)
	}
	return &d, nil
}

const draftColumns = `id, owner_scope, prompt, repo, agent, runtime, delivery, created_at, updated_at`

// GetDraft returns a Draft by id.
func (r *Repository) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`), id)
	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFoundErr("draft", id)
	}
	if err != nil {
		return nil, coreerr.TransientErr("get draft", err)
	}
	return d, nil
}

// UpdateDraft overwrites an existing Draft in place.
func (r *Repository) UpdateDraft(ctx context.Context, d *models.Draft) error {
	d.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE drafts SET prompt = ?, repo = ?, agent = ?, runtime = ?, delivery = ?, updated_at = ? WHERE id = ?
	`), d.Prompt, marshalOptional(d.Repo), marshalOptional(d.Agent), marshalOptional(d.Runtime), marshalOptional(d.Delivery), d.UpdatedAt, d.ID)
	if err != nil {
		return coreerr.TransientErr("update draft", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return coreerr.NotFoundErr("draft", d.ID)
	}
	return nil
}

// DeleteDraft hard-deletes a Draft.
func (r *Repository) DeleteDraft(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM drafts WHERE id = ?`), id)
	if err != nil {
		return coreerr.TransientErr("delete draft", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return coreerr.NotFoundErr("draft", id)
	}
	return nil
}

// ListDrafts returns every Draft for an owner scope, most-recently-updated
// first.
func (r *Repository) ListDrafts(ctx context.Context, ownerScope string) ([]*models.Draft, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+draftColumns+` FROM drafts WHERE owner_scope = ? ORDER BY updated_at DESC
	`), ownerScope)
	if err != nil {
		return nil, coreerr.TransientErr("list drafts", err)
	}
	defer func() { _ = rows.Close() }()

	var drafts []*models.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, coreerr.TransientErr("scan draft", err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// UpsertRepositoryIndex inserts or updates a RepositoryIndex entry keyed by
// remote URL.
func (r *Repository) UpsertRepositoryIndex(ctx context.Context, repo *models.RepositoryIndex) error {
	existing, err := r.findRepositoryIndexByURL(ctx, repo.RemoteURL)
	if err != nil && coreerr.KindOf(err) != coreerr.NotFound {
		return err
	}
	if existing != nil {
		repo.ID = existing.ID
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE repository_index SET display_name = ?, scm_provider = ?, default_branch = ?, last_used_at = ? WHERE id = ?
		`), repo.DisplayName, repo.ScmProvider, repo.DefaultBranch, repo.LastUsedAt, repo.ID)
		if err != nil {
			return coreerr.TransientErr("update repository index", err)
		}
		return nil
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO repository_index (id, display_name, scm_provider, remote_url, default_branch, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.DisplayName, repo.ScmProvider, repo.RemoteURL, repo.DefaultBranch, repo.LastUsedAt)
	if err != nil {
		return coreerr.TransientErr("insert repository index", err)
	}
	return nil
}

func scanRepositoryIndex(row interface{ Scan(...any) error }) (*models.RepositoryIndex, error) {
	var ri models.RepositoryIndex
	if err := row.Scan(&ri.ID, &ri.DisplayName, &ri.ScmProvider, &ri.RemoteURL, &ri.DefaultBranch, &ri.LastUsedAt); err != nil {
		return nil, err
	}
	return &ri, nil
}

const repositoryIndexColumns = `id, display_name, scm_provider, remote_url, default_branch, last_used_at`

func (r *Repository) findRepositoryIndexByURL(ctx context.Context, remoteURL string) (*models.RepositoryIndex, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+repositoryIndexColumns+` FROM repository_index WHERE remote_url = ?`), remoteURL)
	ri, err := scanRepositoryIndex(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFoundErr("repository", remoteURL)
	}
	if err != nil {
		return nil, coreerr.TransientErr("find repository index", err)
	}
	return ri, nil
}

// GetRepositoryIndex returns a RepositoryIndex entry by id.
func (r *Repository) GetRepositoryIndex(ctx context.Context, id string) (*models.RepositoryIndex, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT `+repositoryIndexColumns+` FROM repository_index WHERE id = ?`), id)
	ri, err := scanRepositoryIndex(row)
	if err == sql.ErrNoRows {
		return nil, coreerr.NotFoundErr("repository", id)
	}
	if err != nil {
		return nil, coreerr.TransientErr("get repository index", err)
	}
	return ri, nil
}

// ListRepositoryIndex returns every known repository, most-recently-used
// first.
func (r *Repository) ListRepositoryIndex(ctx context.Context) ([]*models.RepositoryIndex, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`SELECT `+repositoryIndexColumns+` FROM repository_index ORDER BY last_used_at DESC`))
	if err != nil {
		return nil, coreerr.TransientErr("list repository index", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.RepositoryIndex
	for rows.Next() {
		ri, err := scanRepositoryIndex(rows)
		if err != nil {
			return nil, coreerr.TransientErr("scan repository index", err)
		}
		entries = append(entries, ri)
	}
	return entries, rows.Err()
}

// TouchRepositoryIndexByURL bumps last_used_at for the repository matching
// remoteURL; it is a no-op if the URL is not yet indexed (entries are only
// created by UpsertRepositoryIndex, never by createTask).
func (r *Repository) TouchRepositoryIndexByURL(ctx context.Context, remoteURL string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE repository_index SET last_used_at = ? WHERE remote_url = ?`), time.Now().UTC(), remoteURL)
	if err != nil {
		return coreerr.TransientErr("touch repository index", err)
	}
	return nil
}
