// Package catalog implements the Draft & Repository Catalog: CRUD over
// saved task Drafts and the Repository Index that backs a repository
// picker, plus a read-only local filesystem discovery helper.
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
)

// Catalog is a thin, validating wrapper over the Repository Layer's draft
// and repository-index operations. It owns no state of its own beyond the
// discovery config.
type Catalog struct {
	repo repository.Repository
	disc DiscoveryConfig
}

// New constructs a Catalog.
func New(repo repository.Repository, disc DiscoveryConfig) *Catalog {
	return &Catalog{repo: repo, disc: disc}
}

// SaveDraft creates a new Draft or, if draft.ID is already set, validates
// the caller owns it and overwrites it in place.
func (c *Catalog) SaveDraft(ctx context.Context, d *models.Draft) (*models.Draft, error) {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = models.DraftIDPrefix + "_" + uuid.NewString()
		d.CreatedAt = now
		d.UpdatedAt = now
		if err := c.repo.CreateDraft(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	existing, err := c.repo.GetDraft(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if existing.OwnerScope != d.OwnerScope {
		return nil, coreerr.Conflicting("draft belongs to a different owner scope")
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = now
	if err := c.repo.UpdateDraft(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDraft returns a single Draft by id.
func (c *Catalog) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	return c.repo.GetDraft(ctx, id)
}

// DeleteDraft hard-deletes a Draft.
func (c *Catalog) DeleteDraft(ctx context.Context, id string) error {
	return c.repo.DeleteDraft(ctx, id)
}

// ListDrafts lists every Draft visible to ownerScope.
func (c *Catalog) ListDrafts(ctx context.Context, ownerScope string) ([]*models.Draft, error) {
	return c.repo.ListDrafts(ctx, ownerScope)
}

// ImportRepository upserts a RepositoryIndex entry, e.g. from an explicit
// "add repository" action in a request-building UI.
func (c *Catalog) ImportRepository(ctx context.Context, displayName, scmProvider, remoteURL, defaultBranch string) (*models.RepositoryIndex, error) {
	if remoteURL == "" {
		return nil, coreerr.Validation(map[string][]string{"remote_url": {"remote_url is required"}})
	}
	r := &models.RepositoryIndex{
		ID:            models.RepositoryIDPrefix + "_" + uuid.NewString(),
		DisplayName:   displayName,
		ScmProvider:   scmProvider,
		RemoteURL:     remoteURL,
		DefaultBranch: defaultBranch,
		LastUsedAt:    time.Now().UTC(),
	}
	if err := c.repo.UpsertRepositoryIndex(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRepositories returns every catalogued repository.
func (c *Catalog) ListRepositories(ctx context.Context) ([]*models.RepositoryIndex, error) {
	return c.repo.ListRepositoryIndex(ctx)
}

// GetRepository returns a single catalogued repository by id.
func (c *Catalog) GetRepository(ctx context.Context, id string) (*models.RepositoryIndex, error) {
	return c.repo.GetRepositoryIndex(ctx, id)
}

// NoteRepositoryUsed bumps a repository's LastUsedAt, called by the HTTP
// adapter after a successful createTask against remoteURL.
func (c *Catalog) NoteRepositoryUsed(ctx context.Context, remoteURL string) error {
	return c.repo.TouchRepositoryIndexByURL(ctx, remoteURL)
}
