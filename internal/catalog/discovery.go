package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DiscoveryConfig bounds where local-filesystem repository discovery is
// allowed to look.
type DiscoveryConfig struct {
	Roots    []string
	MaxDepth int
}

// LocalRepository is one git checkout found under a discovery root.
type LocalRepository struct {
	Path          string
	Name          string
	DefaultBranch string
}

// ErrPathNotAllowed is returned when a caller asks to discover or validate
// a path outside every configured root.
var ErrPathNotAllowed = errors.New("path is not within an allowed discovery root")

const gitHEAD = "HEAD"

// DiscoverLocalRepositories walks the configured discovery roots (or a
// single caller-supplied root, if it falls within them) looking for git
// checkouts, for the request-building UI's repository picker. This never
// touches the Repository Layer; importing a discovered result into the
// catalog is a separate, explicit ImportRepository call.
func (c *Catalog) DiscoverLocalRepositories(ctx context.Context, root string) ([]LocalRepository, error) {
	roots := c.discoveryRoots()
	if root != "" {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("invalid root path: %w", err)
		}
		if !isPathAllowed(absRoot, roots) {
			return nil, ErrPathNotAllowed
		}
		roots = []string{absRoot}
	}

	repos := make([]LocalRepository, 0)
	seen := make(map[string]struct{})
	for _, scanRoot := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := scanRootForRepos(ctx, scanRoot, c.discoveryMaxDepth())
		if err != nil {
			return nil, err
		}
		for _, repo := range found {
			if _, ok := seen[repo.Path]; ok {
				continue
			}
			seen[repo.Path] = struct{}{}
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

func (c *Catalog) discoveryRoots() []string {
	return normalizeRoots(c.disc.Roots)
}

func (c *Catalog) discoveryMaxDepth() int {
	if c.disc.MaxDepth > 0 {
		return c.disc.MaxDepth
	}
	return 5
}

func normalizeRoots(roots []string) []string {
	normalized := make([]string, 0, len(roots))
	seen := make(map[string]struct{})
	for _, root := range roots {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		clean := filepath.Clean(abs)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		normalized = append(normalized, clean)
	}
	return normalized
}

// scanRootForRepos walks root up to maxDepth looking for .git entries,
// skipping hidden and vendor directories the same way the teacher's
// discovery scan does.
func scanRootForRepos(ctx context.Context, root string, maxDepth int) ([]LocalRepository, error) {
	repos := make([]LocalRepository, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		depth := strings.Count(rel, string(os.PathSeparator))
		if d.IsDir() && depth > maxDepth {
			return fs.SkipDir
		}

		name := d.Name()
		if d.IsDir() && strings.HasPrefix(name, ".") && name != ".git" {
			return fs.SkipDir
		}
		if d.IsDir() && name == "node_modules" {
			return fs.SkipDir
		}
		if name == ".git" {
			repoPath := filepath.Dir(path)
			repo := LocalRepository{Path: repoPath, Name: filepath.Base(repoPath)}
			if branch, err := readGitDefaultBranch(repoPath); err == nil {
				repo.DefaultBranch = branch
			}
			repos = append(repos, repo)
			if d.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return repos, nil
}

func isPathAllowed(path string, roots []string) bool {
	for _, root := range roots {
		if root != "" && isWithinRoot(path, root) {
			return true
		}
	}
	return false
}

func isWithinRoot(path, root string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath = filepath.Clean(absPath)
	absRoot = filepath.Clean(absRoot)
	if absPath == absRoot {
		return true
	}
	separator := string(os.PathSeparator)
	if !strings.HasSuffix(absRoot, separator) {
		absRoot += separator
	}
	return strings.HasPrefix(absPath, absRoot)
}

func readGitDefaultBranch(repoPath string) (string, error) {
	gitDir := filepath.Join(repoPath, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("unsupported .git file (worktree/submodule) at %s", repoPath)
	}
	content, err := os.ReadFile(filepath.Join(gitDir, gitHEAD))
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "ref: ") {
		parts := strings.Split(strings.TrimPrefix(trimmed, "ref: "), "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}
	return "", fmt.Errorf("unable to determine default branch for %s", repoPath)
}
