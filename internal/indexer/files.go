package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File is the full content of one repository file.
type File struct {
	RepositoryID string `json:"repository_id"`
	FilePath     string `json:"file_path"`
	Lang         string `json:"lang,omitempty"`
	Content      string `json:"content"`
}

// GetFile reads filePath from the registered repository. filePath is
// relative to the repository root, as returned by Search.
func (e *Engine) GetFile(ctx context.Context, repository, filePath string) (*File, error) {
	entry, err := e.registry.Resolve(ctx, repository)
	if err != nil {
		return nil, err
	}

	rel, err := cleanRelative(filePath)
	if err != nil {
		return nil, err
	}
	fullPath := filepath.Join(entry.RootPath, rel)
	if err := withinRoot(entry.RootPath, fullPath); err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return nil, fmt.Errorf("%w: %s in repository %s", ErrFileNotFound, filePath, repository)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}
	return &File{
		RepositoryID: entry.ID,
		FilePath:     filepath.ToSlash(rel),
		Lang:         e.detector.Detect(rel),
		Content:      string(content),
	}, nil
}

// cleanRelative rejects absolute paths and paths leaving the root.
func cleanRelative(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: file path must not be empty", ErrInvalidArgument)
	}
	rel := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(rel) || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: file path %q must be relative to the repository", ErrInvalidArgument, p)
	}
	return rel, nil
}

// withinRoot rejects paths that escape root through symlinks.
func withinRoot(root, full string) error {
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		// Missing files are reported by the caller.
		return nil
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s points outside the repository", ErrInvalidArgument, full)
	}
	return nil
}

// RepositoryInfo describes one registered repository.
type RepositoryInfo struct {
	ID        string `json:"repository_id"`
	RootPath  string `json:"root_path"`
	IsGit     bool   `json:"is_git"`
	Indexed   bool   `json:"indexed"`
	Files     int    `json:"files"`
	Chunks    int    `json:"chunks"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
	Busy      bool   `json:"busy"`
	Error     string `json:"error,omitempty"`
}

// Repositories lists the registered repositories with index statistics.
// An unreadable index is reported on its entry rather than failing the list.
func (e *Engine) Repositories(ctx context.Context) ([]RepositoryInfo, error) {
	entries, err := e.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RepositoryInfo, 0, len(entries))
	for _, entry := range entries {
		info := RepositoryInfo{
			ID:       entry.ID,
			RootPath: entry.RootPath,
			IsGit:    entry.IsGit,
			Busy:     e.leases.busy(entry.ID),
		}
		s, err := e.snapshot(ctx, entry)
		switch {
		case err != nil:
			info.Error = err.Error()
		case s != nil:
			meta := s.ix.Meta()
			info.Indexed = true
			info.Files = len(s.ix.Files())
			info.Chunks = s.ix.Len()
			info.Model = meta.Model
			info.Dimension = meta.Dimension
			info.UpdatedAt = meta.UpdatedAt
		}
		out = append(out, info)
	}
	return out, nil
}
