// Package registry maps repository ids to the location of their vector
// index. Entries live in a small SQLite database under the data directory.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnknownRepository is reported for a repository id with no entry.
var ErrUnknownRepository = errors.New("unknown repository")

// Entry is one registered repository.
type Entry struct {
	ID        string `json:"repository_id"`
	RootPath  string `json:"root_path"`
	IndexPath string `json:"index_path"`
	IsGit     bool   `json:"is_git"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Registry provides access to the repository entries.
type Registry struct {
	db        *sql.DB
	indexDir  string
	reposRoot string
}

// Open opens (creating if needed) the registry stored in dataDir. Paths
// under reposRoot get ids relative to it.
func Open(ctx context.Context, dataDir, reposRoot string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := filepath.Join(dataDir, "registry.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping registry: %w", err)
	}

	r := &Registry{
		db:       db,
		indexDir: filepath.Join(dataDir, "indexes"),
	}
	if reposRoot != "" {
		if abs, err := filepath.Abs(reposRoot); err == nil {
			r.reposRoot = abs
		}
	}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return r, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS repos (
		repo_id    TEXT PRIMARY KEY,
		root_path  TEXT NOT NULL,
		index_path TEXT NOT NULL,
		is_git     INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_repos_root ON repos(root_path);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// DeriveID returns the repository id for root. The same path always maps to
// the same id.
func (r *Registry) DeriveID(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	return DeriveID(abs, r.reposRoot), nil
}

// DeriveID returns the id of the repository at absolute path root. Under
// reposRoot it is the slash-separated relative path; elsewhere it is the
// directory name plus a short digest of the full path.
func DeriveID(root, reposRoot string) string {
	root = filepath.Clean(root)
	if reposRoot != "" {
		rel, err := filepath.Rel(filepath.Clean(reposRoot), root)
		if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(root)))
	return filepath.Base(root) + "-" + hex.EncodeToString(sum[:4])
}

// IndexPath returns where the index of id is stored.
func (r *Registry) IndexPath(id string) string {
	safe := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			return c
		}
		return '_'
	}, id)
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(r.indexDir, safe+"-"+hex.EncodeToString(sum[:4])+".idx")
}

// Ensure creates or refreshes the entry for id.
func (r *Registry) Ensure(ctx context.Context, id, root string, isGit bool) (Entry, error) {
	now := time.Now().Unix()
	query := `
		INSERT INTO repos (repo_id, root_path, index_path, is_git, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			root_path = excluded.root_path,
			is_git = excluded.is_git,
			updated_at = excluded.updated_at
	`
	isGitInt := 0
	if isGit {
		isGitInt = 1
	}
	if _, err := r.db.ExecContext(ctx, query, id, root, r.IndexPath(id), isGitInt, now, now); err != nil {
		return Entry{}, fmt.Errorf("failed to register %s: %w", id, err)
	}
	return r.Resolve(ctx, id)
}

// Resolve returns the entry for id.
func (r *Registry) Resolve(ctx context.Context, id string) (Entry, error) {
	query := `SELECT repo_id, root_path, index_path, is_git, created_at, updated_at FROM repos WHERE repo_id = ?`
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownRepository, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to resolve %s: %w", id, err)
	}
	return e, nil
}

// List returns every entry ordered by id.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT repo_id, root_path, index_path, is_git, created_at, updated_at
		FROM repos ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating repositories: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var isGitInt int
	if err := s.Scan(&e.ID, &e.RootPath, &e.IndexPath, &isGitInt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	e.IsGit = isGitInt == 1
	return e, nil
}
