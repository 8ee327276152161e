package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		url         string
		owner, repo string
		wantErr     bool
	}{
		{url: "https://github.com/golang/go", owner: "golang", repo: "go"},
		{url: "https://github.com/golang/go.git", owner: "golang", repo: "go"},
		{url: "https://github.com/spf13/cobra/", owner: "spf13", repo: "cobra"},
		{url: "git@github.com:blevesearch/bleve.git", owner: "blevesearch", repo: "bleve"},
		{url: "https://gitlab.com/group/project", wantErr: true},
		{url: "https://github.com/only-owner", wantErr: true},
		{url: "https://github.com/a/b/c", wantErr: true},
		{url: "https://github.com/../etc", wantErr: true},
		{url: "--upload-pack=evil", wantErr: true},
		{url: "", wantErr: true},
	}
	for _, tt := range tests {
		owner, repo, err := ParseGitHubURL(tt.url)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("ParseGitHubURL(%q) error = %v, want ErrInvalidArgument", tt.url, err)
			}
			continue
		}
		if err != nil || owner != tt.owner || repo != tt.repo {
			t.Errorf("ParseGitHubURL(%q) = %q, %q, %v; want %q, %q", tt.url, owner, repo, err, tt.owner, tt.repo)
		}
	}
}

func TestCloneRepo_Validation(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	if _, err := CloneRepo(ctx, root, "not a url", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad url: error = %v", err)
	}
	if _, err := CloneRepo(ctx, root, "https://github.com/golang/go", "--force"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad branch: error = %v", err)
	}

	if err := os.MkdirAll(filepath.Join(root, "golang", "go"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := CloneRepo(ctx, root, "https://github.com/golang/go", ""); !errors.Is(err, ErrRepositoryExists) {
		t.Errorf("existing target: error = %v, want ErrRepositoryExists", err)
	}
}

func TestEngineClone_RequiresReposRoot(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cfg.ReposRoot = ""
	if _, _, err := env.engine.Clone(context.Background(), "https://github.com/golang/go", "", true); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Clone() error = %v, want ErrInvalidArgument", err)
	}
}
