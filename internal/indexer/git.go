package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitInfo contains git repository information.
type GitInfo struct {
	IsGit   bool
	GitRoot string
}

// DetectGit detects if a directory is within a git repository.
// Returns git information or falls back to non-git mode.
func DetectGit(ctx context.Context, repoRoot string) GitInfo {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = repoRoot

	output, err := cmd.Output()
	if err != nil {
		// Not a git repo or git not available
		return GitInfo{IsGit: false}
	}

	return GitInfo{
		IsGit:   true,
		GitRoot: strings.TrimSpace(string(output)),
	}
}

// IsGitInstalled checks if git is available on the system.
func IsGitInstalled(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "--version")
	return cmd.Run() == nil
}

var (
	githubHTTPS = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	githubSSH   = regexp.MustCompile(`^git@github\.com:([^/]+)/([^/]+?)(?:\.git)?/?$`)
	safeName    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ErrRepositoryExists is reported when a clone target already exists.
var ErrRepositoryExists = errors.New("repository already exists")

// ParseGitHubURL extracts owner and repository name from an https or ssh
// GitHub URL.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	m := githubHTTPS.FindStringSubmatch(url)
	if m == nil {
		m = githubSSH.FindStringSubmatch(url)
	}
	if m == nil {
		return "", "", fmt.Errorf("%w: invalid GitHub URL %q, must be https://github.com/owner/repo or git@github.com:owner/repo",
			ErrInvalidArgument, url)
	}
	owner, repo = m[1], m[2]
	for _, part := range []string{owner, repo} {
		if !safeName.MatchString(part) || part == "." || part == ".." {
			return "", "", fmt.Errorf("%w: invalid GitHub URL %q", ErrInvalidArgument, url)
		}
	}
	return owner, repo, nil
}

// CloneRepo clones a GitHub repository into reposRoot/owner/repo and
// returns the target directory.
func CloneRepo(ctx context.Context, reposRoot, url, branch string) (string, error) {
	owner, repo, err := ParseGitHubURL(url)
	if err != nil {
		return "", err
	}
	if branch != "" && strings.HasPrefix(branch, "-") {
		return "", fmt.Errorf("%w: invalid branch %q", ErrInvalidArgument, branch)
	}

	target := filepath.Join(reposRoot, owner, repo)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%w at %s", ErrRepositoryExists, target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	args := []string{"clone"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, "--", url, target)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.RemoveAll(target)
		return "", fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return target, nil
}

// Clone clones a GitHub repository under the engine's repositories root and,
// when index is set, indexes it. The summary is nil when index is false.
func (e *Engine) Clone(ctx context.Context, url, branch string, index bool) (string, *UpdateSummary, error) {
	if e.cfg.ReposRoot == "" {
		return "", nil, fmt.Errorf("%w: no repositories root configured", ErrInvalidArgument)
	}
	target, err := CloneRepo(ctx, e.cfg.ReposRoot, url, branch)
	if err != nil {
		return "", nil, err
	}
	log.Printf("📦 Cloned %s into %s", url, target)
	if !index {
		return target, nil, nil
	}
	sum, err := e.UpdateIndex(ctx, target)
	return target, sum, err
}
