package indexer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"
)

// FileInfo contains metadata about a discovered file.
type FileInfo struct {
	Path      string // relative to the repository root, slash separated
	Lang      string
	Hash      string
	SizeBytes int64
	MtimeUnix int64
}

// WalkError represents an error that occurred during file walking.
type WalkError struct {
	Path string
	Err  error
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *WalkError) Unwrap() error { return e.Err }

// WalkResult contains the results of a repository walk.
type WalkResult struct {
	Files  []FileInfo // sorted by path
	Errors []WalkError
}

// DefaultIgnorePatterns are common directories and files to skip.
var DefaultIgnorePatterns = []string{
	".git",
	".hg",
	".svn",
	"node_modules",
	"dist",
	"build",
	"vendor",
	"__pycache__",
	"venv",
	".venv",
	".env",
	"coverage",
	".next",
	".cache",
	"target",
	"bin",
	"obj",
	".idea",
	".vscode",
	".DS_Store",
	"*.pyc",
	"*.pyo",
	"*.pyd",
	"*.so",
	"*.dll",
	"*.dylib",
	"*.exe",
	"*.o",
	"*.a",
	"*.class",
	"*.jar",
	"*.jpg",
	"*.jpeg",
	"*.png",
	"*.gif",
	"*.ico",
	"*.pdf",
	"*.zip",
	"*.tar",
	"*.gz",
}

// WalkerConfig configures the file walker behavior.
type WalkerConfig struct {
	// MaxConcurrency limits parallel file hashing. Default: 4
	MaxConcurrency int
	// LanguageDetector for custom language detection. Default: ExtensionDetector
	LanguageDetector LanguageDetector
	// MaxFileBytes skips larger files. 0 means no limit.
	MaxFileBytes int64
	// ExtraIgnore is appended to the default and .gitignore patterns.
	ExtraIgnore []string
}

// Walker walks a repository and discovers indexable files.
type Walker struct {
	repoRoot      string
	config        WalkerConfig
	ignoreMatcher gitignore.IgnoreParser
	langDetector  LanguageDetector
}

// NewWalker creates a new file walker for the given repository root.
func NewWalker(repoRoot string) (*Walker, error) {
	return NewWalkerWithConfig(repoRoot, WalkerConfig{})
}

// NewWalkerWithConfig creates a new file walker with custom configuration.
func NewWalkerWithConfig(repoRoot string, config WalkerConfig) (*Walker, error) {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.LanguageDetector == nil {
		config.LanguageDetector = NewExtensionDetector()
	}

	info, err := os.Stat(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, repoRoot)
	}

	w := &Walker{
		repoRoot:     repoRoot,
		config:       config,
		langDetector: config.LanguageDetector,
	}

	allPatterns := make([]string, 0, len(DefaultIgnorePatterns)+len(config.ExtraIgnore)+10)
	allPatterns = append(allPatterns, DefaultIgnorePatterns...)
	allPatterns = append(allPatterns, w.loadGitignorePatterns(repoRoot)...)
	allPatterns = append(allPatterns, config.ExtraIgnore...)
	w.ignoreMatcher = gitignore.CompileIgnoreLines(allPatterns...)

	return w, nil
}

// Ignored reports whether relPath is excluded by the ignore rules.
func (w *Walker) Ignored(relPath string) bool {
	return w.ignoreMatcher.MatchesPath(filepath.ToSlash(relPath))
}

// loadGitignorePatterns loads patterns from all .gitignore files in the repo.
// Nested files are not scoped to their directory.
func (w *Walker) loadGitignorePatterns(repoRoot string) []string {
	var patterns []string

	rootGitignore := filepath.Join(repoRoot, ".gitignore")
	if lines, err := readGitignoreLines(rootGitignore); err == nil {
		patterns = append(patterns, lines...)
	}

	filepath.WalkDir(repoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if d.IsDir() || d.Name() != ".gitignore" || path == rootGitignore {
			return nil
		}
		if lines, err := readGitignoreLines(path); err == nil {
			patterns = append(patterns, lines...)
		}
		return nil
	})

	return patterns
}

// readGitignoreLines reads patterns from a .gitignore file.
func readGitignoreLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// Walk discovers every non-ignored regular file under the root and hashes
// it. Per-file problems are collected in the result; only cancellation
// fails the walk.
func (w *Walker) Walk(ctx context.Context) (WalkResult, error) {
	var result WalkResult
	var paths []string

	err := filepath.WalkDir(w.repoRoot, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			result.Errors = append(result.Errors, WalkError{Path: w.rel(path), Err: err})
			if d != nil && d.IsDir() && path != w.repoRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if path == w.repoRoot {
			return nil
		}

		relPath := w.rel(path)
		if w.Ignored(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are not followed.
		if d.Type()&os.ModeSymlink != 0 || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, relPath)
		return nil
	})
	if err != nil {
		return result, err
	}

	infos := make([]*FileInfo, len(paths))
	errs := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.MaxConcurrency)
	for i, relPath := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			infos[i], errs[i] = w.getFileInfo(relPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for i, relPath := range paths {
		if errs[i] != nil {
			result.Errors = append(result.Errors, WalkError{Path: relPath, Err: errs[i]})
			continue
		}
		result.Files = append(result.Files, *infos[i])
	}
	slices.SortFunc(result.Files, func(a, b FileInfo) int { return strings.Compare(a.Path, b.Path) })
	return result, nil
}

func (w *Walker) rel(path string) string {
	relPath, err := filepath.Rel(w.repoRoot, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(relPath)
}

// getFileInfo reads file metadata and computes the content hash.
func (w *Walker) getFileInfo(relPath string) (*FileInfo, error) {
	fullPath := filepath.Join(w.repoRoot, filepath.FromSlash(relPath))
	stat, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if w.config.MaxFileBytes > 0 && stat.Size() > w.config.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, stat.Size(), w.config.MaxFileBytes)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	return &FileInfo{
		Path:      relPath,
		Lang:      w.langDetector.Detect(relPath),
		Hash:      fmt.Sprintf("%x", hasher.Sum(nil)),
		SizeBytes: stat.Size(),
		MtimeUnix: stat.ModTime().Unix(),
	}, nil
}

// HashContent returns the hash Walk computes for a file with this content.
func HashContent(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
