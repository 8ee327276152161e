package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more events before
// starting an update.
const DefaultDebounce = 500 * time.Millisecond

// FileWatcher watches a repository and reports debounced batches of
// changed paths.
type FileWatcher struct {
	repoRoot      string
	watcher       *fsnotify.Watcher
	onChange      func([]string) // receives paths relative to repoRoot
	debounceTime  time.Duration
	mu            sync.Mutex
	pendingEvents map[string]bool
	ignored       func(string) bool
	wg            sync.WaitGroup
}

// NewFileWatcher creates a new file system watcher. ignored is consulted
// with slash-separated relative paths and may be nil.
func NewFileWatcher(repoRoot string, debounce time.Duration, ignored func(string) bool) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if ignored == nil {
		ignored = func(string) bool { return false }
	}
	return &FileWatcher{
		repoRoot:      repoRoot,
		watcher:       watcher,
		debounceTime:  debounce,
		pendingEvents: make(map[string]bool),
		ignored:       ignored,
	}, nil
}

// OnChange sets the callback function for file changes.
func (fw *FileWatcher) OnChange(callback func([]string)) {
	fw.onChange = callback
}

// Start adds every non-ignored directory and begins watching until ctx is
// done.
func (fw *FileWatcher) Start(ctx context.Context) error {
	err := filepath.WalkDir(fw.repoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != fw.repoRoot && fw.ignored(fw.rel(path)) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			log.Printf("⚠️  Failed to watch %s: %v", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk repo: %w", err)
	}

	fw.wg.Add(2)
	go fw.eventLoop(ctx)
	go fw.debounceLoop(ctx)
	return nil
}

// Wait blocks until the watcher's goroutines have exited and releases
// the underlying watcher.
func (fw *FileWatcher) Wait() error {
	fw.wg.Wait()
	return fw.watcher.Close()
}

func (fw *FileWatcher) rel(path string) string {
	relPath, err := filepath.Rel(fw.repoRoot, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(relPath)
}

// eventLoop processes filesystem events.
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Watcher error: %v", err)
		}
	}
}

// handleEvent processes a single filesystem event.
func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	relPath := fw.rel(event.Name)
	if fw.ignored(relPath) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.watcher.Add(event.Name); err != nil {
				log.Printf("⚠️  Failed to watch new directory %s: %v", event.Name, err)
			}
		}
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		fw.mu.Lock()
		fw.pendingEvents[relPath] = true
		fw.mu.Unlock()
	}
}

// debounceLoop collects pending events and triggers callbacks after debounce period.
func (fw *FileWatcher) debounceLoop(ctx context.Context) {
	defer fw.wg.Done()
	ticker := time.NewTicker(fw.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fw.processPendingEvents()
		}
	}
}

// processPendingEvents processes all pending file change events.
func (fw *FileWatcher) processPendingEvents() {
	fw.mu.Lock()
	if len(fw.pendingEvents) == 0 {
		fw.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(fw.pendingEvents))
	for path := range fw.pendingEvents {
		paths = append(paths, path)
	}
	fw.pendingEvents = make(map[string]bool)
	fw.mu.Unlock()

	if fw.onChange != nil {
		log.Printf("📝 File watcher detected %d changed files", len(paths))
		fw.onChange(paths)
	}
}

// requeue puts paths back so the next tick retries them.
func (fw *FileWatcher) requeue(paths []string) {
	fw.mu.Lock()
	for _, p := range paths {
		fw.pendingEvents[p] = true
	}
	fw.mu.Unlock()
}

// Watch indexes repoPath and then re-indexes it after every debounced
// batch of changes until ctx is done. A batch that arrives while another
// update holds the repository is retried on the next tick.
func (e *Engine) Watch(ctx context.Context, repoPath string, debounce time.Duration, onUpdate func(*UpdateSummary, error)) error {
	root, err := filepath.Abs(repoPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if onUpdate == nil {
		onUpdate = func(*UpdateSummary, error) {}
	}

	onUpdate(e.UpdateIndex(ctx, root))

	walker, err := NewWalkerWithConfig(root, WalkerConfig{ExtraIgnore: e.cfg.ExtraIgnore})
	if err != nil {
		return err
	}
	fw, err := NewFileWatcher(root, debounce, walker.Ignored)
	if err != nil {
		return err
	}
	fw.OnChange(func(paths []string) {
		sum, err := e.UpdateIndex(ctx, root)
		if errors.Is(err, ErrRepositoryBusy) {
			log.Printf("⏳ %s is busy, retrying on the next tick", sum.RepositoryID)
			fw.requeue(paths)
			return
		}
		onUpdate(sum, err)
	})
	if err := fw.Start(ctx); err != nil {
		fw.watcher.Close()
		return err
	}
	log.Printf("👀 Watching %s", root)

	<-ctx.Done()
	fw.Wait()
	return ctx.Err()
}
