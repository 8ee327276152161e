package indexer

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/coderag/internal/vectorindex"
)

// snapshot is a loaded index shared by concurrent searches. Its index is
// never mutated.
type snapshot struct {
	ix      *vectorindex.Index
	modTime time.Time
	size    int64

	kwOnce sync.Once
	kw     *keywordIndex
	kwErr  error
}

// keyword returns the snapshot's BM25 index, building it on first use.
func (s *snapshot) keyword() (*keywordIndex, error) {
	s.kwOnce.Do(func() {
		s.kw, s.kwErr = buildKeywordIndex(s.ix)
	})
	return s.kw, s.kwErr
}

func (s *snapshot) close() {
	if s.kw != nil {
		s.kw.Close()
	}
}

// snapshotCache keeps the most recently persisted index of each repository
// and reloads it when the file on disk is replaced.
type snapshotCache struct {
	mu      sync.Mutex
	entries map[string]*snapshot
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{entries: make(map[string]*snapshot)}
}

// get returns the current snapshot for repoID, or nil when no index has
// been saved yet.
func (c *snapshotCache) get(ctx context.Context, repoID, path string, want vectorindex.Expect) (*snapshot, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		c.invalidate(repoID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached := c.entries[repoID]
	c.mu.Unlock()
	if cached != nil && cached.modTime.Equal(st.ModTime()) && cached.size == st.Size() {
		return cached, nil
	}

	ix, err := vectorindex.Load(ctx, path, want)
	if err != nil {
		return nil, err
	}
	s := &snapshot{ix: ix, modTime: st.ModTime(), size: st.Size()}

	c.mu.Lock()
	c.entries[repoID] = s
	c.mu.Unlock()
	return s, nil
}

// invalidate drops the cached snapshot of repoID. Searches still holding
// it finish against the old data.
func (c *snapshotCache) invalidate(repoID string) {
	c.mu.Lock()
	delete(c.entries, repoID)
	c.mu.Unlock()
}

func (c *snapshotCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.entries {
		s.close()
		delete(c.entries, id)
	}
}
