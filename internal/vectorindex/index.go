// Package vectorindex holds the embedding records of one repository and
// persists them as a single snapshot file.
//
// An Index is not safe for concurrent mutation. Readers share a loaded
// Index only while nobody mutates it; updates work on their own copy and
// publish it with Save.
package vectorindex

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
)

var (
	// ErrIndexCorrupt is reported when a persisted index cannot be read back.
	ErrIndexCorrupt = errors.New("index corrupt")
	// ErrDimensionMismatch is reported when vectors of different lengths
	// meet in one index or query.
	ErrDimensionMismatch = errors.New("dimensionality mismatch")
	// ErrModelMismatch is reported when an index was built with a different
	// embedding model than the one configured.
	ErrModelMismatch = errors.New("embedding model mismatch")
	// ErrNotFound is reported when no index exists at a path.
	ErrNotFound = errors.New("index not found")
)

// Record pairs a chunk with its embedding.
type Record struct {
	Chunk  chunker.Chunk
	Vector []float32
}

// Key returns the record's chunk key.
func (r Record) Key() string { return r.Chunk.ID }

// FileMeta is the per-file state kept alongside the records.
type FileMeta struct {
	Path      string
	Hash      string // empty forces the file to be re-chunked on the next update
	SizeBytes int64
	IndexedAt int64 // unix seconds
}

// Meta is the index-level metadata.
type Meta struct {
	RepoID     string
	Model      string
	Dimension  int
	Chunker    string // chunker fingerprint the records were built with
	Generation string // changes on every save
	UpdatedAt  int64  // unix seconds of the last save
}

// Index is the in-memory record set of one repository.
type Index struct {
	meta    Meta
	records map[string]Record
	norms   map[string]float64
	byFile  map[string]map[string]struct{}
	files   map[string]FileMeta
	dirty   bool

	orderMu sync.Mutex
	order   []string
}

// New returns an empty index for repoID. The dimension is fixed by the
// first upsert.
func New(repoID, model string) *Index {
	return &Index{
		meta:    Meta{RepoID: repoID, Model: model},
		records: make(map[string]Record),
		norms:   make(map[string]float64),
		byFile:  make(map[string]map[string]struct{}),
		files:   make(map[string]FileMeta),
		dirty:   true,
	}
}

// Meta returns the index metadata.
func (ix *Index) Meta() Meta { return ix.meta }

// Len returns the number of records.
func (ix *Index) Len() int { return len(ix.records) }

// Dimension returns D, or 0 while the index has never held a vector.
func (ix *Index) Dimension() int { return ix.meta.Dimension }

// Dirty reports whether the index changed since it was loaded or saved.
func (ix *Index) Dirty() bool { return ix.dirty }

// SetChunker records the chunker fingerprint.
func (ix *Index) SetChunker(fingerprint string) {
	if ix.meta.Chunker != fingerprint {
		ix.meta.Chunker = fingerprint
		ix.dirty = true
	}
}

// Upsert inserts or replaces records by key. The batch is validated as a
// whole before anything is applied.
func (ix *Index) Upsert(recs ...Record) error {
	dim := ix.meta.Dimension
	for _, r := range recs {
		if r.Key() == "" {
			return errors.New("record without chunk key")
		}
		if len(r.Vector) == 0 {
			return fmt.Errorf("record %s has an empty vector", r.Key())
		}
		if dim == 0 {
			dim = len(r.Vector)
		}
		if len(r.Vector) != dim {
			return fmt.Errorf("%w: record %s has %d dimensions, index has %d",
				ErrDimensionMismatch, r.Key(), len(r.Vector), dim)
		}
	}

	for _, r := range recs {
		key := r.Key()
		if old, ok := ix.records[key]; ok {
			if old.Chunk == r.Chunk && slices.Equal(old.Vector, r.Vector) {
				continue
			}
			ix.unlinkFile(old.Chunk.FilePath, key)
		}
		ix.records[key] = r
		ix.norms[key] = norm(r.Vector)
		set := ix.byFile[r.Chunk.FilePath]
		if set == nil {
			set = make(map[string]struct{})
			ix.byFile[r.Chunk.FilePath] = set
		}
		set[key] = struct{}{}
		ix.touch()
	}
	if len(recs) > 0 && ix.meta.Dimension == 0 {
		ix.meta.Dimension = dim
		ix.dirty = true
	}
	return nil
}

// Delete removes records by key and returns how many existed.
func (ix *Index) Delete(keys ...string) int {
	n := 0
	for _, key := range keys {
		r, ok := ix.records[key]
		if !ok {
			continue
		}
		delete(ix.records, key)
		delete(ix.norms, key)
		ix.unlinkFile(r.Chunk.FilePath, key)
		n++
	}
	if n > 0 {
		ix.touch()
	}
	return n
}

// DeleteByFile removes every record of path and its file metadata.
func (ix *Index) DeleteByFile(path string) int {
	keys := slices.Collect(maps.Keys(ix.byFile[path]))
	n := ix.Delete(keys...)
	if _, ok := ix.files[path]; ok {
		delete(ix.files, path)
		ix.dirty = true
	}
	return n
}

func (ix *Index) unlinkFile(path, key string) {
	set := ix.byFile[path]
	delete(set, key)
	if len(set) == 0 {
		delete(ix.byFile, path)
	}
}

func (ix *Index) touch() {
	ix.dirty = true
	ix.orderMu.Lock()
	ix.order = nil
	ix.orderMu.Unlock()
}

// Get returns the record stored under key.
func (ix *Index) Get(key string) (Record, bool) {
	r, ok := ix.records[key]
	return r, ok
}

// FileRecords returns the records of path ordered by span start.
func (ix *Index) FileRecords(path string) []Record {
	set := ix.byFile[path]
	out := make([]Record, 0, len(set))
	for key := range set {
		out = append(out, ix.records[key])
	}
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Compare(a.Chunk.Span.StartLine, b.Chunk.Span.StartLine)
	})
	return out
}

// File returns the metadata stored for path.
func (ix *Index) File(path string) (FileMeta, bool) {
	f, ok := ix.files[path]
	return f, ok
}

// SetFile stores file metadata.
func (ix *Index) SetFile(f FileMeta) {
	if old, ok := ix.files[f.Path]; ok && old == f {
		return
	}
	ix.files[f.Path] = f
	ix.dirty = true
}

// Files returns every path with records or metadata, sorted.
func (ix *Index) Files() []string {
	seen := make(map[string]struct{}, len(ix.files)+len(ix.byFile))
	for p := range ix.files {
		seen[p] = struct{}{}
	}
	for p := range ix.byFile {
		seen[p] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// All yields every record ordered by file path and span start. Each call
// starts a fresh pass.
func (ix *Index) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, key := range ix.sortedKeys() {
			if !yield(ix.records[key]) {
				return
			}
		}
	}
}

func (ix *Index) sortedKeys() []string {
	ix.orderMu.Lock()
	defer ix.orderMu.Unlock()
	if ix.order == nil {
		keys := slices.Collect(maps.Keys(ix.records))
		slices.SortFunc(keys, func(a, b string) int {
			return compareLocation(ix.records[a].Chunk, ix.records[b].Chunk)
		})
		ix.order = keys
	}
	return ix.order
}

// Clone returns an independent copy sharing no maps with ix. Vectors are
// shared; records are never modified in place.
func (ix *Index) Clone() *Index {
	c := &Index{
		meta:    ix.meta,
		records: maps.Clone(ix.records),
		norms:   maps.Clone(ix.norms),
		byFile:  make(map[string]map[string]struct{}, len(ix.byFile)),
		files:   maps.Clone(ix.files),
		dirty:   ix.dirty,
	}
	for p, set := range ix.byFile {
		c.byFile[p] = maps.Clone(set)
	}
	return c
}

// Match is a scored record.
type Match struct {
	Record Record
	Score  float64
}

// Search scans every record and returns the k most similar to query by
// cosine similarity, highest first. Ties go to the earlier file path, then
// the earlier span.
func (ix *Index) Search(query []float32, k int) ([]Match, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if ix.Len() == 0 {
		return nil, nil
	}
	if len(query) != ix.meta.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrDimensionMismatch, len(query), ix.meta.Dimension)
	}

	qn := norm(query)
	top := newTopK(min(k, ix.Len()))
	for r := range ix.All() {
		top.offer(Match{Record: r, Score: cosine(query, qn, r.Vector, ix.norms[r.Key()])})
	}
	return top.sorted(), nil
}

// Better reports whether a ranks before b: higher score, then earlier
// file path, then earlier span.
func Better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return compareLocation(a.Record.Chunk, b.Record.Chunk) < 0
}

func compareLocation(a, b chunker.Chunk) int {
	return cmp.Or(
		cmp.Compare(a.FilePath, b.FilePath),
		cmp.Compare(a.Span.StartLine, b.Span.StartLine),
		cmp.Compare(a.RepoID, b.RepoID),
		cmp.Compare(a.ID, b.ID),
	)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (an * bn)
	return max(-1, min(1, s))
}
