package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
	"github.com/ChamsBouzaiene/coderag/internal/embedding"
	"github.com/ChamsBouzaiene/coderag/internal/vectorindex"
)

// File change statuses reported in UpdateSummary.Files.
const (
	FileAdded    = "added"
	FileModified = "modified"
	FileRemoved  = "removed"
)

// UpdateSummary reports one UpdateIndex run. It is returned even when the
// run fails, covering the work done before the failure.
type UpdateSummary struct {
	RepositoryID    string        `json:"repository_id"`
	FilesScanned    int           `json:"files_scanned"`
	ChunksAdded     int           `json:"chunks_added"`
	ChunksUpdated   int           `json:"chunks_updated"`
	ChunksRemoved   int           `json:"chunks_removed"`
	ChunksFailed    int           `json:"chunks_failed"`
	ChunksUnchanged int           `json:"chunks_unchanged"`
	ChunksReused    int           `json:"chunks_reused"`
	EmbeddingCalls  int           `json:"embedding_calls"`
	Saved           bool          `json:"saved"`
	Duration        time.Duration `json:"duration_ns"`
	Files           []FileChange  `json:"files,omitempty"`
	Errors          []string      `json:"errors"`
}

// FileChange is the per-file part of an UpdateSummary.
type FileChange struct {
	Path    string `json:"file_path"`
	Status  string `json:"status"`
	Added   int    `json:"added,omitempty"`
	Updated int    `json:"updated,omitempty"`
	Removed int    `json:"removed,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Reused  int    `json:"reused,omitempty"`
}

// fileWork is the chunking result of one changed file.
type fileWork struct {
	info   FileInfo
	hash   string
	size   int64
	chunks []chunker.Chunk
	err    error
}

// pendingChunk is a new or changed chunk waiting for its vector.
type pendingChunk struct {
	chunk   chunker.Chunk
	updated bool // replaces a record with the same key
	vector  []float32
	failure error
}

// filePlan is everything that changes for one file.
type filePlan struct {
	work    *fileWork
	isNew   bool
	keep    []vectorindex.Record
	pending []*pendingChunk
	stale   []string
	reused  int
}

// UpdateIndex brings the index of the repository at repoPath in line with
// its files. Only new and changed chunks are embedded. The index is saved
// once, at the end, and only when something changed; on failure or timeout
// the previously saved index is left as it was.
func (e *Engine) UpdateIndex(ctx context.Context, repoPath string) (*UpdateSummary, error) {
	root, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: repository path %s is not a directory", ErrInvalidArgument, repoPath)
	}
	id, err := e.registry.DeriveID(root)
	if err != nil {
		return nil, err
	}

	sum := &UpdateSummary{RepositoryID: id, Errors: []string{}}
	release, ok := e.leases.acquire(id)
	if !ok {
		return sum, fmt.Errorf("%w: update of %s already running", ErrRepositoryBusy, id)
	}
	defer release()

	if e.cfg.UpdateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.UpdateTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "indexer.update_index",
		trace.WithAttributes(attribute.String("repository.id", id)))
	defer span.End()

	start := time.Now()
	log.Printf("🔍 Updating index for %s (%s)", id, root)
	err = e.update(ctx, id, root, sum)
	sum.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("files.scanned", sum.FilesScanned),
		attribute.Int("chunks.embedded", sum.ChunksAdded+sum.ChunksUpdated-sum.ChunksReused),
		attribute.Int("chunks.failed", sum.ChunksFailed),
	)
	if err != nil {
		sum.Errors = append(sum.Errors, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("❌ Update of %s aborted, previous index kept: %v", id, err)
		return sum, err
	}

	log.Printf("✅ Indexed %s: %d files, +%d ~%d -%d chunks, %d failed, %d unchanged (%v)",
		id, sum.FilesScanned, sum.ChunksAdded, sum.ChunksUpdated, sum.ChunksRemoved,
		sum.ChunksFailed, sum.ChunksUnchanged, sum.Duration.Round(time.Millisecond))
	return sum, nil
}

func (e *Engine) update(ctx context.Context, id, root string, sum *UpdateSummary) error {
	indexPath := e.registry.IndexPath(id)
	model := e.embedder.Model()
	ix, err := vectorindex.Load(ctx, indexPath, vectorindex.Expect{RepoID: id, Model: model})
	switch {
	case errors.Is(err, vectorindex.ErrNotFound):
		ix = vectorindex.New(id, model)
	case err != nil:
		return fmt.Errorf("failed to load index of %s: %w", id, err)
	}
	fingerprint := e.chunker.Fingerprint()
	rechunkAll := ix.Meta().Chunker != fingerprint
	ix.SetChunker(fingerprint)

	walker, err := NewWalkerWithConfig(root, WalkerConfig{
		MaxConcurrency:   e.cfg.Concurrency,
		LanguageDetector: e.detector,
		MaxFileBytes:     e.cfg.MaxFileBytes,
		ExtraIgnore:      e.cfg.ExtraIgnore,
	})
	if err != nil {
		return err
	}
	walk, err := walker.Walk(ctx)
	if err != nil {
		return fmt.Errorf("walk interrupted: %w", err)
	}
	sum.FilesScanned = len(walk.Files)

	// Files that exist but could not be read keep their records.
	keep := make(map[string]bool)
	for _, we := range walk.Errors {
		sum.Errors = append(sum.Errors, we.Error())
		if !errors.Is(we.Err, ErrFileTooLarge) {
			keep[we.Path] = true
		}
	}

	present := make(map[string]bool, len(walk.Files))
	var changed []FileInfo
	for _, f := range walk.Files {
		present[f.Path] = true
		if meta, ok := ix.File(f.Path); ok && !rechunkAll && meta.Hash != "" && meta.Hash == f.Hash {
			sum.ChunksUnchanged += len(ix.FileRecords(f.Path))
			continue
		}
		changed = append(changed, f)
	}

	works, err := e.chunkFiles(ctx, id, root, changed)
	if err != nil {
		return fmt.Errorf("chunking interrupted: %w", err)
	}

	plans := e.plan(ix, works, keep, sum)
	if err := e.embedPending(ctx, plans, sum); err != nil {
		return err
	}
	if err := e.apply(ix, plans, sum); err != nil {
		return err
	}

	for _, p := range ix.Files() {
		if present[p] || keep[p] {
			continue
		}
		n := ix.DeleteByFile(p)
		sum.ChunksRemoved += n
		sum.Files = append(sum.Files, FileChange{Path: p, Status: FileRemoved, Removed: n})
		log.Printf("🗑️  File deleted: %s", p)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update interrupted before save: %w", err)
	}
	if ix.Dirty() {
		if err := vectorindex.Save(ctx, ix, indexPath); err != nil {
			return fmt.Errorf("failed to save index of %s: %w", id, err)
		}
		sum.Saved = true
		e.snapshots.invalidate(id)
	}

	git := DetectGit(ctx, root)
	if _, err := e.registry.Ensure(ctx, id, root, git.IsGit); err != nil {
		return err
	}
	return nil
}

// chunkFiles reads and chunks files in parallel. A file that cannot be read
// is reported on its fileWork and does not stop the others.
func (e *Engine) chunkFiles(ctx context.Context, id, root string, files []FileInfo) ([]fileWork, error) {
	works := make([]fileWork, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			works[i] = e.chunkFile(id, root, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return works, nil
}

func (e *Engine) chunkFile(id, root string, f FileInfo) (w fileWork) {
	w.info = f
	defer func() {
		if r := recover(); r != nil {
			w.chunks = nil
			w.err = fmt.Errorf("chunking panicked: %v", r)
		}
	}()

	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f.Path)))
	if err != nil {
		w.err = fmt.Errorf("failed to read file: %w", err)
		return w
	}
	w.hash = HashContent(content)
	w.size = int64(len(content))
	w.chunks = e.chunker.Chunk(chunker.Source{RepoID: id, Path: f.Path, Lang: f.Lang, Content: content})
	return w
}

// plan diffs each changed file's new chunks against its stored records.
func (e *Engine) plan(ix *vectorindex.Index, works []fileWork, keep map[string]bool, sum *UpdateSummary) []*filePlan {
	var byHash map[string][]float32
	plans := make([]*filePlan, 0, len(works))

	for i := range works {
		w := &works[i]
		if w.err != nil {
			keep[w.info.Path] = true
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", w.info.Path, w.err))
			log.Printf("⚠️  Failed to chunk %s: %v", w.info.Path, w.err)
			continue
		}

		old := make(map[string]vectorindex.Record)
		for _, r := range ix.FileRecords(w.info.Path) {
			old[r.Key()] = r
		}
		_, known := ix.File(w.info.Path)
		p := &filePlan{work: w, isNew: !known && len(old) == 0}

		seen := make(map[string]bool, len(w.chunks))
		for _, c := range w.chunks {
			seen[c.ID] = true
			prev, exists := old[c.ID]
			if exists && prev.Chunk.ContentHash == c.ContentHash {
				p.keep = append(p.keep, vectorindex.Record{Chunk: c, Vector: prev.Vector})
				sum.ChunksUnchanged++
				continue
			}
			if byHash == nil {
				byHash = make(map[string][]float32, ix.Len())
				for r := range ix.All() {
					byHash[r.Chunk.ContentHash] = r.Vector
				}
			}
			pc := &pendingChunk{chunk: c, updated: exists}
			if v, ok := byHash[c.ContentHash]; ok {
				pc.vector = v
				p.reused++
			}
			p.pending = append(p.pending, pc)
		}
		for key := range old {
			if !seen[key] {
				p.stale = append(p.stale, key)
			}
		}
		sum.ChunksReused += p.reused
		plans = append(plans, p)
	}
	return plans
}

// embedPending fills in vectors for pending chunks. Rejected input fails
// only the offending chunk; any other embedding failure aborts the run.
func (e *Engine) embedPending(ctx context.Context, plans []*filePlan, sum *UpdateSummary) error {
	var pending []*pendingChunk
	for _, p := range plans {
		for _, pc := range p.pending {
			if pc.vector == nil {
				pending = append(pending, pc)
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	size := e.cfg.EmbedBatchSize
	log.Printf("⚙️  Embedding %d chunks in %d batches", len(pending), (len(pending)+size-1)/size)
	for start := 0; start < len(pending); start += size {
		group := pending[start:min(start+size, len(pending))]
		texts := make([]string, len(group))
		for i, pc := range group {
			texts[i] = pc.chunk.Text
		}

		sum.EmbeddingCalls++
		vecs, err := e.embedder.Embed(ctx, texts)
		if err == nil {
			for i, pc := range group {
				pc.vector = vecs[i]
			}
			continue
		}
		if !errors.Is(err, embedding.ErrInputRejected) {
			return fmt.Errorf("embedding failed: %w", err)
		}
		if len(group) == 1 {
			group[0].failure = err
			continue
		}

		// Find the rejected chunks one by one.
		for _, pc := range group {
			sum.EmbeddingCalls++
			v, err := e.embedder.Embed(ctx, []string{pc.chunk.Text})
			switch {
			case err == nil:
				pc.vector = v[0]
			case errors.Is(err, embedding.ErrInputRejected):
				pc.failure = err
			default:
				return fmt.Errorf("embedding failed: %w", err)
			}
		}
	}
	return nil
}

// apply writes the plans into ix.
func (e *Engine) apply(ix *vectorindex.Index, plans []*filePlan, sum *UpdateSummary) error {
	now := time.Now().Unix()
	for _, p := range plans {
		path := p.work.info.Path
		change := FileChange{Path: path, Status: FileModified, Reused: p.reused}
		if p.isNew {
			change.Status = FileAdded
		}

		change.Removed = ix.Delete(p.stale...)
		recs := p.keep
		for _, pc := range p.pending {
			if pc.failure != nil {
				// The old text under this key is out of date.
				ix.Delete(pc.chunk.ID)
				change.Failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s:%d-%d: %v",
					path, pc.chunk.Span.StartLine, pc.chunk.Span.EndLine, pc.failure))
				log.Printf("⚠️  Skipping chunk %s:%d-%d: %v", path, pc.chunk.Span.StartLine, pc.chunk.Span.EndLine, pc.failure)
				continue
			}
			recs = append(recs, vectorindex.Record{Chunk: pc.chunk, Vector: pc.vector})
			if pc.updated {
				change.Updated++
			} else {
				change.Added++
			}
		}
		if err := ix.Upsert(recs...); err != nil {
			return fmt.Errorf("failed to update records of %s: %w", path, err)
		}

		// An empty hash makes the next run retry the failed chunks.
		hash := p.work.hash
		if change.Failed > 0 {
			hash = ""
		}
		ix.SetFile(vectorindex.FileMeta{Path: path, Hash: hash, SizeBytes: p.work.size, IndexedAt: now})

		sum.ChunksAdded += change.Added
		sum.ChunksUpdated += change.Updated
		sum.ChunksRemoved += change.Removed
		sum.ChunksFailed += change.Failed
		if change.Added+change.Updated+change.Removed+change.Failed > 0 || p.isNew {
			sum.Files = append(sum.Files, change)
		}
	}
	return nil
}
