package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
	"github.com/ChamsBouzaiene/coderag/internal/embedding"
	"github.com/ChamsBouzaiene/coderag/internal/registry"
	"github.com/ChamsBouzaiene/coderag/internal/vectorindex"
)

// countingProvider wraps the hash embedder, counts calls and can reject
// texts or act unavailable.
type countingProvider struct {
	inner *embedding.HashProvider

	mu          sync.Mutex
	calls       int
	reject      string // texts containing this are rejected
	unavailable bool
}

func (p *countingProvider) Model() string { return p.inner.Model() }

func (p *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	unavailable, reject := p.unavailable, p.reject
	p.mu.Unlock()

	if unavailable {
		return nil, &embedding.StatusError{StatusCode: 503, Message: "down for maintenance"}
	}
	for _, t := range texts {
		if reject != "" && strings.Contains(t, reject) {
			return nil, &embedding.StatusError{StatusCode: 400, Message: "input rejected"}
		}
	}
	return p.inner.Embed(ctx, texts)
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *countingProvider) set(fn func(p *countingProvider)) {
	p.mu.Lock()
	fn(p)
	p.mu.Unlock()
}

type testEnv struct {
	engine   *Engine
	provider *countingProvider
	registry *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithDir(t, t.TempDir(), 64)
}

func newTestEnvWithDir(t *testing.T, dataDir string, dim int) *testEnv {
	t.Helper()
	reg, err := registry.Open(context.Background(), dataDir, "")
	if err != nil {
		t.Fatalf("registry.Open() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	p := &countingProvider{inner: embedding.NewHashProvider(dim)}
	client := embedding.NewClient(p, embedding.Config{
		BatchSize: 8,
		Retry: embedding.RetryPolicy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
		},
	})

	cfg := DefaultConfig()
	cfg.Chunking = chunker.Config{MaxLines: 40, MinLines: 1, WindowLines: 20, OverlapLines: 2}
	e, err := NewEngine(cfg, reg, client, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return &testEnv{engine: e, provider: p, registry: reg}
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		writeFile(t, root, name, content)
	}
	return root
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const goSource = `package sample

// Add returns the sum of two integers.
func Add(a, b int) int {
	return a + b
}

// Multiply returns the product of two integers.
func Multiply(a, b int) int {
	return a * b
}
`

const pySource = `class Greeter:
    def __init__(self, name):
        self.name = name

    def greet(self):
        return "hello " + self.name
`

const mdSource = `# Notes

Indexing keeps one vector per chunk.

## Search

Queries are embedded once per request.
`

func sampleRepo(t *testing.T) string {
	return writeRepo(t, map[string]string{
		"a.go":     goSource,
		"b.py":     pySource,
		"notes.md": mdSource,
	})
}

func (env *testEnv) index(t *testing.T, root string) *UpdateSummary {
	t.Helper()
	sum, err := env.engine.UpdateIndex(context.Background(), root)
	if err != nil {
		t.Fatalf("UpdateIndex() error = %v", err)
	}
	return sum
}

func (env *testEnv) loadIndex(t *testing.T, id string) *vectorindex.Index {
	t.Helper()
	ix, err := vectorindex.Load(context.Background(), env.registry.IndexPath(id), vectorindex.Expect{})
	if err != nil {
		t.Fatalf("vectorindex.Load() error = %v", err)
	}
	return ix
}

func TestUpdateIndex_FirstRun(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)

	sum := env.index(t, root)
	if sum.FilesScanned != 3 {
		t.Errorf("FilesScanned = %d, want 3", sum.FilesScanned)
	}
	if sum.ChunksAdded == 0 || sum.ChunksFailed != 0 || sum.ChunksUpdated != 0 || sum.ChunksRemoved != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if !sum.Saved || sum.EmbeddingCalls == 0 {
		t.Errorf("Saved = %v, EmbeddingCalls = %d", sum.Saved, sum.EmbeddingCalls)
	}
	if len(sum.Files) != 3 || sum.Files[0].Status != FileAdded {
		t.Errorf("Files = %+v", sum.Files)
	}

	entry, err := env.registry.Resolve(context.Background(), sum.RepositoryID)
	if err != nil {
		t.Fatalf("repository not registered: %v", err)
	}
	ix := env.loadIndex(t, entry.ID)
	if ix.Len() != sum.ChunksAdded {
		t.Errorf("index holds %d records, summary added %d", ix.Len(), sum.ChunksAdded)
	}
	if ix.Dimension() != 64 || ix.Meta().Model != "hash-64" {
		t.Errorf("meta = %+v", ix.Meta())
	}
}

func TestUpdateIndex_SecondRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)

	first := env.index(t, root)
	path := env.registry.IndexPath(first.RepositoryID)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	calls := env.provider.callCount()

	second := env.index(t, root)
	if second.EmbeddingCalls != 0 || env.provider.callCount() != calls {
		t.Errorf("second run made %d embedding calls", env.provider.callCount()-calls)
	}
	if second.ChunksAdded+second.ChunksUpdated+second.ChunksRemoved+second.ChunksFailed != 0 {
		t.Errorf("second run changed chunks: %+v", second)
	}
	if second.ChunksUnchanged != first.ChunksAdded {
		t.Errorf("ChunksUnchanged = %d, want %d", second.ChunksUnchanged, first.ChunksAdded)
	}
	if second.Saved {
		t.Error("second run saved the index")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("index file changed on an idempotent run")
	}
}

func TestUpdateIndex_OnlyModifiedFileIsReembedded(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)
	env.index(t, root)

	writeFile(t, root, "b.py", strings.Replace(pySource, `"hello "`, `"hi there "`, 1))
	calls := env.provider.callCount()

	sum := env.index(t, root)
	if sum.ChunksUpdated < 1 {
		t.Fatalf("ChunksUpdated = %d, want >= 1", sum.ChunksUpdated)
	}
	if sum.ChunksAdded != 0 || sum.ChunksRemoved != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Files) != 1 || sum.Files[0].Path != "b.py" || sum.Files[0].Status != FileModified {
		t.Errorf("Files = %+v, want only b.py", sum.Files)
	}
	if env.provider.callCount() == calls {
		t.Error("modified chunk was not embedded")
	}
}

func TestUpdateIndex_RemovesDeletedFiles(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)
	first := env.index(t, root)
	notes := len(env.loadIndex(t, first.RepositoryID).FileRecords("notes.md"))

	if err := os.Remove(filepath.Join(root, "notes.md")); err != nil {
		t.Fatal(err)
	}
	sum := env.index(t, root)
	if sum.ChunksRemoved != notes || notes == 0 {
		t.Errorf("ChunksRemoved = %d, want %d", sum.ChunksRemoved, notes)
	}
	if len(sum.Files) != 1 || sum.Files[0].Status != FileRemoved {
		t.Errorf("Files = %+v", sum.Files)
	}

	ix := env.loadIndex(t, first.RepositoryID)
	for _, p := range ix.Files() {
		if p == "notes.md" {
			t.Error("deleted file still indexed")
		}
	}
}

func TestUpdateIndex_ReusesVectorsForMovedCode(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)
	env.index(t, root)

	writeFile(t, root, "copy/a.go", goSource)
	sum := env.index(t, root)
	if sum.ChunksAdded == 0 || sum.ChunksReused != sum.ChunksAdded {
		t.Errorf("ChunksAdded = %d, ChunksReused = %d", sum.ChunksAdded, sum.ChunksReused)
	}
	if sum.EmbeddingCalls != 0 {
		t.Errorf("EmbeddingCalls = %d, want 0", sum.EmbeddingCalls)
	}
}

func TestUpdateIndex_IsolatesRejectedChunk(t *testing.T) {
	env := newTestEnv(t)
	files := make(map[string]string)
	for i := range 10 {
		body := fmt.Sprintf("note number %d\nsecond line of note %d\n", i, i)
		if i == 3 {
			body = "POISON inside this note\nit cannot be embedded\n"
		}
		files[fmt.Sprintf("f%d.txt", i)] = body
	}
	root := writeRepo(t, files)
	env.provider.set(func(p *countingProvider) { p.reject = "POISON" })

	sum := env.index(t, root)
	if sum.ChunksFailed != 1 || sum.ChunksAdded != 9 {
		t.Fatalf("ChunksFailed = %d, ChunksAdded = %d, want 1 and 9", sum.ChunksFailed, sum.ChunksAdded)
	}
	found := false
	for _, msg := range sum.Errors {
		if strings.Contains(msg, "f3.txt") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want an entry for f3.txt", sum.Errors)
	}
	if ix := env.loadIndex(t, sum.RepositoryID); ix.Len() != 9 {
		t.Errorf("index holds %d records, want 9", ix.Len())
	}

	// The failed file is retried, and only its chunk is sent.
	calls := env.provider.callCount()
	again := env.index(t, root)
	if again.ChunksFailed != 1 || again.ChunksUnchanged != 9 {
		t.Errorf("retry summary = %+v", again)
	}
	if got := env.provider.callCount() - calls; got != 1 {
		t.Errorf("retry made %d provider calls, want 1", got)
	}
}

func TestUpdateIndex_UnavailableServiceKeepsPreviousIndex(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)
	first := env.index(t, root)
	path := env.registry.IndexPath(first.RepositoryID)
	before, _ := os.ReadFile(path)

	writeFile(t, root, "a.go", strings.Replace(goSource, "a + b", "b + a", 1))
	env.provider.set(func(p *countingProvider) { p.unavailable = true })

	sum, err := env.engine.UpdateIndex(context.Background(), root)
	if !errors.Is(err, embedding.ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
	if sum == nil || sum.Saved || len(sum.Errors) == 0 {
		t.Errorf("summary = %+v", sum)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("failed update modified the saved index")
	}
}

func TestUpdateIndex_CancelledKeepsPreviousIndex(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)
	first := env.index(t, root)
	path := env.registry.IndexPath(first.RepositoryID)
	before, _ := os.ReadFile(path)

	writeFile(t, root, "new.go", "package sample\n\nfunc New() {}\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.engine.UpdateIndex(ctx, root); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("cancelled update modified the saved index")
	}
}

func TestUpdateIndex_RejectsConcurrentUpdate(t *testing.T) {
	env := newTestEnv(t)
	root := sampleRepo(t)
	id, err := env.registry.DeriveID(root)
	if err != nil {
		t.Fatal(err)
	}

	release, ok := env.engine.leases.acquire(id)
	if !ok {
		t.Fatal("lease unexpectedly held")
	}
	if _, err := env.engine.UpdateIndex(context.Background(), root); !errors.Is(err, ErrRepositoryBusy) {
		t.Errorf("error = %v, want ErrRepositoryBusy", err)
	}
	if !env.engine.Busy(id) {
		t.Error("Busy() = false while leased")
	}
	release()

	env.index(t, root)
	if env.engine.Busy(id) {
		t.Error("lease not released after update")
	}
}

func TestUpdateIndex_ModelMismatchIsReported(t *testing.T) {
	dataDir := t.TempDir()
	root := sampleRepo(t)
	newTestEnvWithDir(t, dataDir, 64).index(t, root)

	other := newTestEnvWithDir(t, dataDir, 32)
	_, err := other.engine.UpdateIndex(context.Background(), root)
	if !errors.Is(err, vectorindex.ErrModelMismatch) {
		t.Fatalf("error = %v, want ErrModelMismatch", err)
	}
	if other.provider.callCount() != 0 {
		t.Error("mismatched index was re-embedded")
	}
}

func TestUpdateIndex_InvalidPath(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.UpdateIndex(context.Background(), filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}
