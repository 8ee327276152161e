package vectorindex

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChamsBouzaiene/coderag/internal/chunker"
)

func rec(path string, start int, text string, vec ...float32) Record {
	c := chunker.Chunk{
		RepoID:      "repo",
		FilePath:    path,
		Lang:        "go",
		Kind:        "function",
		Name:        text,
		Span:        chunker.Span{StartLine: start, EndLine: start + 1},
		Text:        text,
		ContentHash: chunker.HashText(text),
	}
	c.ID = chunker.HashText(path + ":" + text)
	return Record{Chunk: c, Vector: vec}
}

func TestIndex_UpsertReplacesByKey(t *testing.T) {
	ix := New("repo", "m")
	a := rec("a.go", 1, "a", 1, 0)
	if err := ix.Upsert(a, rec("b.go", 1, "b", 0, 1)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if ix.Dimension() != 2 {
		t.Fatalf("Dimension() = %d, want 2", ix.Dimension())
	}

	a.Vector = []float32{0.5, 0.5}
	if err := ix.Upsert(a); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if ix.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ix.Len())
	}
	got, _ := ix.Get(a.Key())
	if got.Vector[0] != 0.5 {
		t.Errorf("record not replaced: %v", got.Vector)
	}
}

func TestIndex_UpsertRejectsWrongDimension(t *testing.T) {
	ix := New("repo", "m")
	if err := ix.Upsert(rec("a.go", 1, "a", 1, 0, 0)); err != nil {
		t.Fatal(err)
	}
	err := ix.Upsert(rec("b.go", 1, "b", 1, 0), rec("c.go", 1, "c", 1, 0, 0))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
	if ix.Len() != 1 {
		t.Errorf("partial batch applied: Len() = %d", ix.Len())
	}
}

func TestIndex_DeleteByFile(t *testing.T) {
	ix := New("repo", "m")
	ix.Upsert(rec("a.go", 1, "a1", 1), rec("a.go", 5, "a2", 1), rec("b.go", 1, "b", 1))
	ix.SetFile(FileMeta{Path: "a.go", Hash: "h"})

	if n := ix.DeleteByFile("a.go"); n != 2 {
		t.Errorf("DeleteByFile() = %d, want 2", n)
	}
	if ix.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ix.Len())
	}
	if _, ok := ix.File("a.go"); ok {
		t.Error("file metadata survived DeleteByFile")
	}
	if files := ix.Files(); len(files) != 1 || files[0] != "b.go" {
		t.Errorf("Files() = %v", files)
	}
}

func TestIndex_AllOrderedAndRestartable(t *testing.T) {
	ix := New("repo", "m")
	ix.Upsert(rec("b.go", 1, "b", 1), rec("a.go", 9, "a9", 1), rec("a.go", 2, "a2", 1))

	want := []string{"a2", "a9", "b"}
	for pass := 0; pass < 2; pass++ {
		var got []string
		for r := range ix.All() {
			got = append(got, r.Chunk.Text)
		}
		if len(got) != len(want) {
			t.Fatalf("pass %d: got %v", pass, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("pass %d: got %v, want %v", pass, got, want)
				break
			}
		}
	}

	// Early stop must not disturb later passes.
	for range ix.All() {
		break
	}
	n := 0
	for range ix.All() {
		n++
	}
	if n != 3 {
		t.Errorf("after early stop got %d records, want 3", n)
	}
}

func TestIndex_SearchRanksAndBreaksTies(t *testing.T) {
	ix := New("repo", "m")
	ix.Upsert(
		rec("b.go", 1, "same-b", 1, 0),
		rec("a.go", 7, "same-a7", 1, 0),
		rec("a.go", 3, "same-a3", 1, 0),
		rec("c.go", 1, "close", 0.9, 0.1),
		rec("d.go", 1, "far", 0, 1),
	)

	matches, err := ix.Search([]float32{2, 0}, 4)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	want := []string{"same-a3", "same-a7", "same-b", "close"}
	if len(matches) != len(want) {
		t.Fatalf("got %d matches, want %d", len(matches), len(want))
	}
	for i, m := range matches {
		if m.Record.Chunk.Text != want[i] {
			t.Errorf("match %d = %s, want %s", i, m.Record.Chunk.Text, want[i])
		}
	}
	if math.Abs(matches[0].Score-1) > 1e-9 {
		t.Errorf("top score = %f, want 1", matches[0].Score)
	}
}

func TestIndex_SearchHugeK(t *testing.T) {
	ix := New("repo", "m")
	ix.Upsert(
		rec("a.go", 1, "a", 1, 0),
		rec("b.go", 1, "b", 0, 1),
		rec("c.go", 1, "c", 1, 1),
	)
	for _, k := range []int{math.MaxInt32, math.MaxInt} {
		matches, err := ix.Search([]float32{1, 0}, k)
		if err != nil {
			t.Fatalf("Search(k=%d) error = %v", k, err)
		}
		if len(matches) != ix.Len() {
			t.Errorf("Search(k=%d) returned %d matches, want %d", k, len(matches), ix.Len())
		}
	}

	top := NewTopK(math.MaxInt)
	for r := range ix.All() {
		top.Offer(Match{Record: r, Score: 0.5})
	}
	if got := len(top.Sorted()); got != ix.Len() {
		t.Errorf("NewTopK(MaxInt) kept %d matches, want %d", got, ix.Len())
	}
}

func TestIndex_SearchValidation(t *testing.T) {
	ix := New("repo", "m")
	if m, err := ix.Search([]float32{1}, 3); err != nil || m != nil {
		t.Errorf("empty index: %v, %v", m, err)
	}
	ix.Upsert(rec("a.go", 1, "a", 1, 0))
	if _, err := ix.Search([]float32{1, 0}, 0); err == nil {
		t.Error("k=0: expected error")
	}
	if _, err := ix.Search([]float32{1, 0, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestIndex_CloneIsIndependent(t *testing.T) {
	ix := New("repo", "m")
	ix.Upsert(rec("a.go", 1, "a", 1))
	c := ix.Clone()
	c.DeleteByFile("a.go")
	if ix.Len() != 1 || c.Len() != 0 {
		t.Errorf("Len() original=%d clone=%d", ix.Len(), c.Len())
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "indexes", "repo.idx")

	ix := New("repo", "m")
	ix.SetChunker("fp")
	ix.Upsert(rec("a.go", 1, "a", 1, 2, 3), rec("b.go", 4, "b", -1, 0.5, 0))
	ix.SetFile(FileMeta{Path: "a.go", Hash: "ha", SizeBytes: 10, IndexedAt: 100})
	ix.SetFile(FileMeta{Path: "b.go", Hash: "hb", SizeBytes: 20, IndexedAt: 200})

	if err := Save(ctx, ix, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ix.Dirty() {
		t.Error("index still dirty after Save")
	}

	got, err := Load(ctx, path, Expect{RepoID: "repo", Model: "m", Dimension: 3})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Len() != 2 || got.Dimension() != 3 || got.Dirty() {
		t.Fatalf("loaded Len=%d Dim=%d Dirty=%v", got.Len(), got.Dimension(), got.Dirty())
	}
	meta := got.Meta()
	if meta.Chunker != "fp" || meta.Generation == "" || meta.Generation != ix.Meta().Generation {
		t.Errorf("meta = %+v", meta)
	}
	r, ok := got.Get(rec("b.go", 4, "b").Key())
	if !ok || r.Vector[1] != 0.5 || r.Chunk.Span.StartLine != 4 || r.Chunk.RepoID != "repo" {
		t.Errorf("record = %+v", r)
	}
	if f, _ := got.File("a.go"); f.Hash != "ha" || f.SizeBytes != 10 {
		t.Errorf("file = %+v", f)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the index", len(entries))
	}
}

func TestLoad_Mismatches(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.idx")
	ix := New("repo", "model-a")
	ix.Upsert(rec("a.go", 1, "a", 1, 0))
	if err := Save(ctx, ix, path); err != nil {
		t.Fatal(err)
	}

	_, err := Load(ctx, path, Expect{Model: "model-b"})
	var me *MismatchError
	if !errors.Is(err, ErrModelMismatch) || !errors.As(err, &me) || me.Persisted != "model-a" {
		t.Errorf("model: error = %v", err)
	}
	if _, err := Load(ctx, path, Expect{Dimension: 8}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("dimension: error = %v", err)
	}
	if _, err := Load(ctx, path, Expect{RepoID: "other"}); !errors.Is(err, ErrIndexCorrupt) {
		t.Errorf("repo: error = %v", err)
	}
}

func TestLoad_MissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := Load(ctx, filepath.Join(dir, "none.idx"), Expect{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: error = %v", err)
	}

	garbage := filepath.Join(dir, "garbage.idx")
	os.WriteFile(garbage, []byte("this is not an index file at all, just some bytes"), 0o644)
	if _, err := Load(ctx, garbage, Expect{}); !errors.Is(err, ErrIndexCorrupt) {
		t.Errorf("garbage: error = %v", err)
	}
}

func TestSave_FailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.idx")
	ix := New("repo", "m")
	ix.Upsert(rec("a.go", 1, "a", 1, 0))
	if err := Save(ctx, ix, path); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(path)

	ix.Upsert(rec("b.go", 1, "b", 0, 1))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := Save(cancelled, ix, path); err == nil {
		t.Fatal("Save() with cancelled context: expected error")
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("failed save modified the existing snapshot")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary file left behind: %d entries", len(entries))
	}
	got, err := Load(ctx, path, Expect{})
	if err != nil || got.Len() != 1 {
		t.Errorf("Load() = %v records, err %v", got, err)
	}
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, -1.5, float32(math.Pi), 1e-7}
	got := decodeVector(encodeVector(v))
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], v[i])
		}
	}
}
