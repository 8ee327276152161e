package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestWalker_Walk(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"main.go":              "package main\n",
		"pkg/util.py":          "x = 1\n",
		"README.md":            "# readme\n",
		"notes.txt":            "plain text\n",
		"node_modules/lib.js":  "module.exports = 1\n",
		".git/config":          "[core]\n",
		"logo.png":             "\x89PNG",
		"secret.txt":           "password\n",
		"generated/out.go":     "package generated\n",
		"scratch/tmp.go":       "package scratch\n",
		".gitignore":           "secret.txt\ngenerated/\n",
		"pkg/__pycache__/x.py": "cached\n",
	})

	w, err := NewWalkerWithConfig(root, WalkerConfig{ExtraIgnore: []string{"scratch/"}})
	if err != nil {
		t.Fatalf("NewWalkerWithConfig() error = %v", err)
	}
	res, err := w.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v", res.Errors)
	}

	var paths []string
	for _, f := range res.Files {
		paths = append(paths, f.Path)
	}
	want := []string{".gitignore", "README.md", "main.go", "notes.txt", "pkg/util.py"}
	if !slices.Equal(paths, want) {
		t.Errorf("paths = %v, want %v", paths, want)
	}

	for _, f := range res.Files {
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f.Path)))
		if err != nil {
			t.Fatal(err)
		}
		if f.Hash != HashContent(content) || f.SizeBytes != int64(len(content)) {
			t.Errorf("%s: hash or size mismatch", f.Path)
		}
	}
	langs := map[string]string{}
	for _, f := range res.Files {
		langs[f.Path] = f.Lang
	}
	if langs["main.go"] != LangGo || langs["pkg/util.py"] != LangPython || langs["README.md"] != LangMarkdown || langs["notes.txt"] != "" {
		t.Errorf("languages = %v", langs)
	}
}

func TestWalker_SkipsLargeFiles(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"small.go": "package small\n",
		"big.go":   "package big\n" + strings.Repeat("// filler\n", 100),
	})
	w, err := NewWalkerWithConfig(root, WalkerConfig{MaxFileBytes: 64})
	if err != nil {
		t.Fatal(err)
	}
	res, err := w.Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0].Path != "small.go" {
		t.Errorf("Files = %+v", res.Files)
	}
	if len(res.Errors) != 1 || res.Errors[0].Path != "big.go" || !errors.Is(&res.Errors[0], ErrFileTooLarge) {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestWalker_SkipsSymlinks(t *testing.T) {
	root := writeRepo(t, map[string]string{"real.go": "package real\n"})
	outside := writeRepo(t, map[string]string{"leak.go": "package leak\n"})
	if err := os.Symlink(filepath.Join(outside, "leak.go"), filepath.Join(root, "link.go")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	w, err := NewWalker(root)
	if err != nil {
		t.Fatal(err)
	}
	res, err := w.Walk(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || res.Files[0].Path != "real.go" {
		t.Errorf("Files = %+v", res.Files)
	}
}

func TestWalker_Cancelled(t *testing.T) {
	root := writeRepo(t, map[string]string{"a.go": "package a\n"})
	w, err := NewWalker(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Walk(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Walk() error = %v, want context.Canceled", err)
	}
}

func TestNewWalker_RejectsFiles(t *testing.T) {
	root := writeRepo(t, map[string]string{"a.go": "package a\n"})
	if _, err := NewWalker(filepath.Join(root, "a.go")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewWalker(file) error = %v, want ErrInvalidArgument", err)
	}
}

func TestExtensionDetector(t *testing.T) {
	d := NewExtensionDetector()
	tests := map[string]string{
		"main.go":         LangGo,
		"pkg/Service.PY":  LangPython,
		"docs/guide.md":   LangMarkdown,
		"archive.tar.bin": "",
		"Makefile":        "",
	}
	for path, want := range tests {
		if got := d.Detect(path); got != want {
			t.Errorf("Detect(%q) = %q, want %q", path, got, want)
		}
	}
}
