// Package chunker splits source files into retrieval chunks. Chunk
// boundaries follow syntax definitions when a parser exists for the file's
// language and fall back to fixed-size line windows otherwise.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ChamsBouzaiene/coderag/internal/syntax"
)

// KindWindow marks chunks produced without syntax information.
const KindWindow = "window"

// binarySniffLen is how much of a file is checked for NUL bytes.
const binarySniffLen = 8000

// Span locates a chunk inside its file. Lines are 1-based and inclusive;
// bytes are a half-open range.
type Span struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
	StartByte int `json:"start_byte"`
	EndByte   int `json:"end_byte"`
}

// Lines returns the number of lines in the span.
func (s Span) Lines() int { return s.EndLine - s.StartLine + 1 }

// Chunk is a contiguous piece of one file. Text starts at ContextStartLine,
// which is at or before Span.StartLine when leading overlap is included.
type Chunk struct {
	ID               string `json:"chunk_id"`
	RepoID           string `json:"repository_id"`
	FilePath         string `json:"file_path"`
	Lang             string `json:"lang,omitempty"`
	Kind             string `json:"kind"`
	Name             string `json:"name,omitempty"`
	Span             Span   `json:"span"`
	ContextStartLine int    `json:"context_start_line"`
	Text             string `json:"text"`
	ContentHash      string `json:"content_hash"`
}

// Config holds the line thresholds used for chunking.
type Config struct {
	// MaxLines is the largest span a single definition may occupy before
	// it is split into windows.
	MaxLines int `json:"max_lines"`
	// MinLines is the smallest span emitted on its own; smaller pieces are
	// merged with the next sibling.
	MinLines int `json:"min_lines"`
	// WindowLines is the number of lines each window owns.
	WindowLines int `json:"window_lines"`
	// OverlapLines is how many preceding lines a window repeats as context.
	OverlapLines int `json:"overlap_lines"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxLines:     150,
		MinLines:     8,
		WindowLines:  80,
		OverlapLines: 10,
	}
}

// Validate reports thresholds that cannot produce a sane chunking.
func (c Config) Validate() error {
	var errs []error
	if c.MaxLines < 1 {
		errs = append(errs, fmt.Errorf("max_lines must be >= 1, got %d", c.MaxLines))
	}
	if c.WindowLines < 1 || c.WindowLines > c.MaxLines {
		errs = append(errs, fmt.Errorf("window_lines must be in [1, max_lines], got %d", c.WindowLines))
	}
	if c.OverlapLines < 0 || c.OverlapLines >= c.WindowLines {
		errs = append(errs, fmt.Errorf("overlap_lines must be in [0, window_lines), got %d", c.OverlapLines))
	}
	if c.MinLines < 0 || c.MinLines > c.MaxLines {
		errs = append(errs, fmt.Errorf("min_lines must be in [0, max_lines], got %d", c.MinLines))
	}
	return errors.Join(errs...)
}

// Source is one file handed to the chunker.
type Source struct {
	RepoID  string
	Path    string
	Lang    string
	Content []byte
}

// Chunker produces chunks for a fixed configuration. It is safe for
// concurrent use.
type Chunker struct {
	cfg    Config
	syntax *syntax.Registry
}

// New returns a Chunker. A nil registry disables syntax chunking.
func New(cfg Config, reg *syntax.Registry) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunking config: %w", err)
	}
	if reg == nil {
		reg = syntax.NewRegistry()
	}
	return &Chunker{cfg: cfg, syntax: reg}, nil
}

// Config returns the chunker's thresholds.
func (c *Chunker) Config() Config { return c.cfg }

// Fingerprint identifies the chunking behaviour. Two chunkers with the same
// fingerprint produce identical chunks for identical input.
func (c *Chunker) Fingerprint() string {
	key := fmt.Sprintf("v1:%d:%d:%d:%d:%s",
		c.cfg.MaxLines, c.cfg.MinLines, c.cfg.WindowLines, c.cfg.OverlapLines,
		strings.Join(c.syntax.Languages(), ","))
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum[:8])
}

// Chunk splits src into ordered, non-overlapping chunks. Empty and binary
// content yields no chunks.
func (c *Chunker) Chunk(src Source) []Chunk {
	if len(src.Content) == 0 || IsBinary(src.Content) {
		return nil
	}
	lt := newLineTable(src.Content)

	var segs []segment
	if root, ok := c.parse(src.Lang, src.Content); ok {
		segs = c.merge(c.segment(root, 1, lt.count(), label{kind: syntax.KindBlock}, lt))
	} else {
		segs = c.windows(1, lt.count(), label{kind: KindWindow}, lt)
	}

	chunks := make([]Chunk, 0, len(segs))
	for _, s := range segs {
		if lt.blank(s.start, s.end) {
			continue
		}
		chunks = append(chunks, c.build(src, lt, s))
	}
	return chunks
}

func (c *Chunker) parse(lang string, content []byte) (*syntax.Node, bool) {
	if lang == "" {
		return nil, false
	}
	p, err := c.syntax.Lookup(lang)
	if err != nil {
		return nil, false
	}
	root, err := p.Parse(content)
	if err != nil || root == nil {
		return nil, false
	}
	return root, true
}

func (c *Chunker) build(src Source, lt *lineTable, s segment) Chunk {
	text := lt.text(s.ctx, s.end)
	return Chunk{
		ID:       hashChunk(src.RepoID, src.Path, s.start, s.end),
		RepoID:   src.RepoID,
		FilePath: src.Path,
		Lang:     src.Lang,
		Kind:     s.kind,
		Name:     strings.Join(s.names, ", "),
		Span: Span{
			StartLine: s.start,
			EndLine:   s.end,
			StartByte: lt.lineStart(s.start),
			EndByte:   lt.lineEnd(s.end),
		},
		ContextStartLine: s.ctx,
		Text:             text,
		ContentHash:      HashText(text),
	}
}

// IsBinary reports whether content looks like a binary file.
func IsBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return true
	}
	return !utf8.Valid(content)
}

// HashText returns the content hash used for change detection.
func HashText(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
}

// hashChunk derives the stable chunk key from its location.
func hashChunk(repoID, filePath string, startLine, endLine int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d", repoID, filePath, startLine, endLine)))
	return fmt.Sprintf("%x", h)
}
