package chunker

import (
	"bytes"
	"slices"

	"github.com/ChamsBouzaiene/coderag/internal/syntax"
)

// segment is a line range before it is turned into a Chunk. ctx is the
// first line of text, which may precede start for windows.
type segment struct {
	start, end int
	ctx        int
	kind       string
	names      []string
	split      bool
}

func (s segment) lines() int { return s.end - s.start + 1 }

func (s *segment) absorb(next segment) {
	s.end = next.end
	if s.kind == syntax.KindBlock && next.kind != syntax.KindBlock {
		s.kind = next.kind
	}
	for _, n := range next.names {
		if n != "" && !slices.Contains(s.names, n) {
			s.names = append(s.names, n)
		}
	}
}

// label names the segments produced for a range: gaps inside a definition
// inherit the definition's kind and name.
type label struct {
	kind string
	name string
}

func (l label) names() []string {
	if l.name == "" {
		return nil
	}
	return []string{l.name}
}

// segment covers [start, end] with the children of node and the gaps
// between them.
func (c *Chunker) segment(node *syntax.Node, start, end int, gapLabel label, lt *lineTable) []segment {
	var out []segment
	cursor := start
	for _, child := range node.Children {
		cs, ce := max(child.StartLine, cursor), min(child.EndLine, end)
		if ce < cs {
			continue
		}
		if cs > cursor {
			out = append(out, c.gap(cursor, cs-1, gapLabel, lt)...)
		}
		out = append(out, c.definition(child, cs, ce, lt)...)
		cursor = ce + 1
	}
	if cursor <= end {
		out = append(out, c.gap(cursor, end, gapLabel, lt)...)
	}
	return out
}

// gap trims blank lines from both ends of the range and emits what is left.
func (c *Chunker) gap(start, end int, l label, lt *lineTable) []segment {
	for start <= end && lt.blankLine(start) {
		start++
	}
	for end >= start && lt.blankLine(end) {
		end--
	}
	if start > end {
		return nil
	}
	if end-start+1 > c.cfg.MaxLines {
		return c.windows(start, end, l, lt)
	}
	return []segment{{start: start, end: end, ctx: start, kind: l.kind, names: l.names()}}
}

// definition emits a named node whole when it fits, otherwise splits it on
// its children or, lacking children, into windows.
func (c *Chunker) definition(n *syntax.Node, start, end int, lt *lineTable) []segment {
	l := label{kind: n.Kind, name: n.Name}
	if end-start+1 <= c.cfg.MaxLines {
		return []segment{{start: start, end: end, ctx: start, kind: l.kind, names: l.names()}}
	}
	if len(n.Children) > 0 {
		return c.segment(n, start, end, l, lt)
	}
	return c.windows(start, end, l, lt)
}

// windows splits [start, end] into consecutive windows of WindowLines
// lines. Each window repeats up to OverlapLines preceding lines of the same
// range as context. A short tail is folded into the previous window when
// the result still fits MaxLines.
func (c *Chunker) windows(start, end int, l label, lt *lineTable) []segment {
	var out []segment
	for s := start; s <= end; s += c.cfg.WindowLines {
		e := min(s+c.cfg.WindowLines-1, end)
		if n := len(out); n > 0 && e == end && e-s+1 < c.cfg.MinLines && e-out[n-1].start+1 <= c.cfg.MaxLines {
			out[n-1].end = e
			break
		}
		out = append(out, segment{
			start: s,
			end:   e,
			ctx:   max(start, s-c.cfg.OverlapLines),
			kind:  l.kind,
			names: l.names(),
			split: true,
		})
	}
	return out
}

// merge folds segments shorter than MinLines into the following segment,
// and a short final segment into its predecessor, as long as the merged
// span fits MaxLines. Window segments are never merged.
func (c *Chunker) merge(segs []segment) []segment {
	out := make([]segment, 0, len(segs))
	for _, s := range segs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if !last.split && !s.split && last.lines() < c.cfg.MinLines && s.end-last.start+1 <= c.cfg.MaxLines {
				last.absorb(s)
				continue
			}
		}
		out = append(out, s)
	}
	if n := len(out); n >= 2 {
		last, prev := out[n-1], &out[n-2]
		if !last.split && !prev.split && last.lines() < c.cfg.MinLines && last.end-prev.start+1 <= c.cfg.MaxLines {
			prev.absorb(last)
			out = out[:n-1]
		}
	}
	return out
}

// lineTable indexes line starts in a file.
type lineTable struct {
	content []byte
	starts  []int
}

func newLineTable(content []byte) *lineTable {
	starts := []int{0}
	for i, b := range content {
		if b == '\n' && i != len(content)-1 {
			starts = append(starts, i+1)
		}
	}
	return &lineTable{content: content, starts: starts}
}

func (lt *lineTable) count() int { return len(lt.starts) }

func (lt *lineTable) lineStart(line int) int { return lt.starts[line-1] }

// lineEnd returns the offset just past the last byte of line, excluding
// its newline.
func (lt *lineTable) lineEnd(line int) int {
	if line < len(lt.starts) {
		return lt.starts[line] - 1
	}
	end := len(lt.content)
	if end > 0 && lt.content[end-1] == '\n' {
		end--
	}
	return end
}

func (lt *lineTable) text(start, end int) string {
	return string(lt.content[lt.lineStart(start):lt.lineEnd(end)])
}

func (lt *lineTable) blankLine(line int) bool {
	return len(bytes.TrimSpace(lt.content[lt.lineStart(line):lt.lineEnd(line)])) == 0
}

func (lt *lineTable) blank(start, end int) bool {
	return len(bytes.TrimSpace(lt.content[lt.lineStart(start):lt.lineEnd(end)])) == 0
}
