// Package syntax provides language-specific parsers that turn source text into
// a tree of named definitions with line spans.
//
// Parsers are looked up by language identifier. Languages without a parser
// report ErrUnsupportedLanguage and callers fall back to plain windowing.
package syntax

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupportedLanguage is returned by Lookup when no parser is registered.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Node kinds produced by the built-in parsers.
const (
	KindModule   = "module"
	KindFunction = "function"
	KindMethod   = "method"
	KindClass    = "class"
	KindType     = "type"
	KindBlock    = "block"
	KindSection  = "section"
)

// Node is a named syntactic element. Lines are 1-based and inclusive.
type Node struct {
	Kind      string
	Name      string
	StartLine int
	EndLine   int
	Children  []*Node
}

// Lines returns the number of lines covered by the node.
func (n *Node) Lines() int {
	return n.EndLine - n.StartLine + 1
}

// Parser builds a tree for one language. The returned root has kind
// KindModule and spans the whole file.
type Parser interface {
	Parse(src []byte) (*Node, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(src []byte) (*Node, error)

// Parse implements Parser.
func (f ParserFunc) Parse(src []byte) (*Node, error) { return f(src) }

// Registry maps language identifiers to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// DefaultRegistry returns a registry with the built-in Go, Python and
// Markdown parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("go", GoParser{})
	r.Register("python", PythonParser{})
	r.Register("markdown", MarkdownParser{})
	return r
}

// Register installs p for lang, replacing any previous parser.
func (r *Registry) Register(lang string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[lang] = p
}

// Lookup returns the parser for lang.
func (r *Registry) Lookup(lang string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return p, nil
}

// Languages lists registered languages in sorted order.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.parsers))
	for l := range r.parsers {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// countLines returns the number of lines in src, ignoring a trailing newline.
func countLines(src []byte) int {
	if len(src) == 0 {
		return 0
	}
	n := 1
	for i, b := range src {
		if b == '\n' && i != len(src)-1 {
			n++
		}
	}
	return n
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].StartLine < nodes[j].StartLine
	})
}
