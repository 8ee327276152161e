package syntax

import (
	"regexp"
	"strings"
)

var mdHeaderRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

// MarkdownParser turns ATX headers into nested sections. Headers inside
// fenced code blocks are ignored.
type MarkdownParser struct{}

type mdOpen struct {
	node  *Node
	level int
}

// Parse implements Parser.
func (MarkdownParser) Parse(src []byte) (*Node, error) {
	lines := splitLines(src)
	root := &Node{Kind: KindModule, StartLine: 1, EndLine: len(lines)}

	var (
		stack   []mdOpen
		inFence bool
		fence   string
	)
	closeTo := func(level, end int) {
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack[len(stack)-1].node.EndLine = end
			stack = stack[:len(stack)-1]
		}
	}

	for i, raw := range lines {
		ln := i + 1
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			marker := trimmed[:3]
			switch {
			case !inFence:
				inFence, fence = true, marker
			case marker == fence:
				inFence = false
			}
			continue
		}
		if inFence {
			continue
		}
		m := mdHeaderRe.FindStringSubmatch(string(raw))
		if m == nil {
			continue
		}
		level := len(m[1])
		closeTo(level, ln-1)
		n := &Node{Kind: KindSection, Name: m[2], StartLine: ln}
		parent := root
		if len(stack) > 0 {
			parent = stack[len(stack)-1].node
		}
		parent.Children = append(parent.Children, n)
		stack = append(stack, mdOpen{node: n, level: level})
	}
	closeTo(1, len(lines))

	return root, nil
}
