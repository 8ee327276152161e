package syntax

import (
	"bytes"
	"regexp"
	"strings"
)

var (
	pyDefRe   = regexp.MustCompile(`^(?:async\s+)?def\s+(\w+)\s*[\(\[]`)
	pyClassRe = regexp.MustCompile(`^class\s+(\w+)`)
)

// PythonParser builds a definition tree from indentation. It recognises
// def, async def and class statements at any depth, attaches decorators to
// the definition that follows them and treats lines inside open brackets as
// continuations.
type PythonParser struct{}

type pyOpen struct {
	node   *Node
	indent int
}

// Parse implements Parser.
func (PythonParser) Parse(src []byte) (*Node, error) {
	lines := splitLines(src)
	root := &Node{Kind: KindModule, StartLine: 1, EndLine: len(lines)}

	var (
		stack      []pyOpen
		lastCode   int
		depth      int
		decorStart int
		inString   string
	)

	closeTo := func(indent int) {
		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			top := stack[len(stack)-1]
			top.node.EndLine = max(lastCode, top.node.StartLine)
			stack = stack[:len(stack)-1]
		}
	}

	for i, raw := range lines {
		ln := i + 1
		text := string(raw)
		trimmed := strings.TrimSpace(text)

		if inString != "" {
			lastCode = ln
			if strings.Count(text, inString)%2 == 1 {
				inString = ""
			}
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if depth > 0 {
			lastCode = ln
			depth = bracketDepth(depth, trimmed)
			continue
		}

		indent := indentWidth(text)
		closeTo(indent)

		switch {
		case strings.HasPrefix(trimmed, "@"):
			if decorStart == 0 {
				decorStart = ln
			}
		case pyDefRe.MatchString(trimmed) || pyClassRe.MatchString(trimmed):
			n := &Node{Kind: KindFunction, StartLine: ln}
			if decorStart != 0 {
				n.StartLine = decorStart
			}
			if m := pyClassRe.FindStringSubmatch(trimmed); m != nil {
				n.Kind = KindClass
				n.Name = m[1]
			} else {
				n.Name = pyDefRe.FindStringSubmatch(trimmed)[1]
				if len(stack) > 0 && stack[len(stack)-1].node.Kind == KindClass {
					n.Kind = KindMethod
				}
			}
			parent := root
			if len(stack) > 0 {
				parent = stack[len(stack)-1].node
			}
			parent.Children = append(parent.Children, n)
			stack = append(stack, pyOpen{node: n, indent: indent})
			decorStart = 0
		default:
			decorStart = 0
		}

		lastCode = ln
		depth = bracketDepth(0, trimmed)
		if q := openTripleQuote(trimmed); q != "" {
			inString = q
		}
	}
	closeTo(0)

	return root, nil
}

// bracketDepth updates an open-bracket count with the brackets on line,
// ignoring anything after a comment marker.
func bracketDepth(depth int, line string) int {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '#':
			return max(depth, 0)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	return max(depth, 0)
}

// openTripleQuote reports the triple-quote delimiter left open by line.
func openTripleQuote(line string) string {
	for _, q := range []string{`"""`, `'''`} {
		if strings.Count(line, q)%2 == 1 {
			return q
		}
	}
	return ""
}

func indentWidth(line string) int {
	w := 0
	for _, c := range line {
		switch c {
		case ' ':
			w++
		case '\t':
			w += 8 - w%8
		default:
			return w
		}
	}
	return w
}

// splitLines splits src on newlines, dropping the empty element after a
// trailing newline.
func splitLines(src []byte) [][]byte {
	if len(src) == 0 {
		return nil
	}
	lines := bytes.Split(src, []byte("\n"))
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
