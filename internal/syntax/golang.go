package syntax

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// GoParser parses Go source with go/parser.
type GoParser struct{}

// Parse implements Parser. Top-level functions, methods, type declarations
// and const/var blocks become nodes; doc comments are attached to the
// declaration they precede. Imports and the package clause are left to the
// gaps between nodes.
func (GoParser) Parse(src []byte) (*Node, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse go: %w", err)
	}

	root := &Node{Kind: KindModule, StartLine: 1, EndLine: countLines(src)}
	line := func(p token.Pos) int { return fset.Position(p).Line }

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			start := line(d.Pos())
			if d.Doc != nil {
				start = line(d.Doc.Pos())
			}
			n := &Node{
				Kind:      KindFunction,
				Name:      d.Name.Name,
				StartLine: start,
				EndLine:   line(d.End()),
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				n.Kind = KindMethod
				n.Name = fmt.Sprintf("(%s).%s", formatReceiver(d.Recv.List[0].Type), d.Name.Name)
			}
			root.Children = append(root.Children, n)

		case *ast.GenDecl:
			if d.Tok == token.IMPORT {
				continue
			}
			start := line(d.Pos())
			if d.Doc != nil {
				start = line(d.Doc.Pos())
			}
			n := &Node{
				Kind:      KindBlock,
				StartLine: start,
				EndLine:   line(d.End()),
			}
			if d.Tok == token.TYPE {
				n.Kind = KindType
			}
			var names []string
			for _, spec := range d.Specs {
				child := specNode(fset, spec)
				if child == nil {
					continue
				}
				names = append(names, child.Name)
				if d.Lparen.IsValid() {
					n.Children = append(n.Children, child)
				}
			}
			n.Name = strings.Join(names, ", ")
			root.Children = append(root.Children, n)
		}
	}

	sortNodes(root.Children)
	return root, nil
}

func specNode(fset *token.FileSet, spec ast.Spec) *Node {
	line := func(p token.Pos) int { return fset.Position(p).Line }
	switch s := spec.(type) {
	case *ast.TypeSpec:
		start := line(s.Pos())
		if s.Doc != nil {
			start = line(s.Doc.Pos())
		}
		return &Node{Kind: KindType, Name: s.Name.Name, StartLine: start, EndLine: line(s.End())}
	case *ast.ValueSpec:
		if len(s.Names) == 0 {
			return nil
		}
		start := line(s.Pos())
		if s.Doc != nil {
			start = line(s.Doc.Pos())
		}
		return &Node{Kind: KindBlock, Name: s.Names[0].Name, StartLine: start, EndLine: line(s.End())}
	}
	return nil
}

// formatReceiver renders a receiver type the way it is written, e.g. "*User"
// or "List[T]".
func formatReceiver(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + formatReceiver(t.X)
	case *ast.IndexExpr:
		return fmt.Sprintf("%s[%s]", formatReceiver(t.X), formatReceiver(t.Index))
	case *ast.IndexListExpr:
		params := make([]string, len(t.Indices))
		for i, idx := range t.Indices {
			params[i] = formatReceiver(idx)
		}
		return fmt.Sprintf("%s[%s]", formatReceiver(t.X), strings.Join(params, ", "))
	case *ast.SelectorExpr:
		return formatReceiver(t.X) + "." + t.Sel.Name
	default:
		return fmt.Sprintf("%T", expr)
	}
}
