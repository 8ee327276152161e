// Package tools defines the retrieval operations exposed to tool-calling
// clients. Each Tool carries a JSON schema that arguments are validated
// against before the tool runs.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrUnknownTool is returned by Registry.Call for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// ToolFunc runs a tool with validated arguments and returns its text output.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ToolMetadata categorizes a tool.
type ToolMetadata struct {
	Version  string
	Category string   // e.g. "search", "repository"
	Tags     []string // e.g. "read-only", "idempotent"
}

// Tool is a named operation with a JSON schema for its arguments.
type Tool struct {
	Name        string
	Description string
	SchemaJSON  string
	Fn          ToolFunc
	Metadata    ToolMetadata
}

// ValidationError indicates that tool arguments failed JSON schema validation.
type ValidationError struct {
	Tool   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.Tool, strings.Join(e.Errors, "; "))
}

// ValidateArgs validates the provided arguments against the tool's JSON schema.
func (t Tool) ValidateArgs(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	schemaLoader := gojsonschema.NewStringLoader(t.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, err := range result.Errors() {
			msgs = append(msgs, err.String())
		}
		return &ValidationError{Tool: t.Name, Errors: msgs}
	}
	return nil
}

// ReadOnly reports whether the tool is tagged read-only.
func (t Tool) ReadOnly() bool {
	return slices.Contains(t.Metadata.Tags, "read-only")
}

// Registry maps tool names to tools.
type Registry map[string]Tool

// Register adds t, replacing any tool with the same name.
func (r Registry) Register(t Tool) {
	r[t.Name] = t
}

// Tools returns the registered tools sorted by name.
func (r Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r))
	for _, t := range r {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Call validates args and runs the named tool.
func (r Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := t.ValidateArgs(args); err != nil {
		return "", err
	}
	return t.Fn(ctx, args)
}
