// Package tools defines the tools the model may call, how static and
// discovered tool sets are merged, and the built-in tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// ExecuteFunc runs a tool with decoded arguments and returns its output.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// SourceStatic marks tools defined in process configuration.
const SourceStatic = "static"

// Definition describes one callable tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"parameters"`

	// Execute runs the tool. A nil Execute marks a client-side tool that
	// the server never runs.
	Execute ExecuteFunc `json:"-"`

	// RequiresConfirmation holds execution until a human approves the call.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`

	// Source is SourceStatic or the name of the MCP server that supplied it.
	Source string `json:"source,omitempty"`
}

// AutoExecutable reports whether the model loop may run the tool without
// asking anyone.
func (d *Definition) AutoExecutable() bool {
	return d != nil && d.Execute != nil && !d.RequiresConfirmation
}

// Set maps tool names to definitions. A Set is rebuilt for every turn and
// treated as immutable once built.
type Set map[string]*Definition

// NewSet builds a Set from definitions. Later definitions replace earlier
// ones with the same name.
func NewSet(defs ...*Definition) Set {
	s := make(Set, len(defs))
	for _, d := range defs {
		if d != nil && d.Name != "" {
			s[d.Name] = d
		}
	}
	return s
}

// Get returns the named definition or nil.
func (s Set) Get(name string) *Definition {
	return s[name]
}

// Names returns the tool names in sorted order.
func (s Set) Names() []string {
	return slices.Sorted(maps.Keys(s))
}

// Definitions returns the definitions sorted by name.
func (s Set) Definitions() []*Definition {
	out := make([]*Definition, 0, len(s))
	for _, name := range s.Names() {
		out = append(out, s[name])
	}
	return out
}

// Schemas renders the set in the OpenAI function-calling format consumed
// by the llm package, sorted by name.
func (s Set) Schemas() []map[string]any {
	result := make([]map[string]any, 0, len(s))
	for _, d := range s.Definitions() {
		params := d.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Executions collects the execution function of every tool that has one.
func (s Set) Executions() Executions {
	out := make(Executions, len(s))
	for name, d := range s {
		if d.Execute != nil {
			out[name] = d.Execute
		}
	}
	return out
}

// Executions maps tool names to the functions that run them.
type Executions map[string]ExecuteFunc

// Run decodes a raw JSON argument object and runs the named tool.
func (e Executions) Run(ctx context.Context, name string, input json.RawMessage) (string, error) {
	fn := e[name]
	if fn == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	args, err := DecodeArgs(input)
	if err != nil {
		return "", err
	}
	return fn(ctx, args)
}

// DecodeArgs parses a JSON argument object. Empty input yields an empty map.
func DecodeArgs(input json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(input) == 0 || string(input) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}
