package tools

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Policy decides which discovered tools require confirmation. The
// expression sees three string variables: name, description and source
// (the MCP server name). It must evaluate to a bool.
//
//	source == "github" || name.contains("delete")
type Policy struct {
	expr string
	prg  cel.Program
}

// NewPolicy compiles expr. An empty expression yields a nil Policy, which
// never requires confirmation.
func NewPolicy(expr string) (*Policy, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile confirmation policy: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("confirmation policy must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build confirmation policy: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// RequiresConfirmation evaluates the policy for one definition.
func (p *Policy) RequiresConfirmation(d *Definition) (bool, error) {
	if p == nil || d == nil {
		return false, nil
	}
	out, _, err := p.prg.Eval(map[string]any{
		"name":        d.Name,
		"description": d.Description,
		"source":      d.Source,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate confirmation policy for %s: %w", d.Name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("confirmation policy returned %T", out.Value())
	}
	return b, nil
}

// Apply returns a copy of s with RequiresConfirmation set on every
// definition the policy matches. Evaluation errors fail closed.
func (p *Policy) Apply(s Set) Set {
	if p == nil {
		return s
	}
	out := make(Set, len(s))
	for name, d := range s {
		need, err := p.RequiresConfirmation(d)
		if err != nil {
			need = true
		}
		if need && !d.RequiresConfirmation {
			cp := *d
			cp.RequiresConfirmation = true
			d = &cp
		}
		out[name] = d
	}
	return out
}

// WithPolicy wraps d so every discovered set passes through p.
func WithPolicy(d Discoverer, p *Policy) Discoverer {
	if d == nil || p == nil {
		return d
	}
	return DiscovererFunc(func(ctx context.Context) (Set, error) {
		s, err := d.Tools(ctx)
		if err != nil {
			return nil, err
		}
		return p.Apply(s), nil
	})
}
