// Package scope resolves the set of nodes an operator command applies to.
//
// A scope is given as repeated --node names, --all, or a --select CEL
// expression evaluated against every node in the inventory, for example
//
//	data_plane && name.startsWith("etcd-")
//	ca_role == "backup"
package scope

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// Selector is a compiled node selection expression.
type Selector struct {
	expr string
	prg  cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("addresses", cel.ListType(cel.StringType)),
		cel.Variable("health_endpoint", cel.StringType),
		cel.Variable("data_plane", cel.BoolType),
		cel.Variable("ca_role", cel.StringType),
	)
}

// Compile parses and type-checks expr. The expression must evaluate to a bool.
func Compile(expr string) (*Selector, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create selector environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Configf("select", "invalid expression: %v", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Configf("select", "expression must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Configf("select", "invalid expression: %v", err)
	}
	return &Selector{expr: expr, prg: prg}, nil
}

func (s *Selector) String() string { return s.expr }

// Match evaluates the selector against one node.
func (s *Selector) Match(n pki.NodeIdentity) (bool, error) {
	addresses := n.Addresses
	if addresses == nil {
		addresses = []string{}
	}
	out, _, err := s.prg.Eval(map[string]any{
		"name":            n.Name,
		"addresses":       addresses,
		"health_endpoint": n.HealthEndpoint,
		"data_plane":      n.DataPlane,
		"ca_role":         string(n.CARole),
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q on %s: %w", s.expr, n.Name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("selector %q returned %T", s.expr, out.Value())
	}
	return b, nil
}

// Filter returns the nodes the selector matches, in input order.
func (s *Selector) Filter(nodes []pki.NodeIdentity) ([]pki.NodeIdentity, error) {
	var out []pki.NodeIdentity
	for _, n := range nodes {
		ok, err := s.Match(n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}
