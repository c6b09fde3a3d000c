package filter

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// PolicyQuery is the rule a policy module must define.
const PolicyQuery = "data.taginventory.include"

// RegoPolicy evaluates a Rego module against each record. The module sees
// the record as input.resource and must set include to a boolean; an
// undefined include keeps the record out.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

type policyInput struct {
	Resource resource.Record `json:"resource"`
}

// NewRegoPolicy compiles a policy module.
func NewRegoPolicy(ctx context.Context, name, module string) (*RegoPolicy, error) {
	query, err := rego.New(
		rego.Query(PolicyQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	return &RegoPolicy{query: query}, nil
}

// LoadRegoPolicy reads and compiles a policy module from disk.
func LoadRegoPolicy(ctx context.Context, path string) (*RegoPolicy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewRegoPolicy(ctx, path, string(data))
}

// Include implements Predicate.
func (p *RegoPolicy) Include(ctx context.Context, r resource.Record) (bool, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(policyInput{Resource: r}))
	if err != nil {
		return false, fmt.Errorf("evaluate policy for %s: %w", r.ID, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	include, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy include for %s is %T, want bool", r.ID, rs[0].Expressions[0].Value)
	}
	return include, nil
}
