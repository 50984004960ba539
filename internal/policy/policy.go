// internal/policy/policy.go
package policy

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of evaluating a tenant's activation policy.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Evaluate runs the tenant's rego module (entrypoint data.activation.decide)
// against the activation input. An empty module means no policy: allow.
// Policy evaluation errors block the activation rather than letting an
// unvetted order through.
func Evaluate(ctx context.Context, module string, input map[string]any) Decision {
	if module == "" {
		return Decision{Allowed: true}
	}
	r := rego.New(
		rego.Query("data.activation.decide"),
		rego.Module("activation.rego", module),
		rego.Input(input),
	)
	rs, err := r.Eval(ctx)
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Allowed: false, Reasons: []string{"policy_error"}}
	}
	out := rs[0].Expressions[0].Value
	m, ok := out.(map[string]any)
	if !ok {
		// a bare boolean result is accepted too
		if b, ok := out.(bool); ok {
			return Decision{Allowed: b}
		}
		return Decision{Allowed: false, Reasons: []string{"policy_malformed"}}
	}
	dec := Decision{}
	if allow, ok := m["allow"].(bool); ok {
		dec.Allowed = allow
	}
	if reasons, ok := m["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				dec.Reasons = append(dec.Reasons, s)
			}
		}
	}
	return dec
}
