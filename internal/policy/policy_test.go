// internal/policy/policy_test.go
package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateEmptyModuleAllows(t *testing.T) {
	dec := Evaluate(context.Background(), "", map[string]any{"tier": "yearly"})
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reasons)
}

func TestEvaluateAllowDecision(t *testing.T) {
	module := `package activation

decide := {"allow": input.tier == "yearly", "reasons": []}
`
	dec := Evaluate(context.Background(), module, map[string]any{"tier": "yearly"})
	assert.True(t, dec.Allowed)

	dec = Evaluate(context.Background(), module, map[string]any{"tier": "weekly"})
	assert.False(t, dec.Allowed)
}

func TestEvaluateDenyWithReasons(t *testing.T) {
	module := `package activation

decide := {"allow": false, "reasons": ["backend disabled for tenant"]}
`
	dec := Evaluate(context.Background(), module, map[string]any{})
	assert.False(t, dec.Allowed)
	assert.Equal(t, []string{"backend disabled for tenant"}, dec.Reasons)
}

func TestEvaluateBareBoolean(t *testing.T) {
	module := `package activation

decide := input.mac != ""
`
	dec := Evaluate(context.Background(), module, map[string]any{"mac": "aa:bb:cc:dd:ee:ff"})
	assert.True(t, dec.Allowed)
}

func TestEvaluateBrokenModuleBlocks(t *testing.T) {
	dec := Evaluate(context.Background(), "this is not rego", map[string]any{})
	assert.False(t, dec.Allowed)
	assert.Equal(t, []string{"policy_error"}, dec.Reasons)
}

func TestEvaluateMissingEntrypointBlocks(t *testing.T) {
	module := `package other

x := true
`
	dec := Evaluate(context.Background(), module, map[string]any{})
	assert.False(t, dec.Allowed)
}
