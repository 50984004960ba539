// pkg/tenants/memory_test.go
package tenants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryProviderSeedFromEnv(t *testing.T) {
	t.Setenv("TENANT_SEED_JSON", `[{
		"id": "11111111-1111-1111-1111-111111111111",
		"slug": "acme",
		"host": "panel.acme.test",
		"backends": {
			"vexa": {"email": "reseller@acme.test", "password": "pw"},
			"cine": {"card_token": "tok_abc"}
		}
	}]`)
	p := NewMemoryProviderFromEnv(zap.NewNop().Sugar())

	tn, err := p.ResolveTenantByHost(context.Background(), "panel.acme.test")
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Slug)
	assert.True(t, tn.Active)

	tn, err = p.ResolveTenantByID(context.Background(), "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Slug)

	c, err := p.GetBackendCreds(context.Background(), tn.ID, "vexa")
	require.NoError(t, err)
	assert.Equal(t, "reseller@acme.test", c.Email)
	assert.True(t, c.Configured())

	c, err = p.GetBackendCreds(context.Background(), tn.ID, "cine")
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", c.CardToken)

	_, err = p.GetBackendCreds(context.Background(), tn.ID, "nope")
	assert.Error(t, err)

	ids, err := p.ListTenantBackendIDs(context.Background(), tn.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vexa", "cine"}, ids)
}

func TestMemoryProviderLocalhostDefault(t *testing.T) {
	t.Setenv("TENANT_SEED_JSON", "")
	p := NewMemoryProviderFromEnv(zap.NewNop().Sugar())

	tn, err := p.ResolveTenantByHost(context.Background(), "localhost")
	require.NoError(t, err)
	assert.Equal(t, "dev", tn.Slug)

	_, err = p.ResolveTenantByHost(context.Background(), "unknown.example")
	assert.Error(t, err)
}

func TestCredentialsConfigured(t *testing.T) {
	assert.False(t, Credentials{}.Configured())
	assert.False(t, Credentials{Email: "a@b"}.Configured())
	assert.True(t, Credentials{Email: "a@b", Password: "x"}.Configured())
	assert.True(t, Credentials{APIKey: "k"}.Configured())
}
