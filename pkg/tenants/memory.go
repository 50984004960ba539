// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"go.uber.org/zap"
)

type memProvider struct {
	log    *zap.SugaredLogger
	byHost map[string]Tenant
	creds  map[string]Credentials // key: tenantID+":"+backendID
}

// NewMemoryProviderFromEnv builds a dev provider seeded from TENANT_SEED_JSON:
// [{"id":"...","slug":"...","host":"...","backends":{"<backendID>":{"email":"...","password":"...","card_token":"...","api_key":"..."}}}]
func NewMemoryProviderFromEnv(log *zap.SugaredLogger) Provider {
	p := &memProvider{log: log, byHost: map[string]Tenant{}, creds: map[string]Credentials{}}
	seed := os.Getenv("TENANT_SEED_JSON")
	if seed != "" {
		var entries []struct {
			ID, Slug, Host, BasePublicURL, PolicyRego string
			Backends                                  map[string]struct {
				Email     string            `json:"email"`
				Password  string            `json:"password"`
				CardToken string            `json:"card_token"`
				APIKey    string            `json:"api_key"`
				Extra     map[string]string `json:"extra"`
			} `json:"backends"`
		}
		_ = json.Unmarshal([]byte(seed), &entries)
		for _, e := range entries {
			p.byHost[e.Host] = Tenant{
				ID: e.ID, Slug: e.Slug, Host: e.Host,
				BasePublicURL: e.BasePublicURL, PolicyRego: e.PolicyRego, Active: true,
			}
			for backendID, c := range e.Backends {
				p.creds[e.ID+":"+backendID] = Credentials{
					Email: c.Email, Password: c.Password,
					CardToken: c.CardToken, APIKey: c.APIKey, Extra: c.Extra,
				}
			}
		}
	} else {
		// sensible localhost default so the service is usable without any seed
		dev := Tenant{ID: "00000000-0000-0000-0000-000000000001", Slug: "dev", Active: true}
		for _, h := range []string{"localhost", "localhost:8080", "127.0.0.1", "127.0.0.1:8080"} {
			dd := dev
			dd.Host = h
			p.byHost[h] = dd
		}
	}
	return p
}

func (m *memProvider) ResolveTenantByHost(ctx context.Context, host string) (Tenant, error) {
	if t, ok := m.byHost[host]; ok {
		return t, nil
	}
	return Tenant{}, errors.New("tenant not found")
}

func (m *memProvider) ResolveTenantByID(ctx context.Context, id string) (Tenant, error) {
	for _, t := range m.byHost {
		if t.ID == id {
			return t, nil
		}
	}
	return Tenant{}, errors.New("tenant not found")
}

func (m *memProvider) GetBackendCreds(ctx context.Context, tenantID, backendID string) (Credentials, error) {
	if c, ok := m.creds[tenantID+":"+backendID]; ok {
		return c, nil
	}
	return Credentials{}, errors.New("backend creds not found")
}

func (m *memProvider) ListTenantBackendIDs(ctx context.Context, tenantID string) ([]string, error) {
	var ids []string
	for k := range m.creds {
		// key pattern tenantID:backendID
		if len(k) > len(tenantID)+1 && k[:len(tenantID)] == tenantID {
			ids = append(ids, k[len(tenantID)+1:])
		}
	}
	return ids, nil
}
