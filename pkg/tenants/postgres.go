// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgProvider implements Provider backed by PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresProvider constructs a PostgreSQL-backed tenant provider.
func NewPostgresProvider(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  slug text UNIQUE,
  host text UNIQUE,
  base_public_url text,
  policy_rego text,
  active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tenant_credentials (
  tenant_id uuid REFERENCES tenants(id) ON DELETE CASCADE,
  backend_id text NOT NULL,
  email text,
  password text,
  card_token text,
  api_key text,
  extra jsonb DEFAULT '{}'::jsonb,
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (tenant_id, backend_id)
);
CREATE TABLE IF NOT EXISTS voucher_codes (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  tier text NOT NULL,
  code text NOT NULL,
  status text NOT NULL DEFAULT 'available',
  used_for_mac text,
  reserved_at timestamptz,
  used_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS voucher_codes_pool_idx ON voucher_codes(tenant_id, tier, status, created_at);
CREATE TABLE IF NOT EXISTS activation_events (
  id BIGSERIAL PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  backend_id text,
  customer_id text,
  mac text,
  tier text,
  outcome text,
  kind text,
  message text,
  request_id text,
  duration_ms int,
  started_at timestamptz NOT NULL DEFAULT NOW(),
  finished_at timestamptz
);
`)
	return err
}

// SeedFromEnv ingests initial tenant + credential data.
// jsonSeed format (TENANT_SEED_JSON) matches the memory provider's.
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
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
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		_, _ = dbPool.Exec(ctx, `INSERT INTO tenants(id,slug,host,base_public_url,policy_rego)
		  VALUES ($1,$2,$3,$4,$5)
		  ON CONFLICT (id) DO UPDATE SET slug=EXCLUDED.slug,host=EXCLUDED.host,base_public_url=EXCLUDED.base_public_url,policy_rego=EXCLUDED.policy_rego`,
			entry.ID, entry.Slug, entry.Host, entry.BasePublicURL, entry.PolicyRego)
		for backendID, c := range entry.Backends {
			extra, _ := json.Marshal(c.Extra)
			_, _ = dbPool.Exec(ctx, `INSERT INTO tenant_credentials(tenant_id,backend_id,email,password,card_token,api_key,extra)
			  VALUES ($1,$2,$3,$4,$5,$6,$7)
			  ON CONFLICT (tenant_id,backend_id) DO UPDATE SET email=EXCLUDED.email,password=EXCLUDED.password,card_token=EXCLUDED.card_token,api_key=EXCLUDED.api_key,extra=EXCLUDED.extra,updated_at=NOW()`,
				entry.ID, backendID, c.Email, c.Password, c.CardToken, c.APIKey, extra)
		}
	}
	return nil
}

// ResolveTenantByHost fetches a tenant using its host value.
func (p *pgProvider) ResolveTenantByHost(ctx context.Context, host string) (Tenant, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT id,slug,host,COALESCE(base_public_url,''),COALESCE(policy_rego,''),active FROM tenants WHERE host=$1`, host)
	return scanTenant(row)
}

// ResolveTenantByID fetches a tenant by its UUID.
func (p *pgProvider) ResolveTenantByID(ctx context.Context, id string) (Tenant, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT id,slug,host,COALESCE(base_public_url,''),COALESCE(policy_rego,''),active FROM tenants WHERE id=$1`, id)
	return scanTenant(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Host, &t.BasePublicURL, &t.PolicyRego, &t.Active); err != nil {
		return Tenant{}, errors.New("tenant not found")
	}
	return t, nil
}

// GetBackendCreds returns the credential bundle for one tenant/backend pair.
func (p *pgProvider) GetBackendCreds(ctx context.Context, tenantID, backendID string) (Credentials, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT COALESCE(email,''),COALESCE(password,''),COALESCE(card_token,''),COALESCE(api_key,''),COALESCE(extra,'{}'::jsonb) FROM tenant_credentials WHERE tenant_id=$1 AND backend_id=$2`, tenantID, backendID)
	var c Credentials
	var extraRaw []byte
	if err := row.Scan(&c.Email, &c.Password, &c.CardToken, &c.APIKey, &extraRaw); err != nil {
		return Credentials{}, errors.New("backend creds not found")
	}
	if len(extraRaw) > 0 {
		_ = json.Unmarshal(extraRaw, &c.Extra)
	}
	return c, nil
}

// ListTenantBackendIDs returns the backend ids the tenant has credentials for.
func (p *pgProvider) ListTenantBackendIDs(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT backend_id FROM tenant_credentials WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		_ = rows.Scan(&id)
		ids = append(ids, id)
	}
	return ids, nil
}
