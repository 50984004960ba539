package tenants

import (
	"context"
)

type Provider interface {
	// Resolve tenant from incoming host (or header).
	ResolveTenantByHost(ctx context.Context, host string) (Tenant, error)
	// Optional: resolve from slug/id
	ResolveTenantByID(ctx context.Context, id string) (Tenant, error)
	// Return backend credentials per tenant/backend id
	GetBackendCreds(ctx context.Context, tenantID, backendID string) (Credentials, error)
	// List backend ids the tenant has credentials for
	ListTenantBackendIDs(ctx context.Context, tenantID string) ([]string, error)
}
