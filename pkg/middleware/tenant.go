// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"actigate/pkg/tenants"
)

type ctxTenantKey struct{}

// WithTenant resolves the acting tenant from the X-Tenant-ID header (bot
// backends call on behalf of a reseller) or, failing that, from the host.
func WithTenant(prov tenants.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow health/metrics without tenant context
			switch r.URL.Path {
			case "/healthz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			var t tenants.Tenant
			var err error
			if id := r.Header.Get("X-Tenant-ID"); id != "" {
				t, err = prov.ResolveTenantByID(r.Context(), id)
			} else {
				host := r.Host
				if i := strings.Index(host, ":"); i > 0 {
					host = host[:i]
				}
				tryHosts := []string{host}
				switch host {
				case "127.0.0.1", "host.docker.internal":
					tryHosts = append(tryHosts, "localhost")
				}
				for _, h := range tryHosts {
					t, err = prov.ResolveTenantByHost(r.Context(), h)
					if err == nil {
						break
					}
				}
			}
			if err != nil {
				http.Error(w, "unknown tenant", http.StatusNotFound)
				return
			}
			if !t.Active {
				http.Error(w, "tenant disabled", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TenantFrom(ctx context.Context) tenants.Tenant {
	if v := ctx.Value(ctxTenantKey{}); v != nil {
		return v.(tenants.Tenant)
	}
	return tenants.Tenant{}
}
