// internal/api/handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"actigate/internal/backends"
	"actigate/internal/orchestrator"
	"actigate/internal/vouchers"
	"actigate/pkg/middleware"
	"actigate/pkg/problems"
	"actigate/pkg/tenants"
)

// App wires the HTTP surface to the orchestrator. The storefront bots are the
// only intended clients; responses are JSON throughout, failures use RFC 7807
// problem documents keyed by the taxonomy kind.
type App struct {
	svc       *orchestrator.Service
	catalog   *backends.Catalog
	inventory vouchers.Inventory
	provider  tenants.Provider
	log       *zap.SugaredLogger
}

func NewApp(svc *orchestrator.Service, catalog *backends.Catalog, inventory vouchers.Inventory,
	provider tenants.Provider, log *zap.SugaredLogger) *App {
	return &App{svc: svc, catalog: catalog, inventory: inventory, provider: provider, log: log}
}

func (a *App) Mount(r chi.Router) {
	r.Post("/v1/activations", a.postActivation)
	r.Get("/v1/backends", a.listBackends)
	r.Get("/v1/backends/{backendID}/balance", a.getBalance)
	r.Post("/v1/backends/{backendID}/test", a.testBackend)
	r.Get("/v1/vouchers/stock", a.voucherStock)
	r.Post("/v1/vouchers", a.addVoucher)
}

type activationBody struct {
	BackendID  string            `json:"backend_id"`
	CustomerID string            `json:"customer_id"`
	Mac        string            `json:"mac"`
	Tier       string            `json:"tier"`
	Extra      map[string]string `json:"extra,omitempty"`
}

func (a *App) postActivation(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFrom(r.Context())
	var b activationBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad json", 400)
		return
	}
	if b.BackendID == "" || b.Tier == "" {
		http.Error(w, "backend_id and tier are required", 400)
		return
	}
	res := a.svc.ProcessActivation(r.Context(), orchestrator.Request{
		TenantID:   t.ID,
		CustomerID: b.CustomerID,
		BackendID:  b.BackendID,
		MacRaw:     b.Mac,
		Tier:       b.Tier,
		Extra:      b.Extra,
	})
	if res.Success {
		writeJSON(w, res, 200)
		return
	}
	writeProblem(w, res)
}

// listBackends answers the catalog filtered to what this tenant can actually
// use: a backend shows up when the tenant holds a credential for it, or when
// the family needs none. Operator secrets never leave the process.
func (a *App) listBackends(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFrom(r.Context())
	type entry struct {
		ID         string             `json:"id"`
		Family     string             `json:"family"`
		Title      string             `json:"title"`
		Tiers      []string           `json:"tiers"`
		TierPrices map[string]float64 `json:"tier_prices,omitempty"`
		Configured bool               `json:"configured"`
	}
	out := []entry{}
	for _, d := range a.catalog.List() {
		_, err := a.provider.GetBackendCreds(r.Context(), t.ID, d.ID)
		configured := err == nil || d.Family == backends.FamilyVoucher
		out = append(out, entry{
			ID:         d.ID,
			Family:     string(d.Family),
			Title:      d.Title,
			Tiers:      tiersOf(d),
			TierPrices: d.TierPrices,
			Configured: configured,
		})
	}
	writeJSON(w, map[string]any{"backends": out}, 200)
}

func (a *App) getBalance(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFrom(r.Context())
	id := chi.URLParam(r, "backendID")
	info, err := a.svc.BalanceFor(r.Context(), t.ID, id)
	if err != nil {
		writeJSON(w, map[string]any{
			"type":   problems.Type("balance-unavailable"),
			"title":  "Balance unavailable",
			"status": 502,
			"detail": err.Error(),
		}, 502)
		return
	}
	writeJSON(w, info, 200)
}

func (a *App) testBackend(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFrom(r.Context())
	id := chi.URLParam(r, "backendID")
	ok, detail := a.svc.TestBackend(r.Context(), t.ID, id)
	status := 200
	if !ok {
		status = 502
	}
	writeJSON(w, map[string]any{"ok": ok, "detail": detail}, status)
}

func (a *App) voucherStock(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFrom(r.Context())
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		http.Error(w, "tier is required", 400)
		return
	}
	n, err := a.inventory.Stock(r.Context(), t.ID, tier)
	if err != nil {
		http.Error(w, "inventory error", 500)
		return
	}
	writeJSON(w, map[string]any{"tier": tier, "available": n}, 200)
}

type voucherBody struct {
	Tier string `json:"tier"`
	Code string `json:"code"`
}

// addVoucher provisions one pre-purchased code into the tenant's pool.
func (a *App) addVoucher(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFrom(r.Context())
	var b voucherBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "bad json", 400)
		return
	}
	if b.Tier == "" || strings.TrimSpace(b.Code) == "" {
		http.Error(w, "tier and code are required", 400)
		return
	}
	c, err := a.inventory.Add(r.Context(), t.ID, b.Tier, strings.TrimSpace(b.Code))
	if err != nil {
		http.Error(w, "inventory error", 500)
		return
	}
	writeJSON(w, map[string]any{"id": c.ID, "tier": c.Tier, "status": string(c.Status)}, 201)
}

func tiersOf(d backends.Descriptor) []string {
	seen := map[string]bool{}
	out := []string{}
	for k := range d.TierPrices {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range d.TierPackages {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range d.TierCredits {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// statusFor maps taxonomy kinds onto HTTP statuses. Remote-side faults are
// 502/504 so the bot can distinguish "fix your input" from "panel trouble".
func statusFor(kind backends.Kind) int {
	switch kind {
	case backends.KindInvalidMac:
		return http.StatusBadRequest
	case backends.KindConfiguration:
		return http.StatusUnprocessableEntity
	case backends.KindDeviceNotFound:
		return http.StatusNotFound
	case backends.KindAlreadyActivated, backends.KindVoucherExhausted:
		return http.StatusConflict
	case backends.KindCaptchaTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func slugFor(kind backends.Kind) string {
	s := strings.TrimSuffix(string(kind), "Error")
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func writeProblem(w http.ResponseWriter, res backends.ActivationResult) {
	status := statusFor(res.Kind)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(slugFor(res.Kind)),
		"title":  string(res.Kind),
		"status": status,
		"detail": res.Message,
		"kind":   string(res.Kind),
	})
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
