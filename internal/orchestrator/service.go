// internal/orchestrator/service.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"actigate/internal/backends"
	"actigate/internal/policy"
	"actigate/internal/session"
	"actigate/internal/vouchers"
	"actigate/pkg/macaddr"
	"actigate/pkg/metrics"
	"actigate/pkg/middleware"
	"actigate/pkg/tenants"
)

// Request is one activation order as handed in by the storefront.
type Request struct {
	TenantID   string            `json:"tenant_id"`
	CustomerID string            `json:"customer_id"`
	BackendID  string            `json:"backend_id"`
	MacRaw     string            `json:"mac"`
	Tier       string            `json:"tier"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Service resolves which adapter/credential/tier to use, invokes the adapter,
// classifies errors, retries once on session expiry and reports ledger
// effects. All collaborators are injected; nothing here is process-global.
type Service struct {
	catalog   *backends.Catalog
	provider  tenants.Provider
	sessions  *session.Manager
	inventory vouchers.Inventory
	deps      backends.Deps
	ledger    Ledger
	notifier  Notifier
	pool      *pgxpool.Pool // optional audit sink
	log       *zap.SugaredLogger
}

func New(catalog *backends.Catalog, provider tenants.Provider, sessions *session.Manager,
	inventory vouchers.Inventory, deps backends.Deps, ledger Ledger, notifier Notifier,
	pool *pgxpool.Pool, log *zap.SugaredLogger) *Service {
	return &Service{
		catalog: catalog, provider: provider, sessions: sessions,
		inventory: inventory, deps: deps, ledger: ledger, notifier: notifier,
		pool: pool, log: log,
	}
}

// ProcessActivation runs the full flow for one order. The returned result is
// always classified; ledger and notifier effects have already been emitted.
func (s *Service) ProcessActivation(ctx context.Context, req Request) backends.ActivationResult {
	start := time.Now()
	res, mac := s.process(ctx, req)
	s.audit(ctx, req, mac, res, start)
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	desc, _ := s.catalog.Get(req.BackendID)
	metrics.Activations.WithLabelValues(req.BackendID, string(desc.Family), outcome, string(res.Kind)).Inc()
	metrics.ActivationDuration.WithLabelValues(req.BackendID).Observe(time.Since(start).Seconds())
	return res
}

func (s *Service) process(ctx context.Context, req Request) (backends.ActivationResult, string) {
	desc, ok := s.catalog.Get(req.BackendID)
	if !ok {
		return s.fail(ctx, req, backends.Failed(backends.KindConfiguration,
			fmt.Sprintf("Unknown backend %q.", req.BackendID), "")), ""
	}
	creds, err := s.provider.GetBackendCreds(ctx, req.TenantID, req.BackendID)
	if err != nil && desc.Family != backends.FamilyVoucher {
		// voucher panels authenticate at the operator level, tenants need no credential
		return s.fail(ctx, req, backends.Failed(backends.KindConfiguration,
			"No credentials configured for this backend.", err.Error())), ""
	}

	mac := req.MacRaw
	if desc.Family.RequiresMac() {
		normalized, ok := macaddr.Normalize(req.MacRaw)
		if !ok {
			return s.fail(ctx, req, backends.Failed(backends.KindInvalidMac,
				"Could not find a device identifier in the message. Send it like aa:bb:cc:dd:ee:ff.", "")), ""
		}
		mac = normalized
	}

	if dec := s.evaluatePolicy(ctx, req, desc, mac); !dec.Allowed {
		return s.fail(ctx, req, backends.Failed(backends.KindConfiguration,
			fmt.Sprintf("Activation blocked by tenant policy: %v", dec.Reasons), "")), mac
	}

	adapter, err := backends.New(desc, creds, s.deps)
	if err != nil {
		return s.fail(ctx, req, backends.Failed(backends.KindConfiguration, err.Error(), "")), mac
	}
	if !adapter.IsConfigured() {
		return s.fail(ctx, req, backends.Failed(backends.KindConfiguration,
			"Backend is not fully configured.", "")), mac
	}

	areq := backends.ActivationRequest{TenantID: req.TenantID, Mac: mac, Tier: req.Tier, Extra: req.Extra}

	// Voucher families: claim a code before touching the remote panel. The
	// claim is reversible; only confirmed success burns it.
	var reserved *vouchers.Code
	if desc.Family == backends.FamilyVoucher {
		reserved, err = s.inventory.ReserveNext(ctx, req.TenantID, req.Tier)
		if err != nil {
			if errors.Is(err, vouchers.ErrExhausted) {
				metrics.VoucherReservations.WithLabelValues(req.Tier, "exhausted").Inc()
				return s.fail(ctx, req, backends.Failed(backends.KindVoucherExhausted,
					fmt.Sprintf("No voucher codes left for tier %q. Provision more and retry.", req.Tier), "")), mac
			}
			return s.fail(ctx, req, backends.Failed(backends.KindConfiguration,
				"Voucher inventory unavailable.", err.Error())), mac
		}
		metrics.VoucherReservations.WithLabelValues(req.Tier, "reserved").Inc()
		if areq.Extra == nil {
			areq.Extra = map[string]string{}
		}
		areq.Extra["voucher_code"] = reserved.Code
	}

	res := adapter.Activate(ctx, areq)

	// Exactly one re-login-and-retry on a stale session; every other kind is
	// terminal for this call.
	if !res.Success && res.Kind == backends.KindSessionExpired {
		s.log.Infow("session expired, retrying once", "backend", req.BackendID, "tenant", req.TenantID)
		s.sessions.Invalidate(ctx, backends.SessionKeyFor(desc, creds))
		res = adapter.Activate(ctx, areq)
	}

	// Per-backend policy: some panels confirm existing valid coverage, which
	// counts as a success for ledger purposes.
	if !res.Success && res.Kind == backends.KindAlreadyActivated && desc.AlreadyActiveIsSuccess {
		res = backends.Succeeded(res.Message, res.Raw, res.RemoteExpiry)
	}

	if res.Success {
		if reserved != nil {
			if err := s.inventory.MarkUsed(ctx, reserved.ID, mac); err != nil {
				s.log.Errorw("voucher mark-used failed after remote success", "code", reserved.ID, "err", err)
			}
		}
		s.onSuccess(ctx, req, desc, mac, res)
		return res, mac
	}
	if reserved != nil {
		if err := s.inventory.Release(ctx, reserved.ID); err != nil {
			s.log.Errorw("voucher release failed", "code", reserved.ID, "err", err)
		}
	}
	return s.fail(ctx, req, res), mac
}

func (s *Service) evaluatePolicy(ctx context.Context, req Request, desc backends.Descriptor, mac string) policy.Decision {
	t, err := s.provider.ResolveTenantByID(ctx, req.TenantID)
	if err != nil || t.PolicyRego == "" {
		return policy.Decision{Allowed: true}
	}
	return policy.Evaluate(ctx, t.PolicyRego, map[string]any{
		"tenant":  req.TenantID,
		"backend": desc.ID,
		"family":  string(desc.Family),
		"tier":    req.Tier,
		"mac":     mac,
	})
}

// onSuccess debits the customer's balance by exactly the product price and
// pushes the success notification.
func (s *Service) onSuccess(ctx context.Context, req Request, desc backends.Descriptor, mac string, res backends.ActivationResult) {
	price := desc.TierPrices[req.Tier]
	if price > 0 {
		if err := s.ledger.Debit(ctx, req.TenantID, req.CustomerID, price); err != nil {
			s.log.Errorw("ledger debit failed after activation success", "tenant", req.TenantID,
				"customer", req.CustomerID, "amount", price, "err", err)
		}
	}
	msg := fmt.Sprintf("Activation confirmed on %s (%s): %s", desc.Title, req.Tier, res.Message)
	if err := s.notifier.Send(ctx, req.TenantID, msg); err != nil {
		s.log.Warnw("notify failed", "tenant", req.TenantID, "err", err)
	}
}

// fail leaves the ledger untouched and pushes the classified failure.
func (s *Service) fail(ctx context.Context, req Request, res backends.ActivationResult) backends.ActivationResult {
	msg := fmt.Sprintf("Activation failed (%s): %s", res.Kind, res.Message)
	if err := s.notifier.Send(ctx, req.TenantID, msg); err != nil {
		s.log.Warnw("notify failed", "tenant", req.TenantID, "err", err)
	}
	return res
}

// BalanceFor answers the best-effort remote balance for a tenant's backend.
func (s *Service) BalanceFor(ctx context.Context, tenantID, backendID string) (backends.BalanceInfo, error) {
	adapter, err := s.adapterFor(ctx, tenantID, backendID)
	if err != nil {
		return backends.BalanceInfo{}, err
	}
	return adapter.Balance(ctx)
}

// TestBackend checks that the tenant's credential can open a session.
func (s *Service) TestBackend(ctx context.Context, tenantID, backendID string) (bool, string) {
	adapter, err := s.adapterFor(ctx, tenantID, backendID)
	if err != nil {
		return false, err.Error()
	}
	return adapter.TestConnection(ctx)
}

func (s *Service) adapterFor(ctx context.Context, tenantID, backendID string) (backends.Adapter, error) {
	desc, ok := s.catalog.Get(backendID)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backendID)
	}
	creds, err := s.provider.GetBackendCreds(ctx, tenantID, backendID)
	if err != nil && desc.Family != backends.FamilyVoucher {
		return nil, fmt.Errorf("no credentials for backend %q", backendID)
	}
	return backends.New(desc, creds, s.deps)
}

// audit records the attempt when a database is configured; best-effort, the
// activation result never depends on it.
func (s *Service) audit(ctx context.Context, req Request, mac string, res backends.ActivationResult, start time.Time) {
	if s.pool == nil {
		return
	}
	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	_, _ = s.pool.Exec(ctx, `
		INSERT INTO activation_events(tenant_id, backend_id, customer_id, mac, tier, outcome, kind, message, request_id, duration_ms, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		req.TenantID, req.BackendID, req.CustomerID, mac, req.Tier, outcome, string(res.Kind), res.Message,
		middleware.RequestIDFrom(ctx), int(time.Since(start).Milliseconds()), start.UTC(), time.Now().UTC())
}
