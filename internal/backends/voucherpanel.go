// internal/backends/voucherpanel.go
package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"actigate/internal/session"
	"actigate/pkg/metrics"
	"actigate/pkg/tenants"
)

// voucherPanel redeems pre-purchased codes. There is no per-tenant login:
// one operator-level session (session manager key "global:<backend>") is
// shared by every tenant, so N tenants activating concurrently still cost a
// single login.
type voucherPanel struct {
	desc  Descriptor
	creds tenants.Credentials // unused; operator creds live on the descriptor
	deps  Deps
}

var voucherTranslations = []translation{
	{"code not found", KindConfiguration, "The voucher code was rejected by the panel."},
	{"code already redeemed", KindConfiguration, "The voucher code was already redeemed remotely."},
}

func NewVoucherPanel(desc Descriptor, creds tenants.Credentials, deps Deps) Adapter {
	return &voucherPanel{desc: desc, creds: creds, deps: deps}
}

func (p *voucherPanel) IsConfigured() bool {
	return p.desc.BaseURL != "" && p.desc.OperatorEmail != "" && p.desc.OperatorPassword != ""
}

func (p *voucherPanel) login(ctx context.Context) (session.Session, error) {
	body, _ := json.Marshal(map[string]string{"email": p.desc.OperatorEmail, "password": p.desc.OperatorPassword})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(p.desc.LoginPath), bytes.NewReader(body))
	if err != nil {
		return session.Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.deps.client(p.desc.Timeout()).Do(req)
	if err != nil {
		metrics.PanelLogins.WithLabelValues(p.desc.ID, "network_error").Inc()
		return session.Session{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil || out.Token == "" || resp.StatusCode != http.StatusOK {
		metrics.PanelLogins.WithLabelValues(p.desc.ID, "rejected").Inc()
		return session.Session{}, fmt.Errorf("operator login rejected (status %d): %s", resp.StatusCode, out.Message)
	}
	metrics.PanelLogins.WithLabelValues(p.desc.ID, "ok").Inc()
	return session.Session{Token: out.Token}, nil
}

// Activate redeems the code the orchestrator reserved from the inventory.
// The inventory transition to "used" happens upstream, only after this call
// confirms remote success.
func (p *voucherPanel) Activate(ctx context.Context, req ActivationRequest) ActivationResult {
	if !p.IsConfigured() {
		return Failed(KindConfiguration, "Voucher panel is not configured.", "")
	}
	code := req.Extra["voucher_code"]
	if code == "" {
		return Failed(KindConfiguration, "No voucher code was supplied.", "")
	}
	sess, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		if strings.Contains(err.Error(), "login rejected") {
			return Failed(KindCredential, "The panel rejected the operator credentials.", err.Error())
		}
		return classifyTransport(err)
	}

	payload, _ := json.Marshal(map[string]string{"code": code, "mac": req.Mac})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(p.desc.ActivatePath), bytes.NewReader(payload))
	if err != nil {
		return classifyTransport(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := p.deps.client(p.desc.Timeout()).Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body := string(raw)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Failed(KindSessionExpired, "Panel session expired.", body)
	}
	if kind, msg, matched := translate(body, voucherTranslations); matched {
		return Failed(kind, msg, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Failed(KindTransientNetwork, fmt.Sprintf("Panel returned unexpected status %d.", resp.StatusCode), body)
	}
	return Succeeded("Voucher redeemed.", body, nil)
}

// Balance is best-effort for voucher panels: the meaningful stock lives in
// the local inventory, not the remote account.
func (p *voucherPanel) Balance(ctx context.Context) (BalanceInfo, error) {
	return BalanceInfo{}, fmt.Errorf("voucher panels have no remote balance")
}

func (p *voucherPanel) TestConnection(ctx context.Context) (bool, string) {
	_, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		return false, err.Error()
	}
	return true, "operator login ok"
}

func (p *voucherPanel) url(path string) string {
	return strings.TrimRight(p.desc.BaseURL, "/") + path
}
