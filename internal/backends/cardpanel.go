// internal/backends/cardpanel.go
package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"actigate/pkg/tenants"
)

// cardPanel activates subscriptions billed to a stored card token. There is
// no device identifier: the subscription attaches to the end customer's own
// account (email/password supplied per order in Extra).
type cardPanel struct {
	desc  Descriptor
	creds tenants.Credentials
	deps  Deps
}

var cardTranslations = []translation{
	{"card declined", KindInsufficientRemoteCredit, "The stored card was declined."},
	{"payment failed", KindInsufficientRemoteCredit, "The stored card was declined."},
	{"account not found", KindDeviceNotFound, "No customer account with that email exists on the service."},
}

func NewCardPanel(desc Descriptor, creds tenants.Credentials, deps Deps) Adapter {
	return &cardPanel{desc: desc, creds: creds, deps: deps}
}

func (p *cardPanel) IsConfigured() bool {
	return p.desc.BaseURL != "" && p.creds.CardToken != ""
}

func (p *cardPanel) Activate(ctx context.Context, req ActivationRequest) ActivationResult {
	if !p.IsConfigured() {
		return Failed(KindConfiguration, "Card backend is not configured for this tenant.", "")
	}
	email := req.Extra["customer_email"]
	password := req.Extra["customer_password"]
	if email == "" || password == "" {
		return Failed(KindConfiguration, "Customer email and password are required for this backend.", "")
	}
	plan, ok := p.desc.TierPackages[req.Tier]
	if !ok {
		return Failed(KindConfiguration, fmt.Sprintf("Tier %q is not mapped for this service.", req.Tier), "")
	}
	payload, _ := json.Marshal(map[string]any{
		"email":      email,
		"password":   password,
		"card_token": p.creds.CardToken,
		"plan_id":    plan,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.desc.BaseURL, "/")+p.desc.ActivatePath, bytes.NewReader(payload))
	if err != nil {
		return classifyTransport(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.deps.client(p.desc.Timeout()).Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body := string(raw)

	if kind, msg, matched := translate(body, cardTranslations); matched {
		return Failed(kind, msg, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Failed(KindTransientNetwork, fmt.Sprintf("Service returned unexpected status %d.", resp.StatusCode), body)
	}
	var out struct {
		RenewsAt string `json:"renews_at"`
		Message  string `json:"message"`
	}
	_ = json.Unmarshal(raw, &out)
	var expiry *time.Time
	if t, err := time.Parse(time.RFC3339, out.RenewsAt); err == nil {
		expiry = &t
	}
	msg := out.Message
	if msg == "" {
		msg = "Subscription activated."
	}
	return Succeeded(msg, body, expiry)
}

func (p *cardPanel) Balance(ctx context.Context) (BalanceInfo, error) {
	return BalanceInfo{}, fmt.Errorf("card-billed backends have no credit balance")
}

func (p *cardPanel) TestConnection(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.desc.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := p.deps.client(p.desc.Timeout()).Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("service status %d", resp.StatusCode)
	}
	return true, "service reachable"
}
