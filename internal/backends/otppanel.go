// internal/backends/otppanel.go
package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"actigate/pkg/tenants"
)

// otpPanel delegates to an external automation service that drives a real
// browser session against the remote panel (login → connect → locate-device →
// activate, bundled as one call). The timeout is minutes, not seconds.
type otpPanel struct {
	desc  Descriptor
	creds tenants.Credentials
	deps  Deps
}

var otpTranslations = []translation{
	{"otp invalid", KindCredential, "The one-time code was rejected. Ask the customer for a fresh one."},
	{"otp expired", KindCredential, "The one-time code expired. Ask the customer for a fresh one."},
	{"automation busy", KindTransientNetwork, "The automation service is busy. Try again shortly."},
}

func NewOTPPanel(desc Descriptor, creds tenants.Credentials, deps Deps) Adapter {
	return &otpPanel{desc: desc, creds: creds, deps: deps}
}

func (p *otpPanel) IsConfigured() bool {
	return p.desc.BaseURL != "" && p.creds.APIKey != "" && p.creds.Email != "" && p.creds.Password != ""
}

func (p *otpPanel) Activate(ctx context.Context, req ActivationRequest) ActivationResult {
	if !p.IsConfigured() {
		return Failed(KindConfiguration, "Automation backend is not configured for this tenant.", "")
	}
	otp := req.Extra["otp"]
	if otp == "" {
		return Failed(KindConfiguration, "No one-time code was supplied.", "")
	}
	payload, _ := json.Marshal(map[string]string{
		"email":    p.creds.Email,
		"password": p.creds.Password,
		"mac":      req.Mac,
		"tier":     req.Tier,
		"otp":      otp,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(p.desc.ActivatePath), bytes.NewReader(payload))
	if err != nil {
		return classifyTransport(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.creds.APIKey)
	// No session manager here: the automation service logs in remotely on
	// every run, there is nothing reusable to cache.
	client := &http.Client{Timeout: p.desc.Timeout()}
	resp, err := client.Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	body := string(raw)

	if kind, msg, matched := translate(body, otpTranslations); matched {
		return Failed(kind, msg, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Failed(KindTransientNetwork, fmt.Sprintf("Automation service returned status %d.", resp.StatusCode), body)
	}
	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &out)
	if out.Status != "" && out.Status != "ok" && out.Status != "success" {
		return Failed(KindTransientNetwork, "Automation run did not confirm success.", body)
	}
	msg := out.Message
	if msg == "" {
		msg = "Activation applied via remote automation."
	}
	return Succeeded(msg, body, nil)
}

func (p *otpPanel) Balance(ctx context.Context) (BalanceInfo, error) {
	return BalanceInfo{}, fmt.Errorf("automation backends expose no balance")
}

func (p *otpPanel) TestConnection(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url("/health"), nil)
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("X-Api-Key", p.creds.APIKey)
	resp, err := p.deps.client(p.desc.Timeout()).Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("automation service status %d", resp.StatusCode)
	}
	return true, "automation service reachable"
}

func (p *otpPanel) url(path string) string {
	return strings.TrimRight(p.desc.BaseURL, "/") + path
}
