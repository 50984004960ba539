// internal/backends/jwtpanel.go
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

	jmes "github.com/jmespath/go-jmespath"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"actigate/internal/session"
	"actigate/pkg/metrics"
	"actigate/pkg/tenants"
)

// jwtPanel drives REST panels that hand out a bearer token on login. The
// token's own exp claim, when readable, drives the cache TTL; otherwise the
// conservative descriptor/service default applies.
type jwtPanel struct {
	desc  Descriptor
	creds tenants.Credentials
	deps  Deps
}

var jwtTranslations = []translation{
	{"package not found", KindConfiguration, "The requested package does not exist on this panel."},
	{"user disabled", KindCredential, "The panel account is disabled."},
}

func NewJWTPanel(desc Descriptor, creds tenants.Credentials, deps Deps) Adapter {
	return &jwtPanel{desc: desc, creds: creds, deps: deps}
}

func (p *jwtPanel) IsConfigured() bool {
	return p.desc.BaseURL != "" && p.creds.Email != "" && p.creds.Password != ""
}

func (p *jwtPanel) login(ctx context.Context) (session.Session, error) {
	body, _ := json.Marshal(map[string]string{"email": p.creds.Email, "password": p.creds.Password})
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
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		Message     string `json:"message"`
	}
	_ = json.Unmarshal(raw, &out)
	token := out.Token
	if token == "" {
		token = out.AccessToken
	}
	if resp.StatusCode != http.StatusOK || token == "" {
		metrics.PanelLogins.WithLabelValues(p.desc.ID, "rejected").Inc()
		return session.Session{}, fmt.Errorf("panel login rejected (status %d): %s", resp.StatusCode, out.Message)
	}
	metrics.PanelLogins.WithLabelValues(p.desc.ID, "ok").Inc()

	s := session.Session{Token: token}
	// Panels stamp their real lifetime into the token; stay a safety margin
	// under it so we never present a token about to expire mid-activation.
	if parsed, err := jwt.ParseInsecure([]byte(token)); err == nil && !parsed.Expiration().IsZero() {
		s.ExpiresAt = parsed.Expiration().Add(-10 * time.Minute)
	}
	return s, nil
}

func (p *jwtPanel) Activate(ctx context.Context, req ActivationRequest) ActivationResult {
	if !p.IsConfigured() {
		return Failed(KindConfiguration, "Backend is not configured for this tenant.", "")
	}
	pkg, ok := p.desc.TierPackages[req.Tier]
	if !ok {
		return Failed(KindConfiguration, fmt.Sprintf("Tier %q is not mapped for this panel.", req.Tier), "")
	}
	sess, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		if strings.Contains(err.Error(), "login rejected") {
			return Failed(KindCredential, "The panel rejected the configured credentials.", err.Error())
		}
		return classifyTransport(err)
	}

	payload, _ := json.Marshal(map[string]any{"mac": req.Mac, "package_id": pkg})
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
	if kind, msg, matched := translate(body, jwtTranslations); matched {
		return Failed(kind, msg, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Failed(KindTransientNetwork, fmt.Sprintf("Panel returned unexpected status %d.", resp.StatusCode), body)
	}

	var out struct {
		ExpiresAt string `json:"expires_at"`
		Message   string `json:"message"`
	}
	_ = json.Unmarshal(raw, &out)
	var expiry *time.Time
	if t, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
		expiry = &t
	}
	msg := out.Message
	if msg == "" {
		msg = "Activation applied."
	}
	return Succeeded(msg, body, expiry)
}

func (p *jwtPanel) Balance(ctx context.Context) (BalanceInfo, error) {
	sess, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		return BalanceInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(p.desc.BalancePath), nil)
	if err != nil {
		return BalanceInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := p.deps.client(p.desc.Timeout()).Do(req)
	if err != nil {
		return BalanceInfo{}, err
	}
	defer resp.Body.Close()
	var doc any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return BalanceInfo{}, err
	}
	path := p.desc.BalanceJMESPath
	if path == "" {
		path = "credits"
	}
	val, err := jmes.Search(path, doc)
	if err != nil {
		return BalanceInfo{}, err
	}
	info := BalanceInfo{Active: true}
	switch v := val.(type) {
	case float64:
		info.Credits = v
	case string:
		fmt.Sscanf(v, "%f", &info.Credits)
	default:
		return BalanceInfo{}, fmt.Errorf("balance path %q yielded %T", path, val)
	}
	if active, err := jmes.Search("active", doc); err == nil {
		if b, ok := active.(bool); ok {
			info.Active = b
		}
	}
	return info, nil
}

func (p *jwtPanel) TestConnection(ctx context.Context) (bool, string) {
	_, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		return false, err.Error()
	}
	return true, "login ok"
}

func (p *jwtPanel) url(path string) string {
	return strings.TrimRight(p.desc.BaseURL, "/") + path
}
