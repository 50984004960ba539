// internal/backends/cookiepanel.go
package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"actigate/internal/captcha"
	"actigate/internal/session"
	"actigate/pkg/metrics"
	"actigate/pkg/tenants"
)

// cookiePanel drives legacy HTML panels: login is a cookie dance whose
// success signal is an HTTP redirect to an authenticated path; activation is
// a form POST spending credits; balance is scraped out of an HTML fragment.
type cookiePanel struct {
	desc  Descriptor
	creds tenants.Credentials
	deps  Deps
}

var cookieTranslations = []translation{
	{"captcha incorrect", KindCredential, "The panel rejected the login challenge."},
	{"banned", KindCredential, "The panel account is blocked."},
}

var balanceRe = regexp.MustCompile(`(?i)credits?\D{0,20}(\d+)`)

func NewCookiePanel(desc Descriptor, creds tenants.Credentials, deps Deps) Adapter {
	return &cookiePanel{desc: desc, creds: creds, deps: deps}
}

func (p *cookiePanel) IsConfigured() bool {
	return p.desc.BaseURL != "" && p.creds.Email != "" && p.creds.Password != ""
}

// login seeds cookies with a GET, solves the CAPTCHA when the panel gates its
// form, POSTs the credentials and treats a redirect into the authenticated
// area as success. The resulting cookie set is the session token.
func (p *cookiePanel) login(ctx context.Context) (session.Session, error) {
	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Timeout: p.desc.Timeout(),
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	loginURL := strings.TrimRight(p.desc.BaseURL, "/") + p.desc.LoginPath

	seed, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return session.Session{}, err
	}
	if resp, err := client.Do(seed); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	} else {
		metrics.PanelLogins.WithLabelValues(p.desc.ID, "network_error").Inc()
		return session.Session{}, err
	}

	form := url.Values{}
	form.Set("username", p.creds.Email)
	form.Set("password", p.creds.Password)
	if p.desc.CaptchaKind != "" {
		token, err := p.deps.Captcha.Solve(ctx, captcha.Challenge{
			Kind:    p.desc.CaptchaKind,
			SiteKey: p.desc.CaptchaSiteKey,
			PageURL: loginURL,
		})
		if err != nil {
			metrics.PanelLogins.WithLabelValues(p.desc.ID, "captcha_error").Inc()
			return session.Session{}, err
		}
		form.Set("g-recaptcha-response", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return session.Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		metrics.PanelLogins.WithLabelValues(p.desc.ID, "network_error").Inc()
		return session.Session{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	loc := resp.Header.Get("Location")
	redirected := resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther
	if !redirected || !strings.HasPrefix(loc, p.desc.AuthedPathPrefix) {
		metrics.PanelLogins.WithLabelValues(p.desc.ID, "rejected").Inc()
		return session.Session{}, fmt.Errorf("panel rejected login (status %d, location %q)", resp.StatusCode, loc)
	}

	base, _ := url.Parse(p.desc.BaseURL)
	var pairs []string
	for _, c := range jar.Cookies(base) {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	metrics.PanelLogins.WithLabelValues(p.desc.ID, "ok").Inc()
	return session.Session{Token: strings.Join(pairs, "; ")}, nil
}

func (p *cookiePanel) Activate(ctx context.Context, req ActivationRequest) ActivationResult {
	if !p.IsConfigured() {
		return Failed(KindConfiguration, "Backend is not configured for this tenant.", "")
	}
	credits, ok := p.desc.TierCredits[req.Tier]
	if !ok {
		return Failed(KindConfiguration, fmt.Sprintf("Tier %q is not mapped for this panel.", req.Tier), "")
	}
	sess, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		return p.loginFailure(err)
	}

	form := url.Values{}
	form.Set("mac", req.Mac)
	form.Set("credits", strconv.Itoa(credits))
	body, status, err := p.formPost(ctx, p.desc.ActivatePath, sess.Token, form)
	if err != nil {
		return classifyTransport(err)
	}
	// Bounced back to the login form: the cached cookies are stale.
	if status == http.StatusFound || status == http.StatusSeeOther {
		return Failed(KindSessionExpired, "Panel session expired.", body)
	}
	if kind, msg, matched := translate(body, cookieTranslations); matched {
		return Failed(kind, msg, body)
	}
	if status != http.StatusOK {
		return Failed(KindTransientNetwork, fmt.Sprintf("Panel returned unexpected status %d.", status), body)
	}
	return Succeeded("Activation applied.", body, nil)
}

func (p *cookiePanel) Balance(ctx context.Context) (BalanceInfo, error) {
	sess, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		return BalanceInfo{}, err
	}
	body, _, err := p.get(ctx, p.desc.BalancePath, sess.Token)
	if err != nil {
		return BalanceInfo{}, err
	}
	m := balanceRe.FindStringSubmatch(body)
	if m == nil {
		return BalanceInfo{}, fmt.Errorf("no credit figure in panel page")
	}
	n, _ := strconv.ParseFloat(m[1], 64)
	return BalanceInfo{Credits: n, Active: true}, nil
}

func (p *cookiePanel) TestConnection(ctx context.Context) (bool, string) {
	_, err := p.deps.Sessions.Ensure(ctx, SessionKeyFor(p.desc, p.creds), p.desc.SessionTTL(p.deps.SessionTTL), p.login)
	if err != nil {
		return false, err.Error()
	}
	return true, "login ok"
}

func (p *cookiePanel) loginFailure(err error) ActivationResult {
	switch {
	case captchaTimeout(err):
		return Failed(KindCaptchaTimeout, "The login challenge was not solved in time.", err.Error())
	case captchaProvider(err):
		return Failed(KindCaptchaProvider, "The challenge-solving service failed.", err.Error())
	case strings.Contains(err.Error(), "rejected login"):
		return Failed(KindCredential, "The panel rejected the configured credentials.", err.Error())
	default:
		return classifyTransport(err)
	}
}

func (p *cookiePanel) formPost(ctx context.Context, path, cookie string, form url.Values) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.desc.BaseURL, "/")+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookie)
	return p.do(req)
}

func (p *cookiePanel) get(ctx context.Context, path, cookie string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.desc.BaseURL, "/")+path, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Cookie", cookie)
	return p.do(req)
}

func (p *cookiePanel) do(req *http.Request) (string, int, error) {
	client := &http.Client{
		Timeout: p.desc.Timeout(),
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return string(raw), resp.StatusCode, nil
}
