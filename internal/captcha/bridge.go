// internal/captcha/bridge.go
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"actigate/pkg/config"
	"actigate/pkg/metrics"
)

var (
	ErrTimeout  = errors.New("captcha solve timed out")
	ErrProvider = errors.New("captcha provider error")
)

type Challenge struct {
	Kind    string // e.g. recaptcha_v2, hcaptcha, turnstile
	SiteKey string
	PageURL string
}

type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// Bridge talks to an external solving service with the usual two-phase
// protocol: submit a task, then poll until a token is ready.
type Bridge struct {
	apiURL  string
	apiKey  string
	httpc   *http.Client
	poll    time.Duration
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewBridge(cfg config.Config, log *zap.SugaredLogger) *Bridge {
	return &Bridge{
		apiURL:  cfg.CaptchaAPIURL,
		apiKey:  cfg.CaptchaAPIKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		poll:    cfg.CaptchaPoll,
		timeout: cfg.CaptchaTimeout,
		log:     log,
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type pollResponse struct {
	Status string `json:"status"` // pending | ready | error
	Token  string `json:"token"`
	Error  string `json:"error"`
}

// Solve blocks (cooperatively) until the provider returns a token, reports a
// terminal error, or the wall-clock budget elapses. Many solves may run
// concurrently; each waits on its own ticker.
func (b *Bridge) Solve(ctx context.Context, ch Challenge) (string, error) {
	if b.apiURL == "" {
		return "", fmt.Errorf("%w: no provider configured", ErrProvider)
	}
	budget := b.timeout
	// hcaptcha and some managed-browser kinds routinely need more wall clock
	if ch.Kind == "hcaptcha" || ch.Kind == "managed" {
		budget = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	taskID, err := b.submit(ctx, ch)
	if err != nil {
		metrics.CaptchaSolves.WithLabelValues("submit_error").Inc()
		return "", err
	}
	b.log.Debugw("captcha task submitted", "task", taskID, "kind", ch.Kind)

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			metrics.CaptchaSolves.WithLabelValues("timeout").Inc()
			return "", fmt.Errorf("%w after %s", ErrTimeout, budget)
		case <-ticker.C:
			res, err := b.fetch(ctx, taskID)
			if err != nil {
				// transient fetch failure; keep polling until the budget runs out
				b.log.Debugw("captcha poll failed", "task", taskID, "err", err)
				continue
			}
			switch res.Status {
			case "ready":
				metrics.CaptchaSolves.WithLabelValues("ok").Inc()
				return res.Token, nil
			case "error":
				metrics.CaptchaSolves.WithLabelValues("provider_error").Inc()
				return "", fmt.Errorf("%w: %s", ErrProvider, res.Error)
			}
		}
	}
}

func (b *Bridge) submit(ctx context.Context, ch Challenge) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"api_key":  b.apiKey,
		"kind":     ch.Kind,
		"site_key": ch.SiteKey,
		"page_url": ch.PageURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: bad submit response: %v", ErrProvider, err)
	}
	if resp.StatusCode != http.StatusOK || out.TaskID == "" {
		return "", fmt.Errorf("%w: submit rejected: %s", ErrProvider, out.Error)
	}
	return out.TaskID, nil
}

func (b *Bridge) fetch(ctx context.Context, taskID string) (pollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiURL+"/tasks/"+taskID+"?api_key="+b.apiKey, nil)
	if err != nil {
		return pollResponse{}, err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return pollResponse{}, err
	}
	defer resp.Body.Close()
	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pollResponse{}, err
	}
	return out, nil
}
