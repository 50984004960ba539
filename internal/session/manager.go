// internal/session/manager.go
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session is a cached, time-limited authenticated handle to a remote panel.
// Never mutated after creation, only replaced.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Account   map[string]any `json:"account,omitempty"`
}

func (s Session) Valid() bool {
	return s.Token != "" && time.Now().Before(s.ExpiresAt)
}

// LoginFunc performs the actual remote login (possibly via the CAPTCHA
// bridge). A zero ExpiresAt is filled with now+ttl by the manager.
type LoginFunc func(ctx context.Context) (Session, error)

// Manager caches one authenticated session per credential key and collapses
// concurrent logins for the same key into a single flight; waiters share its
// result (or its failure). An optional Redis mirror lets a restarted process
// reuse panel sessions that are still valid remotely.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Session
	flights singleflight.Group
	mirror  *redis.Client
	log     *zap.SugaredLogger
}

func NewManager(log *zap.SugaredLogger, mirror *redis.Client) *Manager {
	return &Manager{entries: map[string]Session{}, mirror: mirror, log: log}
}

// Ensure returns a valid session for key, logging in at most once no matter
// how many callers arrive concurrently. Login failure caches nothing.
func (m *Manager) Ensure(ctx context.Context, key string, ttl time.Duration, login LoginFunc) (Session, error) {
	if s, ok := m.lookup(ctx, key); ok {
		return s, nil
	}
	ch := m.flights.DoChan(key, func() (any, error) {
		// Re-check under the flight: a previous flight may have stored a
		// session between our miss and this closure running.
		if s, ok := m.lookup(ctx, key); ok {
			return s, nil
		}
		// Detached from the initiating caller so one impatient client does
		// not fail the login for every waiter.
		s, err := login(context.WithoutCancel(ctx))
		if err != nil {
			return Session{}, err
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = time.Now().Add(ttl)
		}
		m.store(key, s)
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		// The flight keeps running for the remaining waiters.
		return Session{}, ctx.Err()
	}
}

// Invalidate drops the cached session for key, e.g. after the panel reported
// it expired mid-call.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	if m.mirror != nil {
		if err := m.mirror.Del(ctx, mirrorKey(key)).Err(); err != nil {
			m.log.Debugw("session mirror del failed", "key", key, "err", err)
		}
	}
}

func (m *Manager) lookup(ctx context.Context, key string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && s.Valid() {
		return s, true
	}
	if m.mirror == nil {
		return Session{}, false
	}
	raw, err := m.mirror.Get(ctx, mirrorKey(key)).Bytes()
	if err != nil {
		return Session{}, false
	}
	var ms Session
	if json.Unmarshal(raw, &ms) != nil || !ms.Valid() {
		return Session{}, false
	}
	m.mu.Lock()
	m.entries[key] = ms
	m.mu.Unlock()
	return ms, true
}

func (m *Manager) store(key string, s Session) {
	m.mu.Lock()
	m.entries[key] = s
	m.mu.Unlock()
	if m.mirror != nil {
		raw, _ := json.Marshal(s)
		ttl := time.Until(s.ExpiresAt)
		if ttl > 0 {
			if err := m.mirror.Set(context.Background(), mirrorKey(key), raw, ttl).Err(); err != nil {
				m.log.Debugw("session mirror set failed", "key", key, "err", err)
			}
		}
	}
}

func mirrorKey(key string) string { return "actigate:session:" + key }
