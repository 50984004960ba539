// internal/backends/jwtpanel_test.go
package backends

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJWTPanel struct {
	logins     int32
	rejectAuth atomic.Bool
	activate   func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeJWTPanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var in struct{ Email, Password string }
		json.NewDecoder(r.Body).Decode(&in)
		if in.Email != "reseller@example.com" || in.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}
		atomic.AddInt32(&f.logins, 1)
		json.NewEncoder(w).Encode(map[string]string{"token": "opaque-token"})
	})
	mux.HandleFunc("POST /activations", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectAuth.Load() || r.Header.Get("Authorization") != "Bearer opaque-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.activate(w, r)
	})
	mux.HandleFunc("GET /account", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer opaque-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]any{"credits": 17.5},
			"active":  true,
		})
	})
	return mux
}

func jwtDescriptor(baseURL string) Descriptor {
	return Descriptor{
		ID:              "vexa",
		Family:          FamilyJWT,
		Title:           "VexaPlay",
		BaseURL:         baseURL,
		LoginPath:       "/auth/login",
		ActivatePath:    "/activations",
		BalancePath:     "/account",
		BalanceJMESPath: "account.credits",
		TierPackages:    map[string]int{"yearly": 12},
	}
}

func TestJWTPanelActivateSuccess(t *testing.T) {
	panel := &fakeJWTPanel{activate: func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Mac       string `json:"mac"`
			PackageID int    `json:"package_id"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", in.Mac)
		assert.Equal(t, 12, in.PackageID)
		json.NewEncoder(w).Encode(map[string]string{
			"message":    "activated",
			"expires_at": "2027-03-01T00:00:00Z",
		})
	}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	a := NewJWTPanel(jwtDescriptor(srv.URL), testCreds(), testDeps(nil))
	res := a.Activate(context.Background(), ActivationRequest{Mac: "aa:bb:cc:dd:ee:ff", Tier: "yearly"})
	require.True(t, res.Success, "message: %s", res.Message)
	require.NotNil(t, res.RemoteExpiry)
	assert.Equal(t, 2027, res.RemoteExpiry.Year())
	assert.Equal(t, int32(1), atomic.LoadInt32(&panel.logins))

	res = a.Activate(context.Background(), ActivationRequest{Mac: "11:22:33:44:55:66", Tier: "yearly"})
	require.True(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&panel.logins), "token must be reused")
}

func TestJWTPanelStaleTokenReportsSessionExpired(t *testing.T) {
	panel := &fakeJWTPanel{activate: func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"message": "activated"})
	}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	a := NewJWTPanel(jwtDescriptor(srv.URL), testCreds(), testDeps(nil))
	require.True(t, a.Activate(context.Background(), ActivationRequest{Mac: "aa:bb:cc:dd:ee:ff", Tier: "yearly"}).Success)

	panel.rejectAuth.Store(true)
	res := a.Activate(context.Background(), ActivationRequest{Mac: "aa:bb:cc:dd:ee:ff", Tier: "yearly"})
	assert.False(t, res.Success)
	assert.Equal(t, KindSessionExpired, res.Kind)
}

func TestJWTPanelBadCredentials(t *testing.T) {
	panel := &fakeJWTPanel{activate: func(w http.ResponseWriter, r *http.Request) {}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	creds := testCreds()
	creds.Password = "wrong"
	a := NewJWTPanel(jwtDescriptor(srv.URL), creds, testDeps(nil))
	res := a.Activate(context.Background(), ActivationRequest{Mac: "aa:bb:cc:dd:ee:ff", Tier: "yearly"})
	assert.False(t, res.Success)
	assert.Equal(t, KindCredential, res.Kind)
}

func TestJWTPanelRemoteErrorTranslation(t *testing.T) {
	panel := &fakeJWTPanel{activate: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "device already activated until 2026-01-01"})
	}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	a := NewJWTPanel(jwtDescriptor(srv.URL), testCreds(), testDeps(nil))
	res := a.Activate(context.Background(), ActivationRequest{Mac: "aa:bb:cc:dd:ee:ff", Tier: "yearly"})
	assert.False(t, res.Success)
	assert.Equal(t, KindAlreadyActivated, res.Kind)
}

func TestJWTPanelBalanceViaJMESPath(t *testing.T) {
	panel := &fakeJWTPanel{activate: func(w http.ResponseWriter, r *http.Request) {}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	a := NewJWTPanel(jwtDescriptor(srv.URL), testCreds(), testDeps(nil))
	info, err := a.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17.5, info.Credits)
	assert.True(t, info.Active)
}
