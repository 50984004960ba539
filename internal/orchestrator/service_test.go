// internal/orchestrator/service_test.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"actigate/internal/backends"
	"actigate/internal/session"
	"actigate/internal/vouchers"
	"actigate/pkg/tenants"
)

type fakeProvider struct {
	tenant tenants.Tenant
	creds  map[string]tenants.Credentials
}

func (f *fakeProvider) ResolveTenantByHost(ctx context.Context, host string) (tenants.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeProvider) ResolveTenantByID(ctx context.Context, id string) (tenants.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeProvider) GetBackendCreds(ctx context.Context, tenantID, backendID string) (tenants.Credentials, error) {
	c, ok := f.creds[backendID]
	if !ok {
		return tenants.Credentials{}, errors.New("no credentials")
	}
	return c, nil
}

func (f *fakeProvider) ListTenantBackendIDs(ctx context.Context, tenantID string) ([]string, error) {
	ids := make([]string, 0, len(f.creds))
	for id := range f.creds {
		ids = append(ids, id)
	}
	return ids, nil
}

type recordingLedger struct {
	mu     sync.Mutex
	debits []float64
}

func (l *recordingLedger) Debit(ctx context.Context, tenantID, customerID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debits = append(l.debits, amount)
	return nil
}

func (l *recordingLedger) Credit(ctx context.Context, tenantID, customerID string, amount float64) error {
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(ctx context.Context, tenantID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

// flakyJWTPanel only honors the most recently issued token; bumping tokenGen
// externally stales whatever a client has cached.
type flakyJWTPanel struct {
	logins        int32
	activations   int32
	alwaysExpired bool
	tokenGen      int32
	response      func(w http.ResponseWriter)
}

func (f *flakyJWTPanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		gen := atomic.AddInt32(&f.tokenGen, 1)
		atomic.AddInt32(&f.logins, 1)
		json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", gen)})
	})
	mux.HandleFunc("POST /activations", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.activations, 1)
		current := fmt.Sprintf("Bearer tok-%d", atomic.LoadInt32(&f.tokenGen))
		if f.alwaysExpired || r.Header.Get("Authorization") != current {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.response(w)
	})
	return mux
}

func testService(t *testing.T, catalog *backends.Catalog, prov tenants.Provider, inv vouchers.Inventory) (*Service, *recordingLedger, *recordingNotifier) {
	t.Helper()
	log := zap.NewNop().Sugar()
	sessions := session.NewManager(log, nil)
	deps := backends.Deps{Sessions: sessions, Log: log, SessionTTL: time.Hour}
	ledger := &recordingLedger{}
	notifier := &recordingNotifier{}
	svc := New(catalog, prov, sessions, inv, deps, ledger, notifier, nil, log)
	return svc, ledger, notifier
}

func jwtCatalog(t *testing.T, baseURL string) *backends.Catalog {
	t.Helper()
	c, err := backends.NewCatalog([]backends.Descriptor{{
		ID: "vexa", Family: backends.FamilyJWT, Title: "VexaPlay",
		BaseURL: baseURL, LoginPath: "/auth/login", ActivatePath: "/activations",
		TierPackages: map[string]int{"yearly": 12},
		TierPrices:   map[string]float64{"yearly": 6.5},
	}})
	require.NoError(t, err)
	return c
}

func vexaProvider() *fakeProvider {
	return &fakeProvider{
		tenant: tenants.Tenant{ID: "t1", Slug: "acme", Active: true},
		creds:  map[string]tenants.Credentials{"vexa": {Email: "reseller@example.com", Password: "hunter2"}},
	}
}

func TestProcessActivationSuccessDebitsOnce(t *testing.T) {
	panel := &flakyJWTPanel{response: func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]string{"message": "activated"})
	}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	svc, ledger, notifier := testService(t, jwtCatalog(t, srv.URL), vexaProvider(), vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "vexa", MacRaw: "AA-BB-CC-DD-EE-FF", Tier: "yearly",
	})
	require.True(t, res.Success, "message: %s", res.Message)
	assert.Equal(t, []float64{6.5}, ledger.debits, "exactly one debit, for the tier price")
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "confirmed")
}

func TestProcessActivationRetriesOnceOnSessionExpiry(t *testing.T) {
	panel := &flakyJWTPanel{response: func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]string{"message": "activated"})
	}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	svc, ledger, _ := testService(t, jwtCatalog(t, srv.URL), vexaProvider(), vouchers.NewMemoryInventory())

	// Warm the session cache, then expire the token server-side.
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	require.True(t, res.Success)
	atomic.AddInt32(&panel.tokenGen, 1) // cached token is now stale

	res = svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	require.True(t, res.Success, "retry after re-login must succeed: %s", res.Message)
	assert.Equal(t, int32(2), atomic.LoadInt32(&panel.logins), "one initial login plus one re-login")
	assert.Equal(t, []float64{6.5, 6.5}, ledger.debits)
}

func TestProcessActivationRetriesOnlyOnce(t *testing.T) {
	panel := &flakyJWTPanel{alwaysExpired: true, response: func(w http.ResponseWriter) {}}
	srv := httptest.NewServer(panel.handler())
	defer srv.Close()

	svc, ledger, notifier := testService(t, jwtCatalog(t, srv.URL), vexaProvider(), vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	assert.False(t, res.Success)
	assert.Equal(t, backends.KindSessionExpired, res.Kind, "the retry's own result is final")
	assert.Equal(t, int32(2), atomic.LoadInt32(&panel.activations), "exactly one retry")
	assert.Empty(t, ledger.debits, "failures never touch the ledger")
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "failed")
}

func TestProcessActivationInvalidMac(t *testing.T) {
	svc, ledger, _ := testService(t, jwtCatalog(t, "http://unused.example"), vexaProvider(), vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", BackendID: "vexa", MacRaw: "hello panel pls activate", Tier: "yearly",
	})
	assert.False(t, res.Success)
	assert.Equal(t, backends.KindInvalidMac, res.Kind)
	assert.Empty(t, ledger.debits)
}

func TestProcessActivationUnknownBackend(t *testing.T) {
	svc, _, _ := testService(t, jwtCatalog(t, "http://unused.example"), vexaProvider(), vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", BackendID: "nope", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	assert.Equal(t, backends.KindConfiguration, res.Kind)
}

func TestProcessActivationMissingCredentials(t *testing.T) {
	prov := vexaProvider()
	prov.creds = map[string]tenants.Credentials{}
	svc, _, _ := testService(t, jwtCatalog(t, "http://unused.example"), prov, vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	assert.Equal(t, backends.KindConfiguration, res.Kind)
}

func voucherCatalog(t *testing.T, baseURL string) *backends.Catalog {
	t.Helper()
	c, err := backends.NewCatalog([]backends.Descriptor{{
		ID: "stream", Family: backends.FamilyVoucher, Title: "StreamCode",
		BaseURL: baseURL, LoginPath: "/api/login", ActivatePath: "/api/redeem",
		OperatorEmail: "ops@example.com", OperatorPassword: "secret",
		TierPrices: map[string]float64{"yearly": 8},
	}})
	require.NoError(t, err)
	return c
}

func voucherServer(redeem func(code string, w http.ResponseWriter)) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "op-token"})
	})
	mux.HandleFunc("POST /api/redeem", func(w http.ResponseWriter, r *http.Request) {
		var in struct{ Code string }
		json.NewDecoder(r.Body).Decode(&in)
		redeem(in.Code, w)
	})
	return httptest.NewServer(mux)
}

func TestVoucherFlowBurnsCodeOnlyOnSuccess(t *testing.T) {
	srv := voucherServer(func(code string, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	defer srv.Close()

	inv := vouchers.NewMemoryInventory()
	_, err := inv.Add(context.Background(), "t1", "yearly", "CODE-1")
	require.NoError(t, err)

	prov := &fakeProvider{tenant: tenants.Tenant{ID: "t1", Active: true}, creds: map[string]tenants.Credentials{}}
	svc, ledger, _ := testService(t, voucherCatalog(t, srv.URL), prov, inv)

	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "stream", MacRaw: "box-id-9", Tier: "yearly",
	})
	require.True(t, res.Success, "message: %s", res.Message)
	assert.Equal(t, []float64{8}, ledger.debits)

	n, err := inv.Stock(context.Background(), "t1", "yearly")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the code is burned")
}

func TestVoucherFlowReleasesCodeOnFailure(t *testing.T) {
	srv := voucherServer(func(code string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("mac not found"))
	})
	defer srv.Close()

	inv := vouchers.NewMemoryInventory()
	_, err := inv.Add(context.Background(), "t1", "yearly", "CODE-1")
	require.NoError(t, err)

	prov := &fakeProvider{tenant: tenants.Tenant{ID: "t1", Active: true}, creds: map[string]tenants.Credentials{}}
	svc, ledger, _ := testService(t, voucherCatalog(t, srv.URL), prov, inv)

	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "stream", MacRaw: "box-id-9", Tier: "yearly",
	})
	assert.False(t, res.Success)
	assert.Equal(t, backends.KindDeviceNotFound, res.Kind)
	assert.Empty(t, ledger.debits)

	n, err := inv.Stock(context.Background(), "t1", "yearly")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed attempt returns the code to the pool")
}

func TestVoucherFlowExhaustedPool(t *testing.T) {
	prov := &fakeProvider{tenant: tenants.Tenant{ID: "t1", Active: true}, creds: map[string]tenants.Credentials{}}
	svc, _, notifier := testService(t, voucherCatalog(t, "http://unused.example"), prov, vouchers.NewMemoryInventory())

	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", BackendID: "stream", MacRaw: "box-id-9", Tier: "yearly",
	})
	assert.False(t, res.Success)
	assert.Equal(t, backends.KindVoucherExhausted, res.Kind)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "No voucher codes left")
}

func TestPolicyBlocksActivation(t *testing.T) {
	prov := vexaProvider()
	prov.tenant.PolicyRego = `package activation

decide := {"allow": false, "reasons": ["maintenance window"]}
`
	svc, ledger, _ := testService(t, jwtCatalog(t, "http://unused.example"), prov, vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	assert.False(t, res.Success)
	assert.Equal(t, backends.KindConfiguration, res.Kind)
	assert.Contains(t, res.Message, "maintenance window")
	assert.Empty(t, ledger.debits)
}

func TestAlreadyActiveCountsAsSuccessWhenConfigured(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("POST /activations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "device already activated"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	desc := backends.Descriptor{
		ID: "vexa", Family: backends.FamilyJWT, Title: "VexaPlay",
		BaseURL: srv.URL, LoginPath: "/auth/login", ActivatePath: "/activations",
		TierPackages: map[string]int{"yearly": 12},
		TierPrices:   map[string]float64{"yearly": 6.5},
	}

	strict, err := backends.NewCatalog([]backends.Descriptor{desc})
	require.NoError(t, err)
	svc, ledger, _ := testService(t, strict, vexaProvider(), vouchers.NewMemoryInventory())
	res := svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	assert.False(t, res.Success)
	assert.Equal(t, backends.KindAlreadyActivated, res.Kind)
	assert.Empty(t, ledger.debits)

	desc.AlreadyActiveIsSuccess = true
	lenient, err := backends.NewCatalog([]backends.Descriptor{desc})
	require.NoError(t, err)
	svc, ledger, _ = testService(t, lenient, vexaProvider(), vouchers.NewMemoryInventory())
	res = svc.ProcessActivation(context.Background(), Request{
		TenantID: "t1", CustomerID: "c1", BackendID: "vexa", MacRaw: "aa:bb:cc:dd:ee:ff", Tier: "yearly",
	})
	assert.True(t, res.Success)
	assert.Equal(t, []float64{6.5}, ledger.debits)
}
