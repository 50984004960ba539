// internal/backends/adapter.go
package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"actigate/internal/captcha"
	"actigate/internal/session"
	"actigate/pkg/tenants"
)

// Adapter is the seam a new panel family plugs into without touching the
// orchestrator. Every family implements exactly this.
type Adapter interface {
	IsConfigured() bool
	Activate(ctx context.Context, req ActivationRequest) ActivationResult
	Balance(ctx context.Context) (BalanceInfo, error)
	TestConnection(ctx context.Context) (bool, string)
}

// Deps carries the shared collaborators adapters need. One Deps value is
// built at startup and passed by reference everywhere; tests substitute a
// fresh one per case.
type Deps struct {
	Sessions   *session.Manager
	Captcha    captcha.Solver
	HTTP       *http.Client
	Log        *zap.SugaredLogger
	SessionTTL time.Duration
}

func (d Deps) client(timeout time.Duration) *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return &http.Client{Timeout: timeout}
}

// Factory builds a family's adapter for one descriptor + credential pair.
type Factory func(desc Descriptor, creds tenants.Credentials, deps Deps) Adapter

// FactoryTable maps each family to its concrete constructor. Registered once;
// no string-keyed dynamic dispatch beyond this single lookup.
func FactoryTable() map[Family]Factory {
	return map[Family]Factory{
		FamilyCookie:  NewCookiePanel,
		FamilyJWT:     NewJWTPanel,
		FamilyVoucher: NewVoucherPanel,
		FamilyOTP:     NewOTPPanel,
		FamilyCard:    NewCardPanel,
	}
}

// New instantiates the adapter for a descriptor.
func New(desc Descriptor, creds tenants.Credentials, deps Deps) (Adapter, error) {
	f, ok := FactoryTable()[desc.Family]
	if !ok {
		return nil, fmt.Errorf("no adapter for family %q", desc.Family)
	}
	return f(desc, creds, deps), nil
}

// SessionKeyFor scopes cached panel sessions per credential identity. Voucher
// panels use a single operator-level session shared by every tenant. The
// orchestrator uses the same key to invalidate after a mid-call expiry.
func SessionKeyFor(desc Descriptor, creds tenants.Credentials) string {
	if desc.Family == FamilyVoucher {
		return "global:" + desc.ID
	}
	return desc.ID + ":" + creds.Email
}

func captchaTimeout(err error) bool  { return errors.Is(err, captcha.ErrTimeout) }
func captchaProvider(err error) bool { return errors.Is(err, captcha.ErrProvider) }
