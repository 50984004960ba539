// internal/backends/descriptor.go
package backends

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Family enumerates the supported panel families at compile time. Adding a
// family means adding a constant here and a constructor in FactoryTable.
type Family string

const (
	FamilyCookie  Family = "cookie"
	FamilyJWT     Family = "jwt"
	FamilyVoucher Family = "voucher"
	FamilyOTP     Family = "otp"
	FamilyCard    Family = "card"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyCookie, FamilyJWT, FamilyVoucher, FamilyOTP, FamilyCard:
		return true
	}
	return false
}

// RequiresMac reports whether the orchestrator must normalize and validate the
// device identifier before calling the adapter. Voucher panels take whatever
// the customer typed (the remote side validates), card panels have no device.
func (f Family) RequiresMac() bool {
	switch f {
	case FamilyCookie, FamilyJWT, FamilyOTP:
		return true
	}
	return false
}

// Descriptor is the static, read-only metadata for one remote panel.
type Descriptor struct {
	ID     string `yaml:"id"`
	Family Family `yaml:"family"`
	Title  string `yaml:"title"`

	BaseURL      string `yaml:"base_url"`
	LoginPath    string `yaml:"login_path"`
	ActivatePath string `yaml:"activate_path"`
	BalancePath  string `yaml:"balance_path"`

	// Cookie panels: a 302 to a path with this prefix signals login success.
	AuthedPathPrefix string `yaml:"authed_path_prefix"`

	// CAPTCHA gate (empty kind means none)
	CaptchaKind    string `yaml:"captcha_kind"`
	CaptchaSiteKey string `yaml:"captcha_site_key"`

	// Tier mappings; each panel has its own package/credit model.
	TierPackages map[string]int     `yaml:"tier_packages"` // jwt family: tier -> package_id
	TierCredits  map[string]int     `yaml:"tier_credits"`  // cookie family: tier -> credit count
	TierPrices   map[string]float64 `yaml:"tier_prices"`   // ledger debit per tier

	// Balance extraction for JSON panels (JMESPath over the response body).
	BalanceJMESPath string `yaml:"balance_jmespath"`

	// Voucher panels: operator-level login shared across tenants.
	OperatorEmail    string `yaml:"operator_email"`
	OperatorPassword string `yaml:"operator_password"`

	// Session TTL override (minutes). Zero means the service default, which is
	// set conservatively below the remote token's real lifetime.
	SessionTTLMin int `yaml:"session_ttl_min"`

	// Per-call HTTP timeout override (seconds). OTP automation flows need
	// minutes, not seconds.
	TimeoutSec int `yaml:"timeout_sec"`

	// Whether "already activated" counts as a success for ledger purposes.
	AlreadyActiveIsSuccess bool `yaml:"already_active_is_success"`
}

func (d Descriptor) SessionTTL(def time.Duration) time.Duration {
	if d.SessionTTLMin > 0 {
		return time.Duration(d.SessionTTLMin) * time.Minute
	}
	return def
}

func (d Descriptor) Timeout() time.Duration {
	if d.TimeoutSec > 0 {
		return time.Duration(d.TimeoutSec) * time.Second
	}
	if d.Family == FamilyOTP {
		return 5 * time.Minute
	}
	return 30 * time.Second
}

// Catalog holds every configured descriptor, created at startup and read-only
// thereafter.
type Catalog struct {
	byID  map[string]Descriptor
	order []string
}

func NewCatalog(descs []Descriptor) (*Catalog, error) {
	c := &Catalog{byID: map[string]Descriptor{}}
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("backend descriptor without id")
		}
		if !d.Family.Valid() {
			return nil, fmt.Errorf("backend %s: unknown family %q", d.ID, d.Family)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate backend id %s", d.ID)
		}
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

// LoadCatalog reads the YAML backend catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Backends []Descriptor `yaml:"backends"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewCatalog(doc.Backends)
}

func (c *Catalog) Get(id string) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
