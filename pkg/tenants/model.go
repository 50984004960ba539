package tenants

// Tenant represents a reseller account selling activations to end customers.
type Tenant struct {
	ID            string // uuid
	Slug          string // short name (acme)
	Host          string // primary host (panel.acme.com)
	BasePublicURL string
	PolicyRego    string // optional rego module gating activations (entrypoint data.activation.decide)
	Active        bool
}

// Credentials is the tenant-owned secret bundle for one remote backend.
// Which fields are populated depends on the backend family: cookie/jwt panels
// use Email+Password, card-billed panels add CardToken, OTP automation uses
// APIKey for the automation service. Extra carries anything panel-specific.
type Credentials struct {
	Email     string
	Password  string
	CardToken string
	APIKey    string
	Extra     map[string]string
}

// Configured reports whether the bundle carries enough to attempt a login.
func (c Credentials) Configured() bool {
	return (c.Email != "" && c.Password != "") || c.APIKey != ""
}
