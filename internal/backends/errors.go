// internal/backends/errors.go
package backends

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Kind is the machine-readable classification every failed activation carries.
// Adapters always translate raw remote errors into one of these before
// returning; the orchestrator never inspects provider-specific strings.
type Kind string

const (
	KindNone                     Kind = ""
	KindConfiguration            Kind = "ConfigurationError"
	KindInvalidMac               Kind = "InvalidMacError"
	KindCredential               Kind = "CredentialError"
	KindSessionExpired           Kind = "SessionExpiredError"
	KindDeviceNotFound           Kind = "DeviceNotFoundError"
	KindAlreadyActivated         Kind = "AlreadyActivatedError"
	KindInsufficientRemoteCredit Kind = "InsufficientRemoteCreditError"
	KindVoucherExhausted         Kind = "VoucherExhaustedError"
	KindCaptchaTimeout           Kind = "CaptchaTimeoutError"
	KindCaptchaProvider          Kind = "CaptchaProviderError"
	KindTransientNetwork         Kind = "TransientNetworkError"
)

// ActivationRequest is what an adapter receives after the orchestrator has
// resolved the descriptor, credential and (where applicable) the MAC.
type ActivationRequest struct {
	TenantID string
	Mac      string // canonical, or raw for families that skip normalization
	Tier     string
	Extra    map[string]string // otp code, voucher code, customer email, ...
}

// ActivationResult is the uniform outcome shape for every family.
type ActivationResult struct {
	Success      bool       `json:"success"`
	Kind         Kind       `json:"kind,omitempty"`
	Message      string     `json:"message"`
	RemoteExpiry *time.Time `json:"remote_expiry,omitempty"`
	Raw          string     `json:"raw,omitempty"`
}

type BalanceInfo struct {
	Credits float64 `json:"credits"`
	Active  bool    `json:"active"`
}

func Succeeded(message, raw string, expiry *time.Time) ActivationResult {
	return ActivationResult{Success: true, Message: message, Raw: raw, RemoteExpiry: expiry}
}

func Failed(kind Kind, message, raw string) ActivationResult {
	return ActivationResult{Kind: kind, Message: message, Raw: raw}
}

// translation maps a known remote error phrase to a taxonomy kind plus the
// human-readable message handed to the notifier.
type translation struct {
	needle  string
	kind    Kind
	message string
}

// commonTranslations cover phrases that show up across panel families.
var commonTranslations = []translation{
	{"mac not found", KindDeviceNotFound, "Device not found on the panel. Check the MAC and try again."},
	{"device not found", KindDeviceNotFound, "Device not found on the panel. Check the MAC and try again."},
	{"no device", KindDeviceNotFound, "Device not found on the panel. Check the MAC and try again."},
	{"already active", KindAlreadyActivated, "Device already has active coverage on this panel."},
	{"already activated", KindAlreadyActivated, "Device already has active coverage on this panel."},
	{"ja ativado", KindAlreadyActivated, "Device already has active coverage on this panel."},
	{"insufficient credit", KindInsufficientRemoteCredit, "The panel account is out of credits."},
	{"no credits", KindInsufficientRemoteCredit, "The panel account is out of credits."},
	{"saldo insuficiente", KindInsufficientRemoteCredit, "The panel account is out of credits."},
	{"invalid password", KindCredential, "The panel rejected the configured credentials."},
	{"invalid credentials", KindCredential, "The panel rejected the configured credentials."},
	{"wrong password", KindCredential, "The panel rejected the configured credentials."},
	{"session expired", KindSessionExpired, "Panel session expired."},
	{"not authenticated", KindSessionExpired, "Panel session expired."},
	{"token expired", KindSessionExpired, "Panel session expired."},
	{"unauthorized", KindSessionExpired, "Panel session expired."},
}

// translate matches raw remote text against family-specific rules first, then
// the common table. ok=false means the text matched nothing known.
func translate(raw string, extra []translation) (Kind, string, bool) {
	lowered := strings.ToLower(raw)
	for _, t := range extra {
		if strings.Contains(lowered, t.needle) {
			return t.kind, t.message, true
		}
	}
	for _, t := range commonTranslations {
		if strings.Contains(lowered, t.needle) {
			return t.kind, t.message, true
		}
	}
	return KindNone, "", false
}

// classifyTransport maps transport-level errors. Timeouts are deliberately a
// TransientNetworkError, not "the remote operation did not happen": the panel
// may have applied the activation before the deadline hit.
func classifyTransport(err error) ActivationResult {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Failed(KindTransientNetwork, "The panel did not answer in time. The activation may or may not have been applied.", err.Error())
	case errors.As(err, &nerr) && nerr.Timeout():
		return Failed(KindTransientNetwork, "The panel did not answer in time. The activation may or may not have been applied.", err.Error())
	default:
		return Failed(KindTransientNetwork, "Could not reach the panel.", err.Error())
	}
}
