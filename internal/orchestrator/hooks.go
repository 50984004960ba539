// internal/orchestrator/hooks.go
package orchestrator

import (
	"context"

	"go.uber.org/zap"
)

// Ledger is the external customer-balance store. Debit is invoked exactly
// once per successful activation, with the product price; never from inside
// an adapter, and never on failure.
type Ledger interface {
	Debit(ctx context.Context, tenantID, customerID string, amount float64) error
	Credit(ctx context.Context, tenantID, customerID string, amount float64) error
}

// Notifier is the external chat-message sender. Fire-and-forget: failures
// are logged and never block the activation flow.
type Notifier interface {
	Send(ctx context.Context, tenantID, message string) error
}

// NoopLedger is the dev/test stand-in when no ledger integration is wired.
type NoopLedger struct{}

func (NoopLedger) Debit(ctx context.Context, tenantID, customerID string, amount float64) error {
	return nil
}
func (NoopLedger) Credit(ctx context.Context, tenantID, customerID string, amount float64) error {
	return nil
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	Log *zap.SugaredLogger
}

func (n LogNotifier) Send(ctx context.Context, tenantID, message string) error {
	n.Log.Infow("notify", "tenant", tenantID, "message", message)
	return nil
}
