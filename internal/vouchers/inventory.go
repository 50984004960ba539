// internal/vouchers/inventory.go
package vouchers

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted means no available code exists for the requested (tenant, tier).
var ErrExhausted = errors.New("voucher pool exhausted")

// ReservationTTL bounds how long a claim fences a code out of the pool. An
// attempt that never reaches Release or MarkUsed (process crash, swallowed
// panic) must not shrink the pool forever; reservations older than this are
// treated as abandoned and the code becomes claimable again.
const ReservationTTL = 10 * time.Minute

type Status string

const (
	StatusAvailable Status = "available"
	StatusUsed      Status = "used"
)

// Code is a pre-purchased, single-use activation code. It transitions
// available→used exactly once, at the moment of confirmed remote success;
// a reservation only fences concurrent claims and is reversible.
type Code struct {
	ID         string
	TenantID   string
	Tier       string
	Code       string
	Status     Status
	UsedForMac string
	ReservedAt *time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

type Inventory interface {
	// ReserveNext atomically claims the oldest available code for the bucket.
	// No two concurrent callers receive the same code.
	ReserveNext(ctx context.Context, tenantID, tier string) (*Code, error)
	// MarkUsed is the irreversible transition, called only on confirmed
	// remote success.
	MarkUsed(ctx context.Context, codeID, mac string) error
	// Release returns a reserved code to the pool after a failed attempt.
	Release(ctx context.Context, codeID string) error
	// Add provisions a new code (operator side).
	Add(ctx context.Context, tenantID, tier, code string) (*Code, error)
	// Stock counts available, unreserved codes for the bucket.
	Stock(ctx context.Context, tenantID, tier string) (int, error)
}
