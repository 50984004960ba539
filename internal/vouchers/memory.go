// internal/vouchers/memory.go
package vouchers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memInventory is the dev/test twin of the Postgres inventory. The mutex
// makes claim-then-attempt a single atomic region per code selection.
type memInventory struct {
	mu    sync.Mutex
	codes map[string]*Code // by id
}

func NewMemoryInventory() Inventory {
	return &memInventory{codes: map[string]*Code{}}
}

func (m *memInventory) ReserveNext(ctx context.Context, tenantID, tier string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Code
	for _, c := range m.codes {
		if c.TenantID != tenantID || c.Tier != tier || c.Status != StatusAvailable || reserved(c) {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, ErrExhausted
	}
	now := time.Now()
	oldest.ReservedAt = &now
	cp := *oldest
	return &cp, nil
}

func (m *memInventory) MarkUsed(ctx context.Context, codeID, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok {
		return errors.New("voucher not found")
	}
	if c.Status == StatusUsed {
		return errors.New("voucher already used")
	}
	now := time.Now()
	c.Status = StatusUsed
	c.UsedForMac = mac
	c.UsedAt = &now
	c.ReservedAt = nil
	return nil
}

func (m *memInventory) Release(ctx context.Context, codeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok {
		return errors.New("voucher not found")
	}
	if c.Status == StatusAvailable {
		c.ReservedAt = nil
	}
	return nil
}

func (m *memInventory) Add(ctx context.Context, tenantID, tier, code string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Code{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Tier:      tier,
		Code:      code,
		Status:    StatusAvailable,
		CreatedAt: time.Now(),
	}
	m.codes[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *memInventory) Stock(ctx context.Context, tenantID, tier string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.TenantID == tenantID && c.Tier == tier && c.Status == StatusAvailable && !reserved(c) {
			n++
		}
	}
	return n, nil
}

// reserved reports whether a live, non-abandoned claim fences the code.
func reserved(c *Code) bool {
	return c.ReservedAt != nil && time.Since(*c.ReservedAt) < ReservationTTL
}
