// internal/vouchers/postgres.go
package vouchers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgInventory is backed by the voucher_codes table (schema in pkg/tenants).
// The claim uses FOR UPDATE SKIP LOCKED so two concurrent orders can never
// receive the same code. Claims older than ReservationTTL count as abandoned
// and are claimable again.
type pgInventory struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func NewPostgresInventory(pool *pgxpool.Pool, log *zap.SugaredLogger) Inventory {
	return &pgInventory{pool: pool, log: log}
}

func (p *pgInventory) ReserveNext(ctx context.Context, tenantID, tier string) (*Code, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE voucher_codes SET reserved_at=NOW()
		WHERE id=(
			SELECT id FROM voucher_codes
			WHERE tenant_id=$1 AND tier=$2 AND status='available'
			  AND (reserved_at IS NULL OR reserved_at < NOW() - make_interval(secs => $3))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, tenant_id, tier, code, status, created_at`, tenantID, tier, ReservationTTL.Seconds())
	var c Code
	if err := row.Scan(&c.ID, &c.TenantID, &c.Tier, &c.Code, &c.Status, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExhausted
		}
		return nil, err
	}
	return &c, nil
}

func (p *pgInventory) MarkUsed(ctx context.Context, codeID, mac string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE voucher_codes SET status='used', used_for_mac=$2, used_at=NOW(), reserved_at=NULL
		WHERE id=$1 AND status='available'`, codeID, mac)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("voucher not found or already used")
	}
	return nil
}

func (p *pgInventory) Release(ctx context.Context, codeID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE voucher_codes SET reserved_at=NULL
		WHERE id=$1 AND status='available'`, codeID)
	return err
}

func (p *pgInventory) Add(ctx context.Context, tenantID, tier, code string) (*Code, error) {
	id := uuid.NewString()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO voucher_codes(id, tenant_id, tier, code)
		VALUES ($1,$2,$3,$4)
		RETURNING id, tenant_id, tier, code, status, created_at`, id, tenantID, tier, code)
	var c Code
	if err := row.Scan(&c.ID, &c.TenantID, &c.Tier, &c.Code, &c.Status, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *pgInventory) Stock(ctx context.Context, tenantID, tier string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM voucher_codes
		WHERE tenant_id=$1 AND tier=$2 AND status='available'
		  AND (reserved_at IS NULL OR reserved_at < NOW() - make_interval(secs => $3))`,
		tenantID, tier, ReservationTTL.Seconds()).Scan(&n)
	return n, err
}
