package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pochipay/pochi/internal/database"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) q(ctx context.Context) database.Querier {
	return database.Q(ctx, p.db)
}

const holdColumns = `
	id, owner_type, owner_id, amount::TEXT, currency, platform_fee::TEXT,
	seller_receives::TEXT, status, COALESCE(release_trigger, ''),
	COALESCE(dispute_reason, ''), auto_release_at, held_at, released_at`

func scanHold(row *sql.Row) (*Hold, error) {
	var h Hold
	err := row.Scan(
		&h.ID, &h.OwnerType, &h.OwnerID, &h.Amount, &h.Currency, &h.PlatformFee,
		&h.SellerReceives, &h.Status, &h.ReleaseTrigger, &h.DisputeReason,
		&h.AutoReleaseAt, &h.HeldAt, &h.ReleasedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	return scanHold(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id))
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Hold, error) {
	return scanHold(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, id))
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerType, ownerID string) (*Hold, error) {
	return scanHold(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE owner_type = $1 AND owner_id = $2`,
		ownerType, ownerID))
}

func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO escrow_holds (id, owner_type, owner_id, amount, currency,
			platform_fee, seller_receives, status, release_trigger, dispute_reason,
			auto_release_at, held_at, released_at)
		VALUES ($1, $2, $3, $4::NUMERIC(14,2), $5, $6::NUMERIC(14,2),
			$7::NUMERIC(14,2), $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
	`, h.ID, h.OwnerType, h.OwnerID, h.Amount, h.Currency,
		h.PlatformFee, h.SellerReceives, h.Status, h.ReleaseTrigger, h.DisputeReason,
		h.AutoReleaseAt, h.HeldAt, h.ReleasedAt)
	if err != nil {
		return fmt.Errorf("create escrow hold: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, h *Hold) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE escrow_holds SET
			status = $2,
			release_trigger = NULLIF($3, ''),
			dispute_reason = NULLIF($4, ''),
			released_at = $5
		WHERE id = $1
	`, h.ID, h.Status, h.ReleaseTrigger, h.DisputeReason, h.ReleasedAt)
	if err != nil {
		return fmt.Errorf("update escrow hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE status = 'HELD' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2
	`, now, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status string, limit int) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE status = $1
		ORDER BY held_at ASC
		LIMIT $2
	`, status, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Hold, error) {
	rows, err := p.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(
			&h.ID, &h.OwnerType, &h.OwnerID, &h.Amount, &h.Currency, &h.PlatformFee,
			&h.SellerReceives, &h.Status, &h.ReleaseTrigger, &h.DisputeReason,
			&h.AutoReleaseAt, &h.HeldAt, &h.ReleasedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
