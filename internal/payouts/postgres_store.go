package payouts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pochipay/pochi/internal/database"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payouts store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) q(ctx context.Context) database.Querier {
	return database.Q(ctx, p.db)
}

const payoutColumns = `
	id, order_reference, status, COALESCE(channel, ''),
	COALESCE(channel_provider, ''), COALESCE(transfer_type, ''),
	amount::TEXT, currency, COALESCE(fee::TEXT, ''),
	COALESCE(beneficiary_amount::TEXT, ''),
	exchanged, COALESCE(source_currency, ''), COALESCE(target_currency, ''),
	COALESCE(source_amount::TEXT, ''), COALESCE(exchange_rate::TEXT, ''),
	COALESCE(beneficiary_account_number, ''), COALESCE(beneficiary_account_name, ''),
	COALESCE(beneficiary_mobile_number, ''), COALESCE(notes, ''),
	COALESCE(account_id, ''), created_at, updated_at, completed_at`

type payoutScanner interface {
	Scan(dest ...any) error
}

func scanPayout(row payoutScanner) (*Payout, error) {
	var p Payout
	err := row.Scan(
		&p.ID, &p.OrderReference, &p.Status, &p.Channel,
		&p.ChannelProvider, &p.TransferType,
		&p.Amount, &p.Currency, &p.Fee,
		&p.BeneficiaryAmount,
		&p.Exchanged, &p.SourceCurrency, &p.TargetCurrency,
		&p.SourceAmount, &p.ExchangeRate,
		&p.BeneficiaryAccountNumber, &p.BeneficiaryAccountName,
		&p.BeneficiaryMobileNumber, &p.Notes,
		&p.AccountID, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *PostgresStore) Get(ctx context.Context, orderReference string) (*Payout, error) {
	return scanPayout(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE order_reference = $1`, orderReference))
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, orderReference string) (*Payout, error) {
	return scanPayout(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE order_reference = $1 FOR UPDATE`, orderReference))
}

func (p *PostgresStore) Insert(ctx context.Context, po *Payout) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO payouts (id, order_reference, status, channel, channel_provider,
			transfer_type, amount, currency, fee, beneficiary_amount,
			exchanged, source_currency, target_currency, source_amount, exchange_rate,
			beneficiary_account_number, beneficiary_account_name, beneficiary_mobile_number,
			notes, account_id, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7::NUMERIC(14,2), $8, NULLIF($9, '')::NUMERIC(14,2), NULLIF($10, '')::NUMERIC(14,2),
			$11, NULLIF($12, ''), NULLIF($13, ''),
			NULLIF($14, '')::NUMERIC(14,2), NULLIF($15, '')::NUMERIC(18,6),
			NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''),
			NULLIF($19, ''), NULLIF($20, ''), $21, $22, $23)
	`, po.ID, po.OrderReference, po.Status, po.Channel, po.ChannelProvider,
		po.TransferType, po.Amount, po.Currency, po.Fee, po.BeneficiaryAmount,
		po.Exchanged, po.SourceCurrency, po.TargetCurrency, po.SourceAmount, po.ExchangeRate,
		po.BeneficiaryAccountNumber, po.BeneficiaryAccountName, po.BeneficiaryMobileNumber,
		po.Notes, po.AccountID, po.CreatedAt, po.UpdatedAt, po.CompletedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, po *Payout) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE payouts SET
			status = $2,
			channel = NULLIF($3, ''),
			channel_provider = NULLIF($4, ''),
			transfer_type = NULLIF($5, ''),
			fee = NULLIF($6, '')::NUMERIC(14,2),
			beneficiary_amount = NULLIF($7, '')::NUMERIC(14,2),
			exchanged = $8,
			source_currency = NULLIF($9, ''),
			target_currency = NULLIF($10, ''),
			source_amount = NULLIF($11, '')::NUMERIC(14,2),
			exchange_rate = NULLIF($12, '')::NUMERIC(18,6),
			beneficiary_account_number = NULLIF($13, ''),
			beneficiary_account_name = NULLIF($14, ''),
			beneficiary_mobile_number = NULLIF($15, ''),
			notes = NULLIF($16, ''),
			updated_at = $17,
			completed_at = $18
		WHERE order_reference = $1
	`, po.OrderReference, po.Status, po.Channel, po.ChannelProvider,
		po.TransferType, po.Fee, po.BeneficiaryAmount,
		po.Exchanged, po.SourceCurrency, po.TargetCurrency, po.SourceAmount, po.ExchangeRate,
		po.BeneficiaryAccountNumber, po.BeneficiaryAccountName, po.BeneficiaryMobileNumber,
		po.Notes, po.UpdatedAt, po.CompletedAt)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListInFlight(ctx context.Context, limit int) ([]*Payout, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status IN ('AUTHORIZED', 'PROCESSING', 'PENDING')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}
