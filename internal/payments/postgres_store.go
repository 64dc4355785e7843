package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pochipay/pochi/internal/database"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payments store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) q(ctx context.Context) database.Querier {
	return database.Q(ctx, p.db)
}

const paymentColumns = `
	id, order_reference, status, COALESCE(channel, ''),
	COALESCE(channel_provider, ''), COALESCE(payment_reference, ''),
	collected_amount::TEXT, collected_currency,
	COALESCE(customer_name, ''), COALESCE(customer_phone, ''),
	COALESCE(customer_email, ''), COALESCE(message, ''),
	COALESCE(account_id, ''), metadata, created_at, updated_at, completed_at`

func scanPayment(row *sql.Row) (*Payment, error) {
	var p Payment
	var metadata []byte
	err := row.Scan(
		&p.ID, &p.OrderReference, &p.Status, &p.Channel,
		&p.ChannelProvider, &p.PaymentReference,
		&p.CollectedAmount, &p.CollectedCurrency,
		&p.CustomerName, &p.CustomerPhone,
		&p.CustomerEmail, &p.Message,
		&p.AccountID, &metadata, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &p.Metadata)
	}
	return &p, nil
}

func (p *PostgresStore) Get(ctx context.Context, orderReference string) (*Payment, error) {
	return scanPayment(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_reference = $1`, orderReference))
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, orderReference string) (*Payment, error) {
	return scanPayment(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_reference = $1 FOR UPDATE`, orderReference))
}

func (p *PostgresStore) Insert(ctx context.Context, pay *Payment) error {
	metadata, err := json.Marshal(orEmpty(pay.Metadata))
	if err != nil {
		return err
	}

	_, err = p.q(ctx).ExecContext(ctx, `
		INSERT INTO payments (id, order_reference, status, channel, channel_provider,
			payment_reference, collected_amount, collected_currency,
			customer_name, customer_phone, customer_email, message,
			account_id, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			$7::NUMERIC(14,2), $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16, $17)
	`, pay.ID, pay.OrderReference, pay.Status, pay.Channel, pay.ChannelProvider,
		pay.PaymentReference, pay.CollectedAmount, pay.CollectedCurrency,
		pay.CustomerName, pay.CustomerPhone, pay.CustomerEmail, pay.Message,
		pay.AccountID, metadata, pay.CreatedAt, pay.UpdatedAt, pay.CompletedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE payments SET
			status = $2,
			channel = NULLIF($3, ''),
			channel_provider = NULLIF($4, ''),
			payment_reference = NULLIF($5, ''),
			collected_amount = $6::NUMERIC(14,2),
			collected_currency = $7,
			customer_name = NULLIF($8, ''),
			customer_phone = NULLIF($9, ''),
			customer_email = NULLIF($10, ''),
			message = NULLIF($11, ''),
			updated_at = $12,
			completed_at = $13
		WHERE order_reference = $1
	`, pay.OrderReference, pay.Status, pay.Channel, pay.ChannelProvider,
		pay.PaymentReference, pay.CollectedAmount, pay.CollectedCurrency,
		pay.CustomerName, pay.CustomerPhone, pay.CustomerEmail, pay.Message,
		pay.UpdatedAt, pay.CompletedAt)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListInFlight(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('PROCESSING', 'PENDING')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		var pay Payment
		var metadata []byte
		if err := rows.Scan(
			&pay.ID, &pay.OrderReference, &pay.Status, &pay.Channel,
			&pay.ChannelProvider, &pay.PaymentReference,
			&pay.CollectedAmount, &pay.CollectedCurrency,
			&pay.CustomerName, &pay.CustomerPhone,
			&pay.CustomerEmail, &pay.Message,
			&pay.AccountID, &metadata, &pay.CreatedAt, &pay.UpdatedAt, &pay.CompletedAt,
		); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &pay.Metadata)
		}
		out = append(out, &pay)
	}
	return out, rows.Err()
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
