package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pochipay/pochi/internal/database"
)

// PostgresStore implements Store with PostgreSQL. All methods run
// against the transaction carried in the context when one is present.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) q(ctx context.Context) database.Querier {
	return database.Q(ctx, p.db)
}

const walletColumns = `
	id, account_id, balance::TEXT, currency, total_earned::TEXT,
	total_spent::TEXT, active, last_activity_at, created_at, updated_at`

func scanWallet(row *sql.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.ID, &w.AccountID, &w.Balance, &w.Currency, &w.TotalEarned,
		&w.TotalSpent, &w.Active, &w.LastActivityAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	return scanWallet(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
}

func (p *PostgresStore) GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error) {
	return scanWallet(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE account_id = $1`, accountID))
}

func (p *PostgresStore) GetWalletByAccountForUpdate(ctx context.Context, accountID string) (*Wallet, error) {
	return scanWallet(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE account_id = $1 FOR UPDATE`, accountID))
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO wallets (id, account_id, balance, currency, total_earned,
			total_spent, active, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(14,2), $4, $5::NUMERIC(14,2),
			$6::NUMERIC(14,2), $7, $8, $9, $10)
	`, w.ID, w.AccountID, w.Balance, w.Currency, w.TotalEarned,
		w.TotalSpent, w.Active, w.LastActivityAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateWallet(ctx context.Context, w *Wallet) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE wallets SET
			balance = $2::NUMERIC(14,2),
			total_earned = $3::NUMERIC(14,2),
			total_spent = $4::NUMERIC(14,2),
			active = $5,
			last_activity_at = $6,
			updated_at = $7
		WHERE id = $1
	`, w.ID, w.Balance, w.TotalEarned, w.TotalSpent, w.Active, w.LastActivityAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

const entryColumns = `
	id, wallet_id, type, status, amount::TEXT, currency, reference,
	COALESCE(description, ''), balance_before::TEXT, balance_after::TEXT,
	COALESCE(payment_id, ''), COALESCE(payout_id, ''),
	COALESCE(owner_type, ''), COALESCE(owner_id, ''), created_at, completed_at`

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.WalletID, &e.Type, &e.Status, &e.Amount, &e.Currency,
		&e.Reference, &e.Description, &e.BalanceBefore, &e.BalanceAfter,
		&e.PaymentID, &e.PayoutID, &e.OwnerType, &e.OwnerID,
		&e.CreatedAt, &e.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) InsertEntry(ctx context.Context, e *Entry) error {
	_, err := p.q(ctx).ExecContext(ctx, `
		INSERT INTO ledger_entries (id, wallet_id, type, status, amount, currency,
			reference, description, balance_before, balance_after,
			payment_id, payout_id, owner_type, owner_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6, $7, NULLIF($8, ''),
			$9::NUMERIC(14,2), $10::NUMERIC(14,2), NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), NULLIF($14, ''), $15, $16)
	`, e.ID, e.WalletID, e.Type, e.Status, e.Amount, e.Currency,
		e.Reference, e.Description, e.BalanceBefore, e.BalanceAfter,
		e.PaymentID, e.PayoutID, e.OwnerType, e.OwnerID, e.CreatedAt, e.CompletedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateEntry(ctx context.Context, e *Entry) error {
	res, err := p.q(ctx).ExecContext(ctx, `
		UPDATE ledger_entries SET
			status = $2,
			description = NULLIF($3, ''),
			completed_at = $4
		WHERE id = $1
	`, e.ID, e.Status, e.Description, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) GetEntryByReference(ctx context.Context, reference string) (*Entry, error) {
	return scanEntry(p.q(ctx).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference = $1`, reference))
}

// GetEntryByPayout returns the debit entry linked to a payout. The
// compensating REFUND credit carries the payout ID too, so the lookup
// takes the oldest non-refund entry.
func (p *PostgresStore) GetEntryByPayout(ctx context.Context, payoutID string) (*Entry, error) {
	return scanEntry(p.q(ctx).QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE payout_id = $1 AND type <> 'REFUND'
		ORDER BY created_at ASC
		LIMIT 1
	`, payoutID))
}

func (p *PostgresStore) ListEntries(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	rows, err := p.q(ctx).QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.WalletID, &e.Type, &e.Status, &e.Amount, &e.Currency,
			&e.Reference, &e.Description, &e.BalanceBefore, &e.BalanceAfter,
			&e.PaymentID, &e.PayoutID, &e.OwnerType, &e.OwnerID,
			&e.CreatedAt, &e.CompletedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumEntries(ctx context.Context, walletID string) (string, error) {
	var sum string
	err := p.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN type IN ('DEPOSIT', 'ESCROW_RELEASE', 'REFUND')
				THEN amount ELSE -amount END
		), 0)::TEXT
		FROM ledger_entries WHERE wallet_id = $1
	`, walletID).Scan(&sum)
	if err != nil {
		return "", err
	}
	return sum, nil
}
