package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/testutil"
)

func newPGService(t *testing.T) *Service {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return New(NewPostgresStore(db), database.NewPostgres(db), "TZS")
}

func TestPostgresDepositWithdraw(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-pg-1", Amount: "1000.00", Reference: "pg-dep-1",
	})
	require.NoError(t, err)

	entry, err := svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-pg-1", Amount: "400.00", PayoutID: "po-pg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)

	w, err := svc.Balance(ctx, "acct-pg-1")
	require.NoError(t, err)
	assert.Equal(t, "600.00", w.Balance)

	require.NoError(t, svc.FailWithdrawal(ctx, "po-pg-1", "gateway failure"))

	w, err = svc.Balance(ctx, "acct-pg-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", w.Balance)

	drift, err := svc.VerifyBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", drift)
}

func TestPostgresDuplicateReference(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-pg-2", Amount: "100.00", Reference: "pg-ref-1",
	})
	require.NoError(t, err)

	// Unique index backs the reference check even under races.
	_, err = svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-pg-2", Amount: "200.00", Reference: "pg-ref-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestPostgresTransactionRollback(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	pg := database.NewPostgres(db)
	svc := New(store, pg, "TZS")

	ctx := context.Background()
	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-pg-3", Amount: "500.00"})
	require.NoError(t, err)

	// A failure inside the transaction rolls the debit back.
	errBoom := assert.AnError
	err = pg.InTx(ctx, func(ctx context.Context) error {
		if _, err := svc.Withdraw(ctx, WithdrawRequest{
			AccountID: "acct-pg-3", Amount: "200.00",
		}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	w, err := svc.Balance(ctx, "acct-pg-3")
	require.NoError(t, err)
	assert.Equal(t, "500.00", w.Balance)
}
