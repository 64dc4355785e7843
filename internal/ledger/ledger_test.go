package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/money"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	db := database.NewMemory()
	db.Register(store)
	return New(store, db, "TZS"), store
}

func TestGetOrCreateWallet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	w, err := svc.GetOrCreateWallet(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", w.AccountID)
	assert.Equal(t, "0.00", w.Balance)
	assert.Equal(t, "TZS", w.Currency)
	assert.True(t, w.Active)

	// Second call returns the same wallet.
	again, err := svc.GetOrCreateWallet(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
}

func TestDepositCreditsBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-1",
		Amount:    "1000.00",
		Reference: "PAY-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, TypeDeposit, entry.Type)
	assert.Equal(t, "0.00", entry.BalanceBefore)
	assert.Equal(t, "1000.00", entry.BalanceAfter)
	assert.NotNil(t, entry.CompletedAt)

	w, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", w.Balance)
	assert.Equal(t, "1000.00", w.TotalEarned)
}

func TestDepositRejectsInvalidAmounts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, amount := range []string{"", "0", "-100.00", "1.999", "abc"} {
		_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: amount})
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}

func TestReferenceIdempotency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-1", Amount: "500.00", Reference: "PAY-1",
	})
	require.NoError(t, err)

	// Exact replay returns the original entry without double-crediting.
	replay, err := svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-1", Amount: "500.00", Reference: "PAY-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	w, _ := svc.Balance(ctx, "acct-1")
	assert.Equal(t, "500.00", w.Balance)

	// Same reference with a different amount is a conflict.
	_, err = svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-1", Amount: "600.00", Reference: "PAY-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	// Same reference on another wallet is a conflict too.
	_, err = svc.Deposit(ctx, DepositRequest{
		AccountID: "acct-2", Amount: "500.00", Reference: "PAY-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "100.00"})
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, WithdrawRequest{AccountID: "acct-1", Amount: "100.01"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Balance untouched after the rejected debit.
	w, _ := svc.Balance(ctx, "acct-1")
	assert.Equal(t, "100.00", w.Balance)
}

func TestWithdrawWithoutPayoutCompletesImmediately(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)

	entry, err := svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-1", Amount: "300.00",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.NotNil(t, entry.CompletedAt)

	w, _ := svc.Balance(ctx, "acct-1")
	assert.Equal(t, "700.00", w.Balance)
}

func TestPayoutLinkedWithdrawalLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)

	// Optimistic debit: balance moves now, entry stays PENDING.
	entry, err := svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-1", Amount: "400.00", PayoutID: "po-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Nil(t, entry.CompletedAt)

	w, _ := svc.Balance(ctx, "acct-1")
	assert.Equal(t, "600.00", w.Balance)
	assert.Equal(t, "0.00", w.TotalSpent, "spend not counted until confirmed")

	// Gateway confirms: entry completes, spend counted, balance unchanged.
	require.NoError(t, svc.CompleteWithdrawal(ctx, "po-1"))

	w, _ = svc.Balance(ctx, "acct-1")
	assert.Equal(t, "600.00", w.Balance)
	assert.Equal(t, "400.00", w.TotalSpent)

	// Replayed confirmation is a no-op.
	require.NoError(t, svc.CompleteWithdrawal(ctx, "po-1"))
	w, _ = svc.Balance(ctx, "acct-1")
	assert.Equal(t, "400.00", w.TotalSpent)
}

func TestFailWithdrawalRefunds(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-1", Amount: "400.00", PayoutID: "po-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.FailWithdrawal(ctx, "po-1", "insufficient float"))

	// Balance restored by an explicit REFUND credit.
	w, _ := svc.Balance(ctx, "acct-1")
	assert.Equal(t, "1000.00", w.Balance)
	assert.Equal(t, "0.00", w.TotalSpent)

	entry, err := store.GetEntryByPayout(ctx, "po-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)

	refund, err := store.GetEntryByReference(ctx, "refund_po-1")
	require.NoError(t, err)
	assert.Equal(t, TypeRefund, refund.Type)
	assert.Equal(t, "400.00", refund.Amount)

	// Replay is a no-op: no second refund.
	require.NoError(t, svc.FailWithdrawal(ctx, "po-1", "insufficient float"))
	w, _ = svc.Balance(ctx, "acct-1")
	assert.Equal(t, "1000.00", w.Balance)
}

func TestReverseWithdrawalAfterSuccess(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-1", Amount: "400.00", PayoutID: "po-1",
	})
	require.NoError(t, err)
	require.NoError(t, svc.CompleteWithdrawal(ctx, "po-1"))

	// The gateway later reverses the settled payout.
	require.NoError(t, svc.ReverseWithdrawal(ctx, "po-1", "provider reversal"))

	w, _ := svc.Balance(ctx, "acct-1")
	assert.Equal(t, "1000.00", w.Balance)
	assert.Equal(t, "0.00", w.TotalSpent, "confirmed spend un-counted on reversal")

	entry, err := store.GetEntryByPayout(ctx, "po-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, entry.Status)
}

func TestReverseRequiresCompletedEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-1", Amount: "400.00", PayoutID: "po-1",
	})
	require.NoError(t, err)

	err = svc.ReverseWithdrawal(ctx, "po-1", "reversal")
	assert.ErrorIs(t, err, ErrInvalidState, "pending entries fail, not reverse")
}

func TestVerifyBalanceInvariant(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawRequest{
		AccountID: "acct-1", Amount: "400.00", PayoutID: "po-1",
	})
	require.NoError(t, err)
	require.NoError(t, svc.FailWithdrawal(ctx, "po-1", "failed"))
	_, err = svc.Withdraw(ctx, WithdrawRequest{AccountID: "acct-1", Amount: "250.00"})
	require.NoError(t, err)

	w, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)

	// Balance equals the signed sum over ALL entries, PENDING and
	// FAILED included: every entry moved the balance exactly once.
	sum, err := store.SumEntries(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Balance, sum)

	drift, err := svc.VerifyBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", drift)
}

func TestEntryEffectSign(t *testing.T) {
	in := &Entry{Type: TypeDeposit, Amount: "100.00"}
	out := &Entry{Type: TypeWithdrawal, Amount: "100.00"}
	assert.Equal(t, "100.00", in.Effect())
	assert.Equal(t, "-100.00", out.Effect())
}

func TestVerifyBalanceReportsNegativeDrift(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, DepositRequest{AccountID: "acct-1", Amount: "1000.00"})
	require.NoError(t, err)

	// Corrupt the stored balance below the entry sum; the drift must
	// come back negative, not be swallowed as zero.
	w, err := svc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	w.Balance = "600.00"
	require.NoError(t, store.UpdateWallet(ctx, w))

	drift, err := svc.VerifyBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "-400.00", drift)
	assert.Equal(t, -1, money.Cmp(drift, "0.00"))
}

func TestEscrowDepositorHelpers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EscrowRelease(ctx, "seller-1", "975.00", "esc-rel-1", "ORDER", "ord-9"))
	require.NoError(t, svc.EscrowRefund(ctx, "buyer-1", "1000.00", "esc-ref-1", "ORDER", "ord-9"))

	seller, _ := svc.Balance(ctx, "seller-1")
	assert.Equal(t, "975.00", seller.Balance)

	buyer, _ := svc.Balance(ctx, "buyer-1")
	assert.Equal(t, "1000.00", buyer.Balance)

	entries, err := svc.Entries(ctx, seller.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TypeEscrowRelease, entries[0].Type)
	assert.Equal(t, "ord-9", entries[0].OwnerID)
}

func TestEntriesNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, ref := range []string{"r1", "r2", "r3"} {
		_, err := svc.Deposit(ctx, DepositRequest{
			AccountID: "acct-1", Amount: "10.00", Reference: ref,
		})
		require.NoError(t, err)
	}

	w, _ := svc.Balance(ctx, "acct-1")
	entries, err := svc.Entries(ctx, w.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r3", entries[0].Reference)
	assert.Equal(t, "r2", entries[1].Reference)
}
