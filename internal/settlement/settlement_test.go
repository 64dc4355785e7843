package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pochipay/pochi/internal/bus"
	"github.com/pochipay/pochi/internal/clickpesa"
	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/escrow"
	"github.com/pochipay/pochi/internal/ledger"
	"github.com/pochipay/pochi/internal/payments"
	"github.com/pochipay/pochi/internal/payouts"
)

type fakePaymentGateway struct {
	status string
}

func (f *fakePaymentGateway) PreviewPayment(ctx context.Context, req clickpesa.PaymentRequest, fetchSender bool) (*clickpesa.PaymentPreview, error) {
	return &clickpesa.PaymentPreview{ActiveMethods: []clickpesa.PaymentMethod{
		{Name: "TIGO-PESA", Status: "AVAILABLE"},
	}}, nil
}

func (f *fakePaymentGateway) InitiatePayment(ctx context.Context, req clickpesa.PaymentRequest) (*clickpesa.Payment, error) {
	return &clickpesa.Payment{
		ID:                "cp-" + req.OrderReference,
		Status:            clickpesa.PaymentProcessing,
		OrderReference:    req.OrderReference,
		CollectedAmount:   clickpesa.Decimal(req.Amount),
		CollectedCurrency: req.Currency,
	}, nil
}

func (f *fakePaymentGateway) QueryPayment(ctx context.Context, orderReference string) (*clickpesa.Payment, error) {
	return &clickpesa.Payment{
		ID:             "cp-" + orderReference,
		Status:         f.status,
		OrderReference: orderReference,
	}, nil
}

type fakePayoutGateway struct {
	status    string
	createErr error
}

func (f *fakePayoutGateway) PreviewPayout(ctx context.Context, req clickpesa.PayoutRequest) (*clickpesa.PayoutPreview, error) {
	return &clickpesa.PayoutPreview{Amount: clickpesa.Decimal(req.Amount), Fee: "0.00"}, nil
}

func (f *fakePayoutGateway) CreatePayout(ctx context.Context, req clickpesa.PayoutRequest) (*clickpesa.Payout, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &clickpesa.Payout{
		ID:             "cp-" + req.OrderReference,
		OrderReference: req.OrderReference,
		Status:         clickpesa.PayoutAuthorized,
		Amount:         clickpesa.Decimal(req.Amount),
		Currency:       req.Currency,
	}, nil
}

func (f *fakePayoutGateway) QueryPayout(ctx context.Context, orderReference string) (*clickpesa.Payout, error) {
	return &clickpesa.Payout{
		ID:             "cp-" + orderReference,
		OrderReference: orderReference,
		Status:         f.status,
	}, nil
}

type fixture struct {
	svc       *Service
	ledger    *ledger.Service
	escrow    *escrow.Service
	payments  *payments.Service
	payouts   *payouts.Service
	payGW     *fakePaymentGateway
	payoutGW  *fakePayoutGateway
	escrowSto *escrow.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemory()

	ledgerStore := ledger.NewMemoryStore()
	db.Register(ledgerStore)
	led := ledger.New(ledgerStore, db, "TZS")

	escrowStore := escrow.NewMemoryStore()
	db.Register(escrowStore)
	esc := escrow.New(escrowStore, db, led, escrow.NewResolverRegistry())

	payGW := &fakePaymentGateway{}
	payStore := payments.NewMemoryStore()
	db.Register(payStore)
	pay := payments.New(payStore, db, payGW, bus.New[payments.StatusChanged]())

	payoutGW := &fakePayoutGateway{}
	payoutStore := payouts.NewMemoryStore()
	db.Register(payoutStore)
	po := payouts.New(payoutStore, db, payoutGW, bus.New[payouts.StatusChanged]())

	svc := New(led, esc, pay, po, Config{
		FeePercent:       "2.5",
		AutoReleaseAfter: 7 * 24 * time.Hour,
		Currency:         "TZS",
	})
	svc.Register()

	return &fixture{
		svc: svc, ledger: led, escrow: esc, payments: pay, payouts: po,
		payGW: payGW, payoutGW: payoutGW, escrowSto: escrowStore,
	}
}

func TestPaymentSuccessEscrowsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.payments.Create(ctx, payments.CreateRequest{
		Amount:         "10000.00",
		Currency:       "TZS",
		OrderReference: "ORD-1",
		PhoneNumber:    "255712345678",
		Metadata:       map[string]string{MetaOwnerType: "order", MetaOwnerID: "order-77"},
	})
	require.NoError(t, err)

	f.payGW.status = clickpesa.PaymentSuccess
	_, err = f.payments.RefreshStatus(ctx, "ORD-1")
	require.NoError(t, err)

	hold, err := f.escrow.GetByOwner(ctx, "order", "order-77")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, hold.Status)
	require.Equal(t, "10000.00", hold.Amount)
	require.Equal(t, "250.00", hold.PlatformFee)
	require.Equal(t, "9750.00", hold.SellerReceives)
	require.NotNil(t, hold.AutoReleaseAt)

	// Replayed transition settles idempotently: refresh is a no-op on
	// a terminal payment, and a duplicate event returns the same hold.
	require.NoError(t, f.svc.HandlePayment(ctx, payments.StatusChanged{
		Payment:   mustGetPayment(t, f, "ORD-1"),
		OldStatus: clickpesa.PaymentProcessing,
		NewStatus: clickpesa.PaymentSuccess,
	}))
	again, err := f.escrow.GetByOwner(ctx, "order", "order-77")
	require.NoError(t, err)
	require.Equal(t, hold.ID, again.ID)
}

func TestPaymentWithoutOwnerEscrowsByPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.payments.Create(ctx, payments.CreateRequest{
		Amount:         "5000.00",
		Currency:       "TZS",
		OrderReference: "ORD-2",
		PhoneNumber:    "255712345678",
	})
	require.NoError(t, err)

	f.payGW.status = clickpesa.PaymentSettled
	p, err := f.payments.RefreshStatus(ctx, "ORD-2")
	require.NoError(t, err)

	hold, err := f.escrow.GetByOwner(ctx, OwnerPayment, p.OrderReference)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, hold.Status)
}

func TestAutoReleasePaysPaymentAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Backdate settlement so the hold is immediately auto-releasable.
	f.svc.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }

	_, err := f.payments.Create(ctx, payments.CreateRequest{
		Amount:         "10000.00",
		Currency:       "TZS",
		OrderReference: "ORD-ar",
		PhoneNumber:    "255712345678",
		AccountID:      "seller-1",
	})
	require.NoError(t, err)

	f.payGW.status = clickpesa.PaymentSuccess
	p, err := f.payments.RefreshStatus(ctx, "ORD-ar")
	require.NoError(t, err)

	released, err := f.escrow.ReconcileAutoReleases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	hold, err := f.escrow.GetByOwner(ctx, OwnerPayment, p.OrderReference)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, hold.Status)

	w, err := f.ledger.Balance(ctx, "seller-1")
	require.NoError(t, err)
	require.Equal(t, hold.SellerReceives, w.Balance)
}

func TestWalletDepositCreditsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.InitiateDeposit(ctx, "acct-1", "20000.00", "0712345678")
	require.NoError(t, err)
	require.Equal(t, TxnWalletDeposit, p.Metadata[MetaTransactionType])

	f.payGW.status = clickpesa.PaymentSuccess
	_, err = f.payments.RefreshStatus(ctx, p.OrderReference)
	require.NoError(t, err)

	w, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "20000.00", w.Balance)
	require.Equal(t, "20000.00", w.TotalEarned)

	// No escrow hold for wallet deposits.
	_, err = f.escrow.GetByOwner(ctx, OwnerPayment, p.OrderReference)
	require.ErrorIs(t, err, escrow.ErrHoldNotFound)
}

func TestPaymentFailureMovesNoMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.InitiateDeposit(ctx, "acct-1", "20000.00", "0712345678")
	require.NoError(t, err)

	f.payGW.status = clickpesa.PaymentFailed
	_, err = f.payments.RefreshStatus(ctx, p.OrderReference)
	require.NoError(t, err)

	_, err = f.ledger.Balance(ctx, "acct-1")
	require.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func fund(t *testing.T, f *fixture, accountID, amount string) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), ledger.DepositRequest{
		AccountID: accountID,
		Amount:    amount,
	})
	require.NoError(t, err)
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fund(t, f, "acct-1", "50000.00")

	p, err := f.svc.InitiateWithdrawal(ctx, "acct-1", "30000.00", "0712345678")
	require.NoError(t, err)

	// Debited up front, pending settlement.
	w, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "20000.00", w.Balance)
	require.Equal(t, "0.00", w.TotalSpent)

	f.payoutGW.status = clickpesa.PayoutSuccess
	_, err = f.payouts.RefreshStatus(ctx, p.OrderReference)
	require.NoError(t, err)

	w, err = f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "20000.00", w.Balance)
	require.Equal(t, "30000.00", w.TotalSpent)
}

func TestWithdrawalFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fund(t, f, "acct-1", "50000.00")

	p, err := f.svc.InitiateWithdrawal(ctx, "acct-1", "30000.00", "0712345678")
	require.NoError(t, err)

	f.payoutGW.status = clickpesa.PayoutFailed
	_, err = f.payouts.RefreshStatus(ctx, p.OrderReference)
	require.NoError(t, err)

	w, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "50000.00", w.Balance)
	require.Equal(t, "0.00", w.TotalSpent)
}

func TestWithdrawalReversedAfterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fund(t, f, "acct-1", "50000.00")

	p, err := f.svc.InitiateWithdrawal(ctx, "acct-1", "30000.00", "0712345678")
	require.NoError(t, err)

	f.payoutGW.status = clickpesa.PayoutSuccess
	_, err = f.payouts.RefreshStatus(ctx, p.OrderReference)
	require.NoError(t, err)

	// The gateway later claws the disbursement back.
	require.NoError(t, f.svc.HandlePayout(ctx, payouts.StatusChanged{
		Payout:    mustGetPayout(t, f, p.OrderReference),
		OldStatus: clickpesa.PayoutSuccess,
		NewStatus: clickpesa.PayoutReversed,
	}))

	w, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "50000.00", w.Balance)
	require.Equal(t, "0.00", w.TotalSpent)
}

func TestWithdrawalCreateFailureCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fund(t, f, "acct-1", "50000.00")

	f.payoutGW.createErr = &clickpesa.APIError{StatusCode: 503, Message: "unavailable"}
	_, err := f.svc.InitiateWithdrawal(ctx, "acct-1", "30000.00", "0712345678")
	require.Error(t, err)

	w, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "50000.00", w.Balance)
}

func TestWithdrawalInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fund(t, f, "acct-1", "1000.00")

	_, err := f.svc.InitiateWithdrawal(ctx, "acct-1", "30000.00", "0712345678")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestUnlinkedPayoutSettlesAsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Payout created directly, no wallet withdrawal behind it.
	p, err := f.payouts.Create(ctx, payouts.CreateRequest{
		Amount:         "5000.00",
		Currency:       "TZS",
		OrderReference: "PO-direct",
		PhoneNumber:    "255712345678",
	})
	require.NoError(t, err)

	f.payoutGW.status = clickpesa.PayoutSuccess
	_, err = f.payouts.RefreshStatus(ctx, p.OrderReference)
	require.NoError(t, err)
}

func mustGetPayment(t *testing.T, f *fixture, ref string) *payments.Payment {
	t.Helper()
	p, err := f.payments.Get(context.Background(), ref)
	require.NoError(t, err)
	return p
}

func mustGetPayout(t *testing.T, f *fixture, ref string) *payouts.Payout {
	t.Helper()
	p, err := f.payouts.Get(context.Background(), ref)
	require.NoError(t, err)
	return p
}
