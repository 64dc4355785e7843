// Package settlement wires gateway status changes into the wallet
// ledger and escrow engine. It owns no records of its own: it
// subscribes to the payments and payouts buses and moves money as a
// consequence, inside the publisher's transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pochipay/pochi/internal/clickpesa"
	"github.com/pochipay/pochi/internal/escrow"
	"github.com/pochipay/pochi/internal/idgen"
	"github.com/pochipay/pochi/internal/ledger"
	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/money"
	"github.com/pochipay/pochi/internal/payments"
	"github.com/pochipay/pochi/internal/payouts"
)

// Metadata keys understood on payment records.
const (
	MetaTransactionType = "transaction_type"
	MetaOwnerType       = "owner_type"
	MetaOwnerID         = "owner_id"

	// TxnWalletDeposit marks a collection that tops up the payer's own
	// wallet: no escrow, the ledger is credited directly.
	TxnWalletDeposit = "WALLET_DEPOSIT"

	// OwnerPayment is the fallback owner type when a payment carries no
	// owner linkage: the hold is keyed by the payment's order reference
	// and releases to the payment's account.
	OwnerPayment = "payment"
)

// Config carries the settlement policy knobs.
type Config struct {
	// FeePercent is the platform fee percentage taken out of escrowed
	// collections, e.g. "2.5".
	FeePercent string
	// AutoReleaseAfter is how long a hold stays frozen before the
	// reconciler releases it to the beneficiary.
	AutoReleaseAfter time.Duration
	Currency         string
}

// Service connects payment and payout outcomes to wallet movements.
type Service struct {
	ledger   *ledger.Service
	escrow   *escrow.Service
	payments *payments.Service
	payouts  *payouts.Service
	cfg      Config
	now      func() time.Time
}

// New creates the settlement service. Call Register to attach it to
// the event buses.
func New(l *ledger.Service, e *escrow.Service, pay *payments.Service, po *payouts.Service, cfg Config) *Service {
	return &Service{
		ledger:   l,
		escrow:   e,
		payments: pay,
		payouts:  po,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register subscribes the settlement handlers. Handlers run inside the
// publishing transaction: a settlement failure rolls the status change
// back so the next sweep retries the whole transition.
func (s *Service) Register() {
	s.payments.Events().Subscribe(s.HandlePayment)
	s.payouts.Events().Subscribe(s.HandlePayout)
	s.escrow.Resolvers().Register(OwnerPayment, s)
}

// ResolveBeneficiary implements escrow.BeneficiaryResolver for holds
// keyed by a payment: auto-release pays the payment's account.
func (s *Service) ResolveBeneficiary(ctx context.Context, ownerType, ownerID string) (string, error) {
	p, err := s.payments.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if p.AccountID == "" {
		return "", fmt.Errorf("payment %s carries no beneficiary account", ownerID)
	}
	return p.AccountID, nil
}

// HandlePayment settles a successful collection: a WALLET_DEPOSIT
// credits the payer's wallet directly, anything else freezes the funds
// in escrow for the owning object until release.
func (s *Service) HandlePayment(ctx context.Context, e payments.StatusChanged) error {
	if e.Created || !payments.Succeeded(e.NewStatus) {
		return nil
	}
	p := e.Payment

	if p.Metadata[MetaTransactionType] == TxnWalletDeposit {
		return s.settleWalletDeposit(ctx, p)
	}
	return s.settleEscrow(ctx, p)
}

func (s *Service) settleWalletDeposit(ctx context.Context, p *payments.Payment) error {
	if p.AccountID == "" {
		return fmt.Errorf("wallet deposit %s has no account", p.OrderReference)
	}
	_, err := s.ledger.Deposit(ctx, ledger.DepositRequest{
		AccountID:   p.AccountID,
		Amount:      p.CollectedAmount,
		Reference:   "pay_dep_" + p.OrderReference,
		Description: "mobile money deposit",
		PaymentID:   p.ID,
	})
	if err != nil {
		return fmt.Errorf("settle wallet deposit %s: %w", p.OrderReference, err)
	}
	logging.L(ctx).Info("wallet deposit settled",
		"reference", p.OrderReference, "account", p.AccountID, "amount", p.CollectedAmount)
	return nil
}

func (s *Service) settleEscrow(ctx context.Context, p *payments.Payment) error {
	ownerType, ownerID := p.Metadata[MetaOwnerType], p.Metadata[MetaOwnerID]
	if ownerType == "" || ownerID == "" {
		ownerType, ownerID = OwnerPayment, p.OrderReference
	}

	release := s.now().Add(s.cfg.AutoReleaseAfter)
	hold, err := s.escrow.Hold(ctx, escrow.HoldRequest{
		OwnerType:     ownerType,
		OwnerID:       ownerID,
		Amount:        p.CollectedAmount,
		PlatformFee:   money.Percent(p.CollectedAmount, s.cfg.FeePercent),
		Currency:      s.currency(p.CollectedCurrency),
		AutoReleaseAt: &release,
	})
	if err != nil {
		return fmt.Errorf("escrow payment %s: %w", p.OrderReference, err)
	}
	logging.L(ctx).Info("payment escrowed",
		"reference", p.OrderReference, "hold_id", hold.ID,
		"owner_type", ownerType, "owner_id", ownerID,
		"amount", hold.Amount, "seller_receives", hold.SellerReceives)
	return nil
}

// HandlePayout drives the pending withdrawal that backs a payout to
// its ledger outcome. Payouts with no ledger entry (created outside a
// wallet withdrawal) settle as no-ops.
func (s *Service) HandlePayout(ctx context.Context, e payouts.StatusChanged) error {
	if e.Created {
		return nil
	}
	p := e.Payout

	var err error
	switch e.NewStatus {
	case clickpesa.PayoutSuccess:
		err = s.ledger.CompleteWithdrawal(ctx, p.OrderReference)
	case clickpesa.PayoutFailed:
		err = s.ledger.FailWithdrawal(ctx, p.OrderReference, reason(p, "payout failed"))
	case clickpesa.PayoutReversed, clickpesa.PayoutRefunded:
		// Still pending means the money never left: fail it. Already
		// completed means the gateway clawed it back: reverse it.
		err = s.ledger.FailWithdrawal(ctx, p.OrderReference, reason(p, "payout reversed"))
		if errors.Is(err, ledger.ErrInvalidState) {
			err = s.ledger.ReverseWithdrawal(ctx, p.OrderReference, reason(p, "payout reversed"))
		}
	default:
		return nil
	}

	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle payout %s: %w", p.OrderReference, err)
	}
	return nil
}

// InitiateDeposit starts a wallet top-up: a USSD-PUSH collection whose
// success credits the account's wallet directly.
func (s *Service) InitiateDeposit(ctx context.Context, accountID, amount, phone string) (*payments.Payment, error) {
	if accountID == "" {
		return nil, ledger.ErrWalletNotFound
	}
	return s.payments.Create(ctx, payments.CreateRequest{
		Amount:         amount,
		Currency:       s.cfg.Currency,
		OrderReference: "dep_" + idgen.Hex(8),
		PhoneNumber:    phone,
		AccountID:      accountID,
		Metadata:       map[string]string{MetaTransactionType: TxnWalletDeposit},
	})
}

// InitiateWithdrawal debits the wallet first, then asks the gateway to
// disburse. The debit stays PENDING until the payout settles; a create
// failure fails the withdrawal straight away, refunding the hold. The
// ledger links the withdrawal by order reference because the gateway
// ID does not exist until after the create.
func (s *Service) InitiateWithdrawal(ctx context.Context, accountID, amount, phone string) (*payouts.Payout, error) {
	ref := "wd_" + idgen.Hex(8)

	_, err := s.ledger.Withdraw(ctx, ledger.WithdrawRequest{
		AccountID:   accountID,
		Amount:      amount,
		Reference:   "pay_wd_" + ref,
		Description: "mobile money withdrawal",
		PayoutID:    ref,
	})
	if err != nil {
		return nil, err
	}

	p, err := s.payouts.Create(ctx, payouts.CreateRequest{
		Amount:         amount,
		Currency:       s.cfg.Currency,
		OrderReference: ref,
		PhoneNumber:    phone,
		AccountID:      accountID,
	})
	if err != nil {
		if ferr := s.ledger.FailWithdrawal(ctx, ref, "payout create failed"); ferr != nil {
			logging.L(ctx).Error("withdrawal compensation failed",
				"reference", ref, "account", accountID, "error", ferr)
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) currency(c string) string {
	if c != "" {
		return c
	}
	return s.cfg.Currency
}

func reason(p *payouts.Payout, fallback string) string {
	if p.Notes != "" {
		return p.Notes
	}
	return fallback
}
