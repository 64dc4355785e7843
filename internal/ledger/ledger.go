// Package ledger tracks wallet balances as an append-only journal.
//
// Flow:
//  1. A collection settles (or an escrow releases) and credits a wallet
//  2. The owner withdraws: the balance is debited up front, the entry
//     stays PENDING until the payout confirms
//  3. Failed or reversed payouts are compensated with explicit REFUND
//     credits, never by mutating history
//
// Invariant: a wallet's balance equals the signed sum of all its
// journal entries. Every entry applies its balance effect exactly once
// at creation; status transitions never move the balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/idgen"
	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/metrics"
	"github.com/pochipay/pochi/internal/money"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("reference already used")
	ErrInvalidState        = errors.New("invalid entry state for transition")
	ErrWalletInactive      = errors.New("wallet is deactivated")
)

// Entry types. The sign of the balance effect follows from the type.
const (
	TypeDeposit       = "DEPOSIT"
	TypeWithdrawal    = "WITHDRAWAL"
	TypeEscrowHold    = "ESCROW_HOLD"
	TypeEscrowRelease = "ESCROW_RELEASE"
	TypeRefund        = "REFUND"
	TypeFee           = "FEE"
	TypeCommission    = "COMMISSION"
)

// Entry statuses.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusReversed  = "REVERSED"
)

// Inbound reports whether the entry type credits the wallet.
func Inbound(entryType string) bool {
	switch entryType {
	case TypeDeposit, TypeEscrowRelease, TypeRefund:
		return true
	}
	return false
}

// Wallet is a per-account balance. Created lazily on first use and
// deactivated rather than deleted.
type Wallet struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	Balance        string    `json:"balance"`
	Currency       string    `json:"currency"`
	TotalEarned    string    `json:"totalEarned"`
	TotalSpent     string    `json:"totalSpent"`
	Active         bool      `json:"active"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Entry is one journal line. Amount is always positive; the direction
// comes from the type.
type Entry struct {
	ID            string     `json:"id"`
	WalletID      string     `json:"walletId"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Reference     string     `json:"reference"`
	Description   string     `json:"description,omitempty"`
	BalanceBefore string     `json:"balanceBefore"`
	BalanceAfter  string     `json:"balanceAfter"`
	PaymentID     string     `json:"paymentId,omitempty"`
	PayoutID      string     `json:"payoutId,omitempty"`
	OwnerType     string     `json:"ownerType,omitempty"`
	OwnerID       string     `json:"ownerId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Effect returns the entry's signed balance effect in minor units.
func (e *Entry) Effect() string {
	if Inbound(e.Type) {
		return e.Amount
	}
	return "-" + e.Amount
}

// Store persists wallets and journal entries. Implementations must
// honor the transaction carried in the context (see database.DB).
type Store interface {
	GetWallet(ctx context.Context, walletID string) (*Wallet, error)
	// GetWalletByAccount returns ErrWalletNotFound when absent.
	GetWalletByAccount(ctx context.Context, accountID string) (*Wallet, error)
	// GetWalletByAccountForUpdate additionally locks the wallet row
	// for the duration of the enclosing transaction.
	GetWalletByAccountForUpdate(ctx context.Context, accountID string) (*Wallet, error)
	CreateWallet(ctx context.Context, w *Wallet) error
	UpdateWallet(ctx context.Context, w *Wallet) error

	InsertEntry(ctx context.Context, e *Entry) error
	UpdateEntry(ctx context.Context, e *Entry) error
	GetEntryByReference(ctx context.Context, reference string) (*Entry, error)
	GetEntryByPayout(ctx context.Context, payoutID string) (*Entry, error)
	ListEntries(ctx context.Context, walletID string, limit int) ([]*Entry, error)
	// SumEntries returns the signed sum of all entries for the wallet.
	SumEntries(ctx context.Context, walletID string) (string, error)
}

// DepositRequest credits a wallet.
type DepositRequest struct {
	AccountID   string
	Amount      string
	Type        string // defaults to DEPOSIT; must be an inbound type
	Reference   string // auto-generated when empty
	Description string
	PaymentID   string
	OwnerType   string
	OwnerID     string
}

// WithdrawRequest debits a wallet.
type WithdrawRequest struct {
	AccountID   string
	Amount      string
	Type        string // defaults to WITHDRAWAL
	Reference   string
	Description string
	PayoutID    string // when set, the entry stays PENDING until the payout settles
	OwnerType   string
	OwnerID     string
}

// Service is the wallet ledger.
type Service struct {
	store    Store
	db       database.DB
	currency string
	now      func() time.Time
}

// New creates the ledger service. currency is the default wallet
// currency for lazily-created wallets.
func New(store Store, db database.DB, currency string) *Service {
	return &Service{store: store, db: db, currency: currency, now: time.Now}
}

// GetOrCreateWallet returns the wallet for accountID, creating it with
// a zero balance on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, accountID string) (*Wallet, error) {
	var wallet *Wallet
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		var err error
		wallet, err = s.getOrCreateLocked(ctx, accountID)
		return err
	})
	return wallet, err
}

func (s *Service) getOrCreateLocked(ctx context.Context, accountID string) (*Wallet, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrWalletNotFound)
	}

	w, err := s.store.GetWalletByAccountForUpdate(ctx, accountID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	now := s.now()
	w = &Wallet{
		ID:             idgen.WithPrefix("wal"),
		AccountID:      accountID,
		Balance:        "0.00",
		Currency:       s.currency,
		TotalEarned:    "0.00",
		TotalSpent:     "0.00",
		Active:         true,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("wallet created", "wallet_id", w.ID, "account_id", accountID)
	return w, nil
}

// Deposit credits a wallet with a COMPLETED entry. Reference
// idempotency: replaying the same reference with the same wallet,
// amount and type returns the original entry; any other reuse is
// ErrDuplicateReference.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*Entry, error) {
	if req.Type == "" {
		req.Type = TypeDeposit
	}
	if !Inbound(req.Type) {
		return nil, fmt.Errorf("%w: %s is not an inbound type", ErrInvalidAmount, req.Type)
	}
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	var entry *Entry
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		wallet, err := s.getOrCreateLocked(ctx, req.AccountID)
		if err != nil {
			return err
		}

		if existing, err := s.checkReference(ctx, req.Reference, wallet.ID, req.Amount, req.Type); err != nil {
			return err
		} else if existing != nil {
			entry = existing
			return nil
		}

		now := s.now()
		completed := now
		entry = &Entry{
			ID:            idgen.WithPrefix("led"),
			WalletID:      wallet.ID,
			Type:          req.Type,
			Status:        StatusCompleted,
			Amount:        req.Amount,
			Currency:      wallet.Currency,
			Reference:     orGenerated(req.Reference),
			Description:   req.Description,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  money.Add(wallet.Balance, req.Amount),
			PaymentID:     req.PaymentID,
			OwnerType:     req.OwnerType,
			OwnerID:       req.OwnerID,
			CreatedAt:     now,
			CompletedAt:   &completed,
		}
		if err := s.store.InsertEntry(ctx, entry); err != nil {
			return err
		}

		wallet.Balance = entry.BalanceAfter
		wallet.TotalEarned = money.Add(wallet.TotalEarned, req.Amount)
		wallet.LastActivityAt = now
		wallet.UpdatedAt = now
		if err := s.store.UpdateWallet(ctx, wallet); err != nil {
			return err
		}

		metrics.LedgerEntriesTotal.WithLabelValues(req.Type).Inc()
		logging.L(ctx).Info("wallet credited",
			"wallet_id", wallet.ID, "type", req.Type,
			"amount", req.Amount, "balance", wallet.Balance)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Withdraw debits a wallet. The balance moves immediately (optimistic
// debit); the entry is PENDING while a linked payout is in flight and
// COMPLETED otherwise. TotalSpent counts confirmed spend only, so a
// payout-linked WITHDRAWAL adds to it at completion, not here.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*Entry, error) {
	if req.Type == "" {
		req.Type = TypeWithdrawal
	}
	if Inbound(req.Type) {
		return nil, fmt.Errorf("%w: %s is not a debit type", ErrInvalidAmount, req.Type)
	}
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	var entry *Entry
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		wallet, err := s.getOrCreateLocked(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if !wallet.Active {
			return ErrWalletInactive
		}

		if existing, err := s.checkReference(ctx, req.Reference, wallet.ID, req.Amount, req.Type); err != nil {
			return err
		} else if existing != nil {
			entry = existing
			return nil
		}

		if money.Cmp(wallet.Balance, req.Amount) < 0 {
			return ErrInsufficientBalance
		}

		now := s.now()
		entry = &Entry{
			ID:            idgen.WithPrefix("led"),
			WalletID:      wallet.ID,
			Type:          req.Type,
			Status:        StatusCompleted,
			Amount:        req.Amount,
			Currency:      wallet.Currency,
			Reference:     orGenerated(req.Reference),
			Description:   req.Description,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  money.Sub(wallet.Balance, req.Amount),
			PayoutID:      req.PayoutID,
			OwnerType:     req.OwnerType,
			OwnerID:       req.OwnerID,
			CreatedAt:     now,
		}
		if req.PayoutID != "" {
			entry.Status = StatusPending
		} else {
			completed := now
			entry.CompletedAt = &completed
		}
		if err := s.store.InsertEntry(ctx, entry); err != nil {
			return err
		}

		wallet.Balance = entry.BalanceAfter
		if entry.Status == StatusCompleted && req.Type != TypeWithdrawal {
			wallet.TotalSpent = money.Add(wallet.TotalSpent, req.Amount)
		}
		wallet.LastActivityAt = now
		wallet.UpdatedAt = now
		if err := s.store.UpdateWallet(ctx, wallet); err != nil {
			return err
		}

		metrics.LedgerEntriesTotal.WithLabelValues(req.Type).Inc()
		logging.L(ctx).Info("wallet debited",
			"wallet_id", wallet.ID, "type", req.Type, "status", entry.Status,
			"amount", req.Amount, "balance", wallet.Balance)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CompleteWithdrawal settles the PENDING entry for a payout after the
// gateway confirms it. The balance was already debited; this marks the
// spend confirmed. Idempotent: an already-COMPLETED entry is a no-op.
func (s *Service) CompleteWithdrawal(ctx context.Context, payoutID string) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		entry, err := s.store.GetEntryByPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if entry.Status == StatusCompleted {
			return nil
		}
		if entry.Status != StatusPending {
			return fmt.Errorf("%w: payout entry is %s", ErrInvalidState, entry.Status)
		}

		wallet, err := s.lockWallet(ctx, entry.WalletID)
		if err != nil {
			return err
		}

		now := s.now()
		entry.Status = StatusCompleted
		entry.CompletedAt = &now
		if err := s.store.UpdateEntry(ctx, entry); err != nil {
			return err
		}

		wallet.TotalSpent = money.Add(wallet.TotalSpent, entry.Amount)
		wallet.LastActivityAt = now
		wallet.UpdatedAt = now
		if err := s.store.UpdateWallet(ctx, wallet); err != nil {
			return err
		}

		logging.L(ctx).Info("withdrawal completed",
			"wallet_id", wallet.ID, "payout_id", payoutID, "amount", entry.Amount)
		return nil
	})
}

// FailWithdrawal marks the PENDING entry for a payout FAILED and
// restores the balance with a compensating REFUND credit. Idempotent
// on an already-FAILED entry.
func (s *Service) FailWithdrawal(ctx context.Context, payoutID, reason string) error {
	return s.transitionWithRefund(ctx, payoutID, StatusPending, StatusFailed, reason)
}

// ReverseWithdrawal compensates a payout that the gateway reversed or
// refunded after it had succeeded: the COMPLETED entry becomes
// REVERSED and the amount comes back as a REFUND credit.
func (s *Service) ReverseWithdrawal(ctx context.Context, payoutID, reason string) error {
	return s.transitionWithRefund(ctx, payoutID, StatusCompleted, StatusReversed, reason)
}

func (s *Service) transitionWithRefund(ctx context.Context, payoutID, from, to, reason string) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		entry, err := s.store.GetEntryByPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if entry.Status == to {
			return nil
		}
		if entry.Status != from {
			return fmt.Errorf("%w: payout entry is %s, want %s", ErrInvalidState, entry.Status, from)
		}

		wallet, err := s.lockWallet(ctx, entry.WalletID)
		if err != nil {
			return err
		}

		now := s.now()
		entry.Status = to
		if reason != "" {
			entry.Description = appendReason(entry.Description, reason)
		}
		if err := s.store.UpdateEntry(ctx, entry); err != nil {
			return err
		}

		// When the spend had already been counted, un-count it.
		if to == StatusReversed {
			wallet.TotalSpent = money.Sub(wallet.TotalSpent, entry.Amount)
		}

		refundAt := now
		refund := &Entry{
			ID:            idgen.WithPrefix("led"),
			WalletID:      wallet.ID,
			Type:          TypeRefund,
			Status:        StatusCompleted,
			Amount:        entry.Amount,
			Currency:      entry.Currency,
			Reference:     "refund_" + payoutID,
			Description:   "refund for payout " + payoutID,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  money.Add(wallet.Balance, entry.Amount),
			PayoutID:      payoutID,
			OwnerType:     entry.OwnerType,
			OwnerID:       entry.OwnerID,
			CreatedAt:     now,
			CompletedAt:   &refundAt,
		}
		if err := s.store.InsertEntry(ctx, refund); err != nil {
			return err
		}

		wallet.Balance = refund.BalanceAfter
		wallet.TotalEarned = money.Add(wallet.TotalEarned, entry.Amount)
		wallet.LastActivityAt = now
		wallet.UpdatedAt = now
		if err := s.store.UpdateWallet(ctx, wallet); err != nil {
			return err
		}

		metrics.LedgerEntriesTotal.WithLabelValues(TypeRefund).Inc()
		logging.L(ctx).Info("withdrawal compensated",
			"wallet_id", wallet.ID, "payout_id", payoutID,
			"entry_status", to, "amount", entry.Amount, "balance", wallet.Balance)
		return nil
	})
}

// Balance returns the wallet for accountID.
func (s *Service) Balance(ctx context.Context, accountID string) (*Wallet, error) {
	return s.store.GetWalletByAccount(ctx, accountID)
}

// Entries returns the most recent journal entries for a wallet.
func (s *Service) Entries(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListEntries(ctx, walletID, limit)
}

// VerifyBalance recomputes the signed entry sum and compares it to the
// stored balance. Returns the drift ("0.00" when consistent).
func (s *Service) VerifyBalance(ctx context.Context, walletID string) (string, error) {
	wallet, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return "", err
	}
	sum, err := s.store.SumEntries(ctx, walletID)
	if err != nil {
		return "", err
	}
	drift := money.Sub(wallet.Balance, sum)
	if money.Cmp(drift, "0.00") != 0 {
		logging.L(ctx).Error("wallet balance drift detected",
			"wallet_id", walletID, "balance", wallet.Balance, "entry_sum", sum, "drift", drift)
	}
	return drift, nil
}

// EscrowRelease credits the beneficiary when an escrow hold releases.
// Satisfies the escrow engine's Depositor interface.
func (s *Service) EscrowRelease(ctx context.Context, accountID, amount, reference, ownerType, ownerID string) error {
	_, err := s.Deposit(ctx, DepositRequest{
		AccountID:   accountID,
		Amount:      amount,
		Type:        TypeEscrowRelease,
		Reference:   reference,
		Description: "escrow release",
		OwnerType:   ownerType,
		OwnerID:     ownerID,
	})
	return err
}

// EscrowRefund returns held funds to the payer when an escrow hold is
// refunded.
func (s *Service) EscrowRefund(ctx context.Context, accountID, amount, reference, ownerType, ownerID string) error {
	_, err := s.Deposit(ctx, DepositRequest{
		AccountID:   accountID,
		Amount:      amount,
		Type:        TypeRefund,
		Reference:   reference,
		Description: "escrow refund",
		OwnerType:   ownerType,
		OwnerID:     ownerID,
	})
	return err
}

// checkReference implements reference idempotency. Returns the
// existing entry for an exact replay, nil when the reference is free,
// and ErrDuplicateReference for a conflicting reuse.
func (s *Service) checkReference(ctx context.Context, reference, walletID, amount, entryType string) (*Entry, error) {
	if reference == "" {
		return nil, nil
	}
	existing, err := s.store.GetEntryByReference(ctx, reference)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.WalletID == walletID &&
		existing.Type == entryType &&
		money.Cmp(existing.Amount, amount) == 0 {
		return existing, nil
	}
	return nil, ErrDuplicateReference
}

func (s *Service) lockWallet(ctx context.Context, walletID string) (*Wallet, error) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	// Re-read through the account index with a row lock.
	return s.store.GetWalletByAccountForUpdate(ctx, w.AccountID)
}

func orGenerated(reference string) string {
	if reference != "" {
		return reference
	}
	return "led-ref-" + idgen.Hex(8)
}

func appendReason(desc, reason string) string {
	if desc == "" {
		return reason
	}
	return desc + "; " + reason
}
