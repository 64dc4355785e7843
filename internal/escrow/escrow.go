// Package escrow holds settled collections until a release condition
// is met.
//
// A hold freezes the split at creation: the platform fee and the
// seller's share never change after that, whatever the fee
// configuration does later. Held funds live outside any wallet; the
// beneficiary's wallet is only credited at release, through the
// Depositor interface, in the same transaction as the status flip.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/idgen"
	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/metrics"
	"github.com/pochipay/pochi/internal/money"
)

var (
	ErrHoldNotFound    = errors.New("escrow hold not found")
	ErrInvalidState    = errors.New("escrow hold is not in a releasable state")
	ErrInvalidAmount   = errors.New("invalid escrow amount")
	ErrFeeExceedsTotal = errors.New("platform fee exceeds held amount")
	ErrNoResolver      = errors.New("no beneficiary resolver for owner type")
)

// Hold statuses.
const (
	StatusHeld     = "HELD"
	StatusReleased = "RELEASED"
	StatusRefunded = "REFUNDED"
	StatusDisputed = "DISPUTED"
)

// Release triggers.
const (
	TriggerManual = "MANUAL"
	TriggerAuto   = "AUTO_RELEASE"
)

// Hold is money frozen between collection and settlement.
type Hold struct {
	ID             string     `json:"id"`
	OwnerType      string     `json:"ownerType"`
	OwnerID        string     `json:"ownerId"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	PlatformFee    string     `json:"platformFee"`
	SellerReceives string     `json:"sellerReceives"`
	Status         string     `json:"status"`
	ReleaseTrigger string     `json:"releaseTrigger,omitempty"`
	DisputeReason  string     `json:"disputeReason,omitempty"`
	AutoReleaseAt  *time.Time `json:"autoReleaseAt,omitempty"`
	HeldAt         time.Time  `json:"heldAt"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
}

// Store persists escrow holds. Implementations honor the transaction
// carried in the context.
type Store interface {
	Get(ctx context.Context, id string) (*Hold, error)
	GetForUpdate(ctx context.Context, id string) (*Hold, error)
	// GetByOwner returns ErrHoldNotFound when no hold exists for the
	// (ownerType, ownerID) pair.
	GetByOwner(ctx context.Context, ownerType, ownerID string) (*Hold, error)
	Create(ctx context.Context, h *Hold) error
	Update(ctx context.Context, h *Hold) error
	// ListAutoReleasable returns HELD holds whose AutoReleaseAt has
	// passed.
	ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Hold, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*Hold, error)
}

// Depositor credits wallets when holds resolve. Implemented by the
// wallet ledger; escrow never imports it.
type Depositor interface {
	EscrowRelease(ctx context.Context, accountID, amount, reference, ownerType, ownerID string) error
	EscrowRefund(ctx context.Context, accountID, amount, reference, ownerType, ownerID string) error
}

// BeneficiaryResolver maps a hold's owner to the account that should
// receive the funds on auto-release.
type BeneficiaryResolver interface {
	ResolveBeneficiary(ctx context.Context, ownerType, ownerID string) (accountID string, err error)
}

// ResolverRegistry dispatches beneficiary resolution by owner type.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]BeneficiaryResolver
}

// NewResolverRegistry creates an empty registry.
func NewResolverRegistry() *ResolverRegistry {
	return &ResolverRegistry{resolvers: make(map[string]BeneficiaryResolver)}
}

// Register binds a resolver to an owner type. Later registrations for
// the same type win; registration happens at startup.
func (r *ResolverRegistry) Register(ownerType string, resolver BeneficiaryResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[ownerType] = resolver
}

// Resolve looks up the beneficiary account for a hold's owner.
func (r *ResolverRegistry) Resolve(ctx context.Context, ownerType, ownerID string) (string, error) {
	r.mu.RLock()
	resolver, ok := r.resolvers[ownerType]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoResolver, ownerType)
	}
	return resolver.ResolveBeneficiary(ctx, ownerType, ownerID)
}

// HoldRequest creates or fetches a hold.
type HoldRequest struct {
	OwnerType     string
	OwnerID       string
	Amount        string
	PlatformFee   string
	Currency      string
	AutoReleaseAt *time.Time
}

// Service is the escrow engine.
type Service struct {
	store     Store
	db        database.DB
	depositor Depositor
	resolvers *ResolverRegistry
	now       func() time.Time
}

// New creates the escrow service.
func New(store Store, db database.DB, depositor Depositor, resolvers *ResolverRegistry) *Service {
	return &Service{
		store:     store,
		db:        db,
		depositor: depositor,
		resolvers: resolvers,
		now:       time.Now,
	}
}

// Resolvers exposes the registry so callers can register owner types
// at startup.
func (s *Service) Resolvers() *ResolverRegistry { return s.resolvers }

// Hold freezes funds for an owner. Get-or-create on the
// (ownerType, ownerID) pair: replaying settlement for the same source
// returns the existing hold instead of double-holding.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Hold, error) {
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if req.PlatformFee == "" {
		req.PlatformFee = "0.00"
	}
	if money.Cmp(req.PlatformFee, req.Amount) > 0 {
		return nil, ErrFeeExceedsTotal
	}

	var hold *Hold
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.store.GetByOwner(ctx, req.OwnerType, req.OwnerID)
		if err == nil {
			hold = existing
			return nil
		}
		if !errors.Is(err, ErrHoldNotFound) {
			return err
		}

		hold = &Hold{
			ID:             idgen.WithPrefix("esc"),
			OwnerType:      req.OwnerType,
			OwnerID:        req.OwnerID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			PlatformFee:    req.PlatformFee,
			SellerReceives: money.Sub(req.Amount, req.PlatformFee),
			Status:         StatusHeld,
			AutoReleaseAt:  req.AutoReleaseAt,
			HeldAt:         s.now(),
		}
		if err := s.store.Create(ctx, hold); err != nil {
			return err
		}

		metrics.EscrowHeldTotal.Inc()
		logging.L(ctx).Info("escrow hold created",
			"hold_id", hold.ID, "owner_type", req.OwnerType, "owner_id", req.OwnerID,
			"amount", hold.Amount, "fee", hold.PlatformFee)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// Release credits the beneficiary with the seller's share and flips
// the hold to RELEASED, atomically. HELD holds release on any trigger;
// DISPUTED holds only on a manual one.
func (s *Service) Release(ctx context.Context, holdID, beneficiaryAccountID, trigger string) (*Hold, error) {
	var hold *Hold
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		var err error
		hold, err = s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if !releasable(hold.Status, trigger) {
			return fmt.Errorf("%w: %s", ErrInvalidState, hold.Status)
		}

		if err := s.depositor.EscrowRelease(ctx, beneficiaryAccountID,
			hold.SellerReceives, "esc_rel_"+hold.ID, hold.OwnerType, hold.OwnerID); err != nil {
			return err
		}

		now := s.now()
		hold.Status = StatusReleased
		hold.ReleaseTrigger = trigger
		hold.ReleasedAt = &now
		if err := s.store.Update(ctx, hold); err != nil {
			return err
		}

		metrics.EscrowReleasedTotal.Inc()
		if trigger == TriggerAuto {
			metrics.EscrowAutoReleasedTotal.Inc()
		}
		metrics.EscrowDuration.Observe(now.Sub(hold.HeldAt).Seconds())
		logging.L(ctx).Info("escrow released",
			"hold_id", hold.ID, "beneficiary", beneficiaryAccountID,
			"amount", hold.SellerReceives, "trigger", trigger)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// Refund returns the full held amount, fee included, to the payer and
// flips the hold to REFUNDED. Manual operation; accepts HELD and
// DISPUTED holds.
func (s *Service) Refund(ctx context.Context, holdID, payerAccountID string) (*Hold, error) {
	var hold *Hold
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		var err error
		hold, err = s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != StatusHeld && hold.Status != StatusDisputed {
			return fmt.Errorf("%w: %s", ErrInvalidState, hold.Status)
		}

		if err := s.depositor.EscrowRefund(ctx, payerAccountID,
			hold.Amount, "esc_ref_"+hold.ID, hold.OwnerType, hold.OwnerID); err != nil {
			return err
		}

		now := s.now()
		hold.Status = StatusRefunded
		hold.ReleasedAt = &now
		if err := s.store.Update(ctx, hold); err != nil {
			return err
		}

		metrics.EscrowRefundedTotal.Inc()
		metrics.EscrowDuration.Observe(now.Sub(hold.HeldAt).Seconds())
		logging.L(ctx).Info("escrow refunded",
			"hold_id", hold.ID, "payer", payerAccountID, "amount", hold.Amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// Dispute flags a HELD hold. Disputed holds are excluded from
// auto-release and resolve only through manual Release or Refund.
func (s *Service) Dispute(ctx context.Context, holdID, reason string) (*Hold, error) {
	var hold *Hold
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		var err error
		hold, err = s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != StatusHeld {
			return fmt.Errorf("%w: %s", ErrInvalidState, hold.Status)
		}

		hold.Status = StatusDisputed
		hold.DisputeReason = reason
		if err := s.store.Update(ctx, hold); err != nil {
			return err
		}

		logging.L(ctx).Info("escrow disputed", "hold_id", hold.ID, "reason", reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// Get returns a hold by ID.
func (s *Service) Get(ctx context.Context, holdID string) (*Hold, error) {
	return s.store.Get(ctx, holdID)
}

// GetByOwner returns the hold for an owning object, or ErrHoldNotFound.
func (s *Service) GetByOwner(ctx context.Context, ownerType, ownerID string) (*Hold, error) {
	return s.store.GetByOwner(ctx, ownerType, ownerID)
}

// ListByStatus returns holds in the given status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status string, limit int) ([]*Hold, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// ReconcileAutoReleases releases every HELD hold whose auto-release
// time has passed, resolving the beneficiary per owner type. A failed
// item is logged and left HELD for the next sweep; one bad hold never
// blocks the rest. Returns the number released.
func (s *Service) ReconcileAutoReleases(ctx context.Context) (int, error) {
	holds, err := s.store.ListAutoReleasable(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, h := range holds {
		accountID, err := s.resolvers.Resolve(ctx, h.OwnerType, h.OwnerID)
		if err != nil {
			logging.L(ctx).Error("auto-release beneficiary resolution failed",
				"hold_id", h.ID, "owner_type", h.OwnerType, "error", err)
			continue
		}
		if _, err := s.Release(ctx, h.ID, accountID, TriggerAuto); err != nil {
			logging.L(ctx).Error("auto-release failed", "hold_id", h.ID, "error", err)
			continue
		}
		released++
	}

	if released > 0 {
		logging.L(ctx).Info("auto-release sweep finished",
			"eligible", len(holds), "released", released)
	}
	return released, nil
}

func releasable(status, trigger string) bool {
	switch status {
	case StatusHeld:
		return true
	case StatusDisputed:
		return trigger == TriggerManual
	}
	return false
}
