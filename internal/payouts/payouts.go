// Package payouts tracks mobile money disbursements against the
// gateway. Structured like the payments package: the gateway is the
// source of truth for status, and every transition flows through
// RefreshStatus under a row lock.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pochipay/pochi/internal/bus"
	"github.com/pochipay/pochi/internal/clickpesa"
	"github.com/pochipay/pochi/internal/database"
	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/metrics"
)

var (
	ErrNotFound           = errors.New("payout not found")
	ErrDuplicateReference = errors.New("order reference already used")
)

// Terminal reports whether a payout status is final. AUTHORIZED is
// still in flight: the gateway has accepted the order but not yet
// disbursed.
func Terminal(status string) bool {
	switch status {
	case clickpesa.PayoutSuccess, clickpesa.PayoutFailed,
		clickpesa.PayoutReversed, clickpesa.PayoutRefunded:
		return true
	}
	return false
}

// Succeeded reports whether a terminal status means money reached the
// beneficiary.
func Succeeded(status string) bool {
	return status == clickpesa.PayoutSuccess
}

// Payout is the local record of a disbursement.
type Payout struct {
	ID              string `json:"id"` // gateway transaction ID
	OrderReference  string `json:"orderReference"`
	Status          string `json:"status"`
	Channel         string `json:"channel,omitempty"`
	ChannelProvider string `json:"channelProvider,omitempty"`
	TransferType    string `json:"transferType,omitempty"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Fee             string `json:"fee,omitempty"`
	// BeneficiaryAmount is what the receiver actually gets after fees
	// and any currency conversion.
	BeneficiaryAmount string `json:"beneficiaryAmount,omitempty"`

	Exchanged      bool   `json:"exchanged,omitempty"`
	SourceCurrency string `json:"sourceCurrency,omitempty"`
	TargetCurrency string `json:"targetCurrency,omitempty"`
	SourceAmount   string `json:"sourceAmount,omitempty"`
	ExchangeRate   string `json:"exchangeRate,omitempty"`

	BeneficiaryAccountNumber string `json:"beneficiaryAccountNumber,omitempty"`
	BeneficiaryAccountName   string `json:"beneficiaryAccountName,omitempty"`
	BeneficiaryMobileNumber  string `json:"beneficiaryMobileNumber,omitempty"`

	Notes       string     `json:"notes,omitempty"`
	AccountID   string     `json:"accountId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StatusChanged is published inside the transaction that records a
// payout transition.
type StatusChanged struct {
	Payout    *Payout
	OldStatus string
	NewStatus string
	Created   bool
}

// Store persists payout records.
type Store interface {
	Get(ctx context.Context, orderReference string) (*Payout, error)
	GetForUpdate(ctx context.Context, orderReference string) (*Payout, error)
	Insert(ctx context.Context, p *Payout) error
	Update(ctx context.Context, p *Payout) error
	// ListInFlight returns payouts in a non-terminal status, oldest
	// first.
	ListInFlight(ctx context.Context, limit int) ([]*Payout, error)
}

// Gateway is the slice of the ClickPesa client this service uses.
type Gateway interface {
	PreviewPayout(ctx context.Context, req clickpesa.PayoutRequest) (*clickpesa.PayoutPreview, error)
	CreatePayout(ctx context.Context, req clickpesa.PayoutRequest) (*clickpesa.Payout, error)
	QueryPayout(ctx context.Context, orderReference string) (*clickpesa.Payout, error)
}

// CreateRequest initiates a disbursement.
type CreateRequest struct {
	Amount         string
	Currency       string
	OrderReference string
	PhoneNumber    string
	Channel        string
	AccountID      string
	// SkipPreview creates without the fee/viability preview.
	SkipPreview bool
}

// Service owns payout records and their state machine.
type Service struct {
	store   Store
	db      database.DB
	gateway Gateway
	events  *bus.Bus[StatusChanged]
	now     func() time.Time
}

// New creates the payouts service.
func New(store Store, db database.DB, gateway Gateway, events *bus.Bus[StatusChanged]) *Service {
	return &Service{store: store, db: db, gateway: gateway, events: events, now: time.Now}
}

// Events exposes the status-change bus for subscriber registration.
func (s *Service) Events() *bus.Bus[StatusChanged] { return s.events }

// Create previews and initiates a mobile money payout. The preview
// surfaces the fee and total deduction before any money moves; its
// failure aborts the create.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payout, error) {
	if _, err := s.store.Get(ctx, req.OrderReference); err == nil {
		return nil, ErrDuplicateReference
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	gwReq := clickpesa.PayoutRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		OrderReference: req.OrderReference,
		PhoneNumber:    req.PhoneNumber,
		Channel:        req.Channel,
	}

	if !req.SkipPreview {
		preview, err := s.gateway.PreviewPayout(ctx, gwReq)
		if err != nil {
			return nil, fmt.Errorf("preview payout: %w", err)
		}
		logging.L(ctx).Info("payout previewed",
			"reference", req.OrderReference,
			"amount", req.Amount,
			"fee", preview.Fee.String(),
			"total", preview.Amount.String(),
			"provider", preview.ChannelProvider)
	}

	gw, err := s.gateway.CreatePayout(ctx, gwReq)
	if err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}

	now := s.now()
	p := &Payout{
		ID:                       gw.ID,
		OrderReference:           gw.OrderReference,
		Status:                   gw.Status,
		Channel:                  gw.Channel,
		ChannelProvider:          gw.ChannelProvider,
		Amount:                   gw.Amount.String(),
		Currency:                 gw.Currency,
		Fee:                      gw.Fee.String(),
		BeneficiaryAccountNumber: req.PhoneNumber,
		AccountID:                req.AccountID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if p.OrderReference == "" {
		p.OrderReference = req.OrderReference
	}
	if p.Status == "" {
		p.Status = clickpesa.PayoutProcessing
	}
	if p.Amount == "" {
		p.Amount = req.Amount
	}
	if p.Currency == "" {
		p.Currency = req.Currency
	}
	applyExchange(p, gw)
	applyBeneficiary(p, gw)

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, p); err != nil {
			return err
		}
		metrics.PayoutsTotal.WithLabelValues(p.Status).Inc()
		return s.events.Publish(ctx, StatusChanged{
			Payout:    p,
			NewStatus: p.Status,
			Created:   true,
		})
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("payout created",
		"reference", p.OrderReference, "id", p.ID,
		"amount", p.Amount, "status", p.Status)
	return p, nil
}

// RefreshStatus reconciles the local record with the gateway, with the
// same lock-and-recheck discipline as payments.RefreshStatus.
func (s *Service) RefreshStatus(ctx context.Context, orderReference string) (*Payout, error) {
	p, err := s.store.Get(ctx, orderReference)
	if err != nil {
		return nil, err
	}
	if Terminal(p.Status) {
		return p, nil
	}

	gw, err := s.gateway.QueryPayout(ctx, orderReference)
	if err != nil {
		return nil, fmt.Errorf("query payout %s: %w", orderReference, err)
	}

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		p, err = s.store.GetForUpdate(ctx, orderReference)
		if err != nil {
			return err
		}
		if Terminal(p.Status) {
			return nil
		}

		old := p.Status
		applyGatewayFields(p, gw)
		p.UpdatedAt = s.now()
		if Terminal(p.Status) && p.CompletedAt == nil {
			done := p.UpdatedAt
			p.CompletedAt = &done
		}
		if err := s.store.Update(ctx, p); err != nil {
			return err
		}

		if p.Status == old {
			return nil
		}

		metrics.PayoutsTotal.WithLabelValues(p.Status).Inc()
		logging.L(ctx).Info("payout status changed",
			"reference", p.OrderReference, "from", old, "to", p.Status)
		return s.events.Publish(ctx, StatusChanged{
			Payout:    p,
			OldStatus: old,
			NewStatus: p.Status,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the local record for an order reference.
func (s *Service) Get(ctx context.Context, orderReference string) (*Payout, error) {
	return s.store.Get(ctx, orderReference)
}

// ListInFlight returns payouts awaiting a terminal status.
func (s *Service) ListInFlight(ctx context.Context, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListInFlight(ctx, limit)
}

func applyGatewayFields(p *Payout, gw *clickpesa.Payout) {
	p.Status = gw.Status
	if gw.Channel != "" {
		p.Channel = gw.Channel
	}
	if gw.ChannelProvider != "" {
		p.ChannelProvider = gw.ChannelProvider
	}
	if gw.TransferType != "" {
		p.TransferType = gw.TransferType
	}
	if gw.Fee != "" {
		p.Fee = gw.Fee.String()
	}
	if gw.Notes != "" {
		p.Notes = gw.Notes
	}
	applyExchange(p, gw)
	applyBeneficiary(p, gw)
}

func applyExchange(p *Payout, gw *clickpesa.Payout) {
	if !gw.Exchanged || gw.Exchange == nil {
		return
	}
	p.Exchanged = true
	p.SourceCurrency = gw.Exchange.SourceCurrency
	p.TargetCurrency = gw.Exchange.TargetCurrency
	p.SourceAmount = gw.Exchange.SourceAmount.String()
	p.ExchangeRate = gw.Exchange.Rate.String()
}

func applyBeneficiary(p *Payout, gw *clickpesa.Payout) {
	b := gw.Beneficiary
	if b == nil {
		return
	}
	if b.Amount != "" {
		p.BeneficiaryAmount = b.Amount.String()
	}
	if b.AccountNumber != "" {
		p.BeneficiaryAccountNumber = b.AccountNumber
	}
	if b.AccountName != "" {
		p.BeneficiaryAccountName = b.AccountName
	}
	if b.MobileNumber != "" {
		p.BeneficiaryMobileNumber = b.MobileNumber
	}
}
