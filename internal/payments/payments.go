// Package payments tracks USSD-PUSH collections against the gateway.
//
// A payment record mirrors what the gateway reports; this service owns
// the local copy and the status state machine. Status is advanced only
// from a fresh gateway query (webhooks and the reconciler both funnel
// into RefreshStatus), never from unverified webhook payloads.
package payments

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
	ErrNotFound           = errors.New("payment not found")
	ErrDuplicateReference = errors.New("order reference already used")
	ErrNoViableMethod     = errors.New("no available payment method for this request")
)

// Terminal reports whether a payment status is final.
func Terminal(status string) bool {
	switch status {
	case clickpesa.PaymentSuccess, clickpesa.PaymentSettled, clickpesa.PaymentFailed:
		return true
	}
	return false
}

// Succeeded reports whether a terminal status means money was
// collected.
func Succeeded(status string) bool {
	return status == clickpesa.PaymentSuccess || status == clickpesa.PaymentSettled
}

// Payment is the local record of a collection.
type Payment struct {
	ID                string            `json:"id"` // gateway transaction ID
	OrderReference    string            `json:"orderReference"`
	Status            string            `json:"status"`
	Channel           string            `json:"channel,omitempty"`
	ChannelProvider   string            `json:"channelProvider,omitempty"`
	PaymentReference  string            `json:"paymentReference,omitempty"`
	CollectedAmount   string            `json:"collectedAmount"`
	CollectedCurrency string            `json:"collectedCurrency"`
	CustomerName      string            `json:"customerName,omitempty"`
	CustomerPhone     string            `json:"customerPhone,omitempty"`
	CustomerEmail     string            `json:"customerEmail,omitempty"`
	Message           string            `json:"message,omitempty"`
	AccountID         string            `json:"accountId,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
}

// StatusChanged is published inside the transaction that records a
// status transition. Handler errors roll the transition back.
type StatusChanged struct {
	Payment   *Payment
	OldStatus string
	NewStatus string
	Created   bool
}

// Store persists payment records.
type Store interface {
	Get(ctx context.Context, orderReference string) (*Payment, error)
	GetForUpdate(ctx context.Context, orderReference string) (*Payment, error)
	Insert(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment) error
	// ListInFlight returns payments in a non-terminal status, oldest
	// first.
	ListInFlight(ctx context.Context, limit int) ([]*Payment, error)
}

// Gateway is the slice of the ClickPesa client this service uses.
type Gateway interface {
	PreviewPayment(ctx context.Context, req clickpesa.PaymentRequest, fetchSender bool) (*clickpesa.PaymentPreview, error)
	InitiatePayment(ctx context.Context, req clickpesa.PaymentRequest) (*clickpesa.Payment, error)
	QueryPayment(ctx context.Context, orderReference string) (*clickpesa.Payment, error)
}

// CreateRequest initiates a collection.
type CreateRequest struct {
	Amount         string
	Currency       string
	OrderReference string
	PhoneNumber    string
	AccountID      string
	Metadata       map[string]string
	// SkipPreview initiates without the viability check.
	SkipPreview bool
}

// Service owns payment records and their state machine.
type Service struct {
	store   Store
	db      database.DB
	gateway Gateway
	events  *bus.Bus[StatusChanged]
	now     func() time.Time
}

// New creates the payments service.
func New(store Store, db database.DB, gateway Gateway, events *bus.Bus[StatusChanged]) *Service {
	return &Service{store: store, db: db, gateway: gateway, events: events, now: time.Now}
}

// Events exposes the status-change bus for subscriber registration.
func (s *Service) Events() *bus.Bus[StatusChanged] { return s.events }

// Create initiates a USSD-PUSH collection. Unless SkipPreview is set,
// the request is previewed first and rejected with ErrNoViableMethod
// when no channel can collect it, so nothing is initiated that cannot
// succeed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	if _, err := s.store.Get(ctx, req.OrderReference); err == nil {
		return nil, ErrDuplicateReference
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	gwReq := clickpesa.PaymentRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		OrderReference: req.OrderReference,
		PhoneNumber:    req.PhoneNumber,
	}

	if !req.SkipPreview {
		preview, err := s.gateway.PreviewPayment(ctx, gwReq, false)
		if err != nil {
			return nil, fmt.Errorf("preview payment: %w", err)
		}
		if !anyAvailable(preview.ActiveMethods) {
			return nil, ErrNoViableMethod
		}
	}

	gw, err := s.gateway.InitiatePayment(ctx, gwReq)
	if err != nil {
		return nil, fmt.Errorf("initiate payment: %w", err)
	}

	now := s.now()
	p := &Payment{
		ID:                gw.ID,
		OrderReference:    gw.OrderReference,
		Status:            gw.Status,
		Channel:           gw.Channel,
		CollectedAmount:   gw.CollectedAmount.String(),
		CollectedCurrency: gw.CollectedCurrency,
		AccountID:         req.AccountID,
		Metadata:          req.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if p.OrderReference == "" {
		p.OrderReference = req.OrderReference
	}
	if p.CollectedAmount == "" {
		p.CollectedAmount = req.Amount
	}
	if p.CollectedCurrency == "" {
		p.CollectedCurrency = req.Currency
	}

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, p); err != nil {
			return err
		}
		metrics.PaymentsTotal.WithLabelValues(p.Status).Inc()
		return s.events.Publish(ctx, StatusChanged{
			Payment:   p,
			NewStatus: p.Status,
			Created:   true,
		})
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("payment created",
		"reference", p.OrderReference, "id", p.ID,
		"amount", p.CollectedAmount, "status", p.Status)
	return p, nil
}

// RefreshStatus reconciles the local record with the gateway. Terminal
// records are returned untouched. The gateway query runs outside the
// transaction; the row is then re-locked and re-checked so a webhook
// and a reconciler sweep racing on the same payment cannot double-apply
// a transition.
func (s *Service) RefreshStatus(ctx context.Context, orderReference string) (*Payment, error) {
	p, err := s.store.Get(ctx, orderReference)
	if err != nil {
		return nil, err
	}
	if Terminal(p.Status) {
		return p, nil
	}

	gw, err := s.gateway.QueryPayment(ctx, orderReference)
	if err != nil {
		return nil, fmt.Errorf("query payment %s: %w", orderReference, err)
	}

	err = s.db.InTx(ctx, func(ctx context.Context) error {
		p, err = s.store.GetForUpdate(ctx, orderReference)
		if err != nil {
			return err
		}
		if Terminal(p.Status) {
			// Lost the race; the other writer already applied it.
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

		metrics.PaymentsTotal.WithLabelValues(p.Status).Inc()
		logging.L(ctx).Info("payment status changed",
			"reference", p.OrderReference, "from", old, "to", p.Status)
		return s.events.Publish(ctx, StatusChanged{
			Payment:   p,
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
func (s *Service) Get(ctx context.Context, orderReference string) (*Payment, error) {
	return s.store.Get(ctx, orderReference)
}

// ListInFlight returns payments awaiting a terminal status.
func (s *Service) ListInFlight(ctx context.Context, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListInFlight(ctx, limit)
}

func applyGatewayFields(p *Payment, gw *clickpesa.Payment) {
	p.Status = gw.Status
	if gw.Channel != "" {
		p.Channel = gw.Channel
	}
	if gw.PaymentReference != "" {
		p.PaymentReference = gw.PaymentReference
	}
	if gw.CollectedAmount != "" {
		p.CollectedAmount = gw.CollectedAmount.String()
	}
	if gw.CollectedCurrency != "" {
		p.CollectedCurrency = gw.CollectedCurrency
	}
	if gw.Message != "" {
		p.Message = gw.Message
	}
	if gw.Customer != nil {
		if gw.Customer.Name != "" {
			p.CustomerName = gw.Customer.Name
		}
		if gw.Customer.PhoneNumber != "" {
			p.CustomerPhone = gw.Customer.PhoneNumber
		}
		if gw.Customer.Email != "" {
			p.CustomerEmail = gw.Customer.Email
		}
	}
}

func anyAvailable(methods []clickpesa.PaymentMethod) bool {
	for _, m := range methods {
		if m.Status == "AVAILABLE" {
			return true
		}
	}
	return false
}
