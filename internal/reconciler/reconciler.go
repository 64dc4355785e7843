// Package reconciler sweeps in-flight transactions against the
// gateway. Webhooks are the fast path; the sweep is the safety net
// that catches anything dropped or delivered out of order.
package reconciler

import (
	"context"

	"github.com/pochipay/pochi/internal/logging"
	"github.com/pochipay/pochi/internal/metrics"
	"github.com/pochipay/pochi/internal/payments"
	"github.com/pochipay/pochi/internal/payouts"
)

// PaymentRefresher is the slice of the payments service the sweep uses.
type PaymentRefresher interface {
	ListInFlight(ctx context.Context, limit int) ([]*payments.Payment, error)
	RefreshStatus(ctx context.Context, orderReference string) (*payments.Payment, error)
}

// PayoutRefresher is the slice of the payouts service the sweep uses.
type PayoutRefresher interface {
	ListInFlight(ctx context.Context, limit int) ([]*payouts.Payout, error)
	RefreshStatus(ctx context.Context, orderReference string) (*payouts.Payout, error)
}

// EscrowReleaser releases holds whose auto-release time has passed.
type EscrowReleaser interface {
	ReconcileAutoReleases(ctx context.Context) (int, error)
}

// Result summarizes one sweep.
type Result struct {
	PaymentsChecked int `json:"paymentsChecked"`
	PaymentsUpdated int `json:"paymentsUpdated"`
	PayoutsChecked  int `json:"payoutsChecked"`
	PayoutsUpdated  int `json:"payoutsUpdated"`
	EscrowsReleased int `json:"escrowsReleased"`
	Failures        int `json:"failures"`
}

// Service runs reconciliation sweeps.
type Service struct {
	payments  PaymentRefresher
	payouts   PayoutRefresher
	escrow    EscrowReleaser
	batchSize int
}

// New creates the reconciler.
func New(pay PaymentRefresher, po PayoutRefresher, esc EscrowReleaser, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{payments: pay, payouts: po, escrow: esc, batchSize: batchSize}
}

// Sweep refreshes every in-flight payment and payout, then releases
// due escrow holds. A failed item is counted and skipped; one bad
// record never aborts the pass.
func (s *Service) Sweep(ctx context.Context) (*Result, error) {
	var res Result

	open, err := s.payments.ListInFlight(ctx, s.batchSize)
	if err != nil {
		return nil, err
	}
	for _, p := range open {
		res.PaymentsChecked++
		refreshed, err := s.payments.RefreshStatus(ctx, p.OrderReference)
		if err != nil {
			res.Failures++
			logging.L(ctx).Warn("payment reconcile failed",
				"reference", p.OrderReference, "error", err)
			continue
		}
		if refreshed.Status != p.Status {
			res.PaymentsUpdated++
		}
	}

	pending, err := s.payouts.ListInFlight(ctx, s.batchSize)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		res.PayoutsChecked++
		refreshed, err := s.payouts.RefreshStatus(ctx, p.OrderReference)
		if err != nil {
			res.Failures++
			logging.L(ctx).Warn("payout reconcile failed",
				"reference", p.OrderReference, "error", err)
			continue
		}
		if refreshed.Status != p.Status {
			res.PayoutsUpdated++
		}
	}

	released, err := s.escrow.ReconcileAutoReleases(ctx)
	if err != nil {
		res.Failures++
		logging.L(ctx).Warn("escrow auto-release sweep failed", "error", err)
	}
	res.EscrowsReleased = released

	outcome := "ok"
	if res.Failures > 0 {
		outcome = "partial"
	}
	metrics.ReconcileSweepsTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("reconcile sweep finished",
		"payments_checked", res.PaymentsChecked, "payments_updated", res.PaymentsUpdated,
		"payouts_checked", res.PayoutsChecked, "payouts_updated", res.PayoutsUpdated,
		"escrows_released", res.EscrowsReleased, "failures", res.Failures)
	return &res, nil
}
