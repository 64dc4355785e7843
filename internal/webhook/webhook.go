// Package webhook receives gateway callbacks. A webhook never carries
// trusted state: after the source IP and signature pass, the payload
// contributes only the order reference and the status is re-fetched
// from the gateway through RefreshStatus. A forged or stale payload
// can therefore trigger at most a harmless re-query.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pochipay/pochi/internal/clickpesa"
	"github.com/pochipay/pochi/internal/metrics"
	"github.com/pochipay/pochi/internal/payments"
	"github.com/pochipay/pochi/internal/payouts"
)

// SignatureHeader carries the gateway's HMAC over the raw body.
const SignatureHeader = "X-Clickpesa-Signature"

const maxBodySize = 1 << 20

// PaymentRefresher re-queries a payment's status from the gateway.
type PaymentRefresher interface {
	RefreshStatus(ctx context.Context, orderReference string) (*payments.Payment, error)
}

// PayoutRefresher re-queries a payout's status from the gateway.
type PayoutRefresher interface {
	RefreshStatus(ctx context.Context, orderReference string) (*payouts.Payout, error)
}

// Handler terminates gateway webhooks.
type Handler struct {
	payments   PaymentRefresher
	payouts    PayoutRefresher
	secret     string
	allowedIPs []string
	logger     *slog.Logger
}

// New creates the webhook handler. An empty allowedIPs list admits any
// source; an empty secret skips signature verification (dev mode only).
func New(pay PaymentRefresher, po PayoutRefresher, secret string, allowedIPs []string, logger *slog.Logger) *Handler {
	return &Handler{
		payments:   pay,
		payouts:    po,
		secret:     secret,
		allowedIPs: allowedIPs,
		logger:     logger,
	}
}

// RegisterRoutes sets up the webhook endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/clickpesa/payment", h.Payment)
	r.POST("/clickpesa/payout", h.Payout)
}

// payload is the slice of the webhook body we act on. Everything else
// is ignored; the gateway query is the source of truth.
type payload struct {
	OrderReference string `json:"orderReference"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
}

func (p payload) reference() string {
	if p.OrderReference != "" {
		return p.OrderReference
	}
	return p.Reference
}

// Payment handles POST /webhooks/clickpesa/payment
func (h *Handler) Payment(c *gin.Context) {
	h.handle(c, "payment", func(ctx context.Context, ref string) error {
		_, err := h.payments.RefreshStatus(ctx, ref)
		return err
	})
}

// Payout handles POST /webhooks/clickpesa/payout
func (h *Handler) Payout(c *gin.Context) {
	h.handle(c, "payout", func(ctx context.Context, ref string) error {
		_, err := h.payouts.RefreshStatus(ctx, ref)
		return err
	})
}

func (h *Handler) handle(c *gin.Context, kind string, refresh func(ctx context.Context, ref string) error) {
	if !clickpesa.AllowedIP(c.ClientIP(), h.allowedIPs) {
		h.logger.Warn("webhook from unlisted source", "kind", kind, "ip", c.ClientIP())
		metrics.WebhooksReceivedTotal.WithLabelValues(kind, "rejected_ip").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	if h.secret != "" {
		sig := c.GetHeader(SignatureHeader)
		if !clickpesa.VerifySignature(body, sig, h.secret) {
			h.logger.Warn("webhook signature mismatch", "kind", kind, "ip", c.ClientIP())
			metrics.WebhooksReceivedTotal.WithLabelValues(kind, "rejected_signature").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(kind, "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	ref := p.reference()
	if ref == "" {
		metrics.WebhooksReceivedTotal.WithLabelValues(kind, "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_reference"})
		return
	}

	// From here on we always ack: a 5xx would make the provider retry
	// a delivery that cannot succeed, and the reconciler sweep covers
	// anything we drop.
	if err := refresh(c.Request.Context(), ref); err != nil {
		h.logger.Error("webhook refresh failed",
			"kind", kind, "reference", ref, "status_hint", p.Status, "error", err)
		metrics.WebhooksReceivedTotal.WithLabelValues(kind, "error").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	metrics.WebhooksReceivedTotal.WithLabelValues(kind, "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
