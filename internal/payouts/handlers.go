package payouts

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pochipay/pochi/internal/clickpesa"
)

// Handler provides HTTP endpoints for payout operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new payouts handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up payout routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payouts", h.Create)
	r.GET("/payouts/:reference", h.Get)
	r.POST("/payouts/:reference/refresh", h.Refresh)
}

type createRequest struct {
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	OrderReference string `json:"orderReference" binding:"required"`
	PhoneNumber    string `json:"phoneNumber" binding:"required"`
	Channel        string `json:"channel"`
	AccountID      string `json:"accountId"`
	SkipPreview    bool   `json:"skipPreview"`
}

// Create handles POST /payouts
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := h.svc.Create(c.Request.Context(), CreateRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		OrderReference: req.OrderReference,
		PhoneNumber:    req.PhoneNumber,
		Channel:        req.Channel,
		AccountID:      req.AccountID,
		SkipPreview:    req.SkipPreview,
	})
	if err != nil {
		h.writePayoutError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Get handles GET /payouts/:reference
func (h *Handler) Get(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), c.Param("reference"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payout_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payout_error"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Refresh handles POST /payouts/:reference/refresh
func (h *Handler) Refresh(c *gin.Context) {
	p, err := h.svc.RefreshStatus(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writePayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) writePayoutError(c *gin.Context, err error) {
	var verr *clickpesa.ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payout_not_found"})
	case errors.Is(err, ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error()})
	default:
		h.logger.Error("payout operation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error"})
	}
}
