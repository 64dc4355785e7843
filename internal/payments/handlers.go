package payments

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pochipay/pochi/internal/clickpesa"
)

// Handler provides HTTP endpoints for payment operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new payments handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up payment routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.Create)
	r.GET("/payments/:reference", h.Get)
	r.POST("/payments/:reference/refresh", h.Refresh)
}

type createRequest struct {
	Amount         string            `json:"amount" binding:"required"`
	Currency       string            `json:"currency" binding:"required"`
	OrderReference string            `json:"orderReference" binding:"required"`
	PhoneNumber    string            `json:"phoneNumber" binding:"required"`
	AccountID      string            `json:"accountId"`
	Metadata       map[string]string `json:"metadata"`
	SkipPreview    bool              `json:"skipPreview"`
}

// Create handles POST /payments
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
		AccountID:      req.AccountID,
		Metadata:       req.Metadata,
		SkipPreview:    req.SkipPreview,
	})
	if err != nil {
		h.writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Get handles GET /payments/:reference
func (h *Handler) Get(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), c.Param("reference"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_error"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Refresh handles POST /payments/:reference/refresh
func (h *Handler) Refresh(c *gin.Context) {
	p, err := h.svc.RefreshStatus(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) writePaymentError(c *gin.Context, err error) {
	var verr *clickpesa.ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
	case errors.Is(err, ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference"})
	case errors.Is(err, ErrNoViableMethod):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_viable_method"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error()})
	default:
		h.logger.Error("payment operation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error"})
	}
}
