package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up escrow routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.List)
	r.GET("/escrows/:id", h.Get)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/dispute", h.Dispute)
}

// List handles GET /escrows?status=HELD&limit=50
func (h *Handler) List(c *gin.Context) {
	status := c.DefaultQuery("status", StatusHeld)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a non-negative integer"})
		return
	}

	holds, err := h.svc.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": holds, "count": len(holds)})
}

// Get handles GET /escrows/:id
func (h *Handler) Get(c *gin.Context) {
	hold, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrHoldNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error"})
		return
	}
	c.JSON(http.StatusOK, hold)
}

type releaseRequest struct {
	BeneficiaryAccountID string `json:"beneficiaryAccountId" binding:"required"`
}

// Release handles POST /escrows/:id/release (manual release)
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	hold, err := h.svc.Release(c.Request.Context(), c.Param("id"), req.BeneficiaryAccountID, TriggerManual)
	if err != nil {
		h.writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

type refundRequest struct {
	PayerAccountID string `json:"payerAccountId" binding:"required"`
}

// Refund handles POST /escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	hold, err := h.svc.Refund(c.Request.Context(), c.Param("id"), req.PayerAccountID)
	if err != nil {
		h.writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	hold, err := h.svc.Dispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

func (h *Handler) writeEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrHoldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		h.logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error"})
	}
}
