package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:accountId", h.GetBalance)
	r.GET("/wallets/:accountId/entries", h.GetEntries)
	r.POST("/wallets/:accountId/deposits", h.Deposit)
	r.POST("/wallets/:accountId/withdrawals", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:walletId/verify", h.VerifyBalance)
}

// GetBalance handles GET /wallets/:accountId
func (h *Handler) GetBalance(c *gin.Context) {
	wallet, err := h.svc.Balance(c.Request.Context(), c.Param("accountId"))
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// GetEntries handles GET /wallets/:accountId/entries?limit=50
func (h *Handler) GetEntries(c *gin.Context) {
	wallet, err := h.svc.Balance(c.Request.Context(), c.Param("accountId"))
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.svc.Entries(c.Request.Context(), wallet.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"walletId": wallet.ID,
		"entries":  entries,
		"count":    len(entries),
	})
}

type depositRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Deposit handles POST /wallets/:accountId/deposits.
// Manual credits for support and back-office flows; gateway
// settlements credit wallets through the event handlers instead.
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, err := h.svc.Deposit(c.Request.Context(), DepositRequest{
		AccountID:   c.Param("accountId"),
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type withdrawRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Withdraw handles POST /wallets/:accountId/withdrawals.
// Direct ledger debit without a payout; mobile money withdrawals go
// through the settlement endpoint instead.
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, err := h.svc.Withdraw(c.Request.Context(), WithdrawRequest{
		AccountID:   c.Param("accountId"),
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// VerifyBalance handles GET /admin/wallets/:walletId/verify
func (h *Handler) VerifyBalance(c *gin.Context) {
	walletID := c.Param("walletId")
	drift, err := h.svc.VerifyBalance(c.Request.Context(), walletID)
	if errors.Is(err, ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"walletId":   walletID,
		"drift":      drift,
		"consistent": drift == "0.00",
	})
}

func (h *Handler) writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance"})
	case errors.Is(err, ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_reference"})
	case errors.Is(err, ErrWalletInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "wallet_inactive"})
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found"})
	default:
		h.logger.Error("ledger operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error"})
	}
}
