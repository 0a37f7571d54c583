package payouts

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/validation"
	"github.com/globalink/walletcore/internal/wallet"
)

// Handler provides HTTP endpoints for payouts.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new payout handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bank-accounts", h.AddBankAccount)
	r.GET("/bank-accounts/:userID", h.ListBankAccounts)
	r.POST("/withdrawals", h.Withdraw)
	r.GET("/withdrawals/:userID", h.ListRequests)
}

// AddBankAccount handles POST /bank-accounts.
func (h *Handler) AddBankAccount(c *gin.Context) {
	var req struct {
		UserID        string `json:"userId" binding:"required"`
		BankName      string `json:"bankName" binding:"required"`
		BankCode      string `json:"bankCode" binding:"required"`
		AccountNumber string `json:"accountNumber" binding:"required"`
		Primary       bool   `json:"primary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	// Reject malformed numbers here rather than spend a provider
	// round trip discovering they cannot resolve.
	if !validation.IsValidAccountNumber(req.AccountNumber) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account_number", "message": "Account number must be 10 digits"})
		return
	}
	if !validation.IsValidBankCode(req.BankCode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bank_code", "message": "Bank code must be 3-6 digits"})
		return
	}

	ba, err := h.svc.AddBankAccount(c.Request.Context(), req.UserID, req.BankName, req.BankCode, req.AccountNumber, req.Primary)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnresolvableAccount):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unresolvable_account", "message": "Account could not be verified"})
		case errors.Is(err, ErrDuplicateBankAccount):
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_account", "message": "Bank account already saved"})
		default:
			h.logger.Error("bank account creation failed", "user", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payout_error", "message": "Failed to save bank account"})
		}
		return
	}
	c.JSON(http.StatusCreated, ba)
}

// ListBankAccounts handles GET /bank-accounts/:userID.
func (h *Handler) ListBankAccounts(c *gin.Context) {
	accounts, err := h.svc.ListBankAccounts(c.Request.Context(), c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payout_error", "message": "Failed to list bank accounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bankAccounts": accounts, "count": len(accounts)})
}

// Withdraw handles POST /withdrawals.
func (h *Handler) Withdraw(c *gin.Context) {
	var req struct {
		UserID        string          `json:"userId" binding:"required"`
		Amount        decimal.Decimal `json:"amount" binding:"required"`
		BankAccountID string          `json:"bankAccountId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	wr, err := h.svc.Withdraw(c.Request.Context(), req.UserID, req.Amount, req.BankAccountID)
	if err != nil {
		switch {
		case errors.Is(err, ErrBelowMinimum):
			c.JSON(http.StatusBadRequest, gin.H{"error": "below_minimum", "message": err.Error()})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
		case errors.Is(err, ledger.ErrWalletFrozen):
			c.JSON(http.StatusForbidden, gin.H{"error": "wallet_frozen", "message": "Wallet is frozen"})
		case errors.Is(err, wallet.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
		case errors.Is(err, ErrBankAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Bank account not found"})
		case errors.Is(err, ErrUnresolvableAccount):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unresolvable_account", "message": "Account could not be verified"})
		case errors.Is(err, ErrProviderFailure):
			// The wallet has been refunded; the rejected request rides along.
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_failure", "message": "Transfer failed, wallet refunded", "request": wr})
		default:
			h.logger.Error("withdrawal failed", "user", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payout_error", "message": "Withdrawal failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, wr)
}

// ListRequests handles GET /withdrawals/:userID.
func (h *Handler) ListRequests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	requests, err := h.svc.ListRequests(c.Request.Context(), c.Param("userID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payout_error", "message": "Failed to list withdrawals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": requests, "count": len(requests)})
}
