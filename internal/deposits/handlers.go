package deposits

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/validation"
)

// Handler provides HTTP endpoints for deposits.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new deposit handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up deposit routes. The webhook route is wired
// separately by the server so it can sit outside authenticated groups.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.Initiate)
	r.POST("/deposits/:reference/confirm", h.Confirm)
}

// Initiate handles POST /deposits.
func (h *Handler) Initiate(c *gin.Context) {
	var req struct {
		UserID string          `json:"userId" binding:"required"`
		Email  string          `json:"email" binding:"required,email"`
		Amount decimal.Decimal `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	res, err := h.svc.Initiate(c.Request.Context(), req.UserID, req.Email, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
			return
		}
		h.logger.Error("deposit initiation failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "message": "Failed to initiate deposit"})
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Webhook handles POST /webhooks/gateway. It always returns 200 for
// authenticated notifications, applied or not, so the gateway stops
// retrying.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "Failed to read body"})
		return
	}

	res, err := h.svc.HandleWebhook(c.Request.Context(), body, c.GetHeader("X-Paystack-Signature"))
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": "Signature verification failed"})
			return
		}
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_reference", "message": "No deposit with this reference"})
			return
		}
		h.logger.Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_error", "message": "Failed to process webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"applied": res.Applied, "outcome": res.Outcome})
}

// Confirm handles POST /deposits/:reference/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	ref := c.Param("reference")
	if !validation.IsValidReference(ref) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reference", "message": "Malformed deposit reference"})
		return
	}

	res, err := h.svc.Confirm(c.Request.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotSettled):
			c.JSON(http.StatusConflict, gin.H{"error": "not_settled", "message": err.Error()})
		case errors.Is(err, ledger.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_reference", "message": "No deposit with this reference"})
		default:
			h.logger.Error("deposit confirm failed", "reference", ref, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "message": "Failed to verify deposit"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": res.Applied, "outcome": res.Outcome})
}
