package billpay

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/validation"
	"github.com/globalink/walletcore/internal/wallet"
)

// Handler provides HTTP endpoints for bill payments.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new bill-payment handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up bill-payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bills/plans/:serviceID", h.DataPlans)
	r.POST("/bills/data", h.PurchaseData)
}

// DataPlans handles GET /bills/plans/:serviceID.
func (h *Handler) DataPlans(c *gin.Context) {
	plans, err := h.svc.DataPlans(c.Request.Context(), c.Param("serviceID"))
	if err != nil {
		h.logger.Error("plan listing failed", "service", c.Param("serviceID"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "biller_error", "message": "Failed to list plans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// PurchaseData handles POST /bills/data.
func (h *Handler) PurchaseData(c *gin.Context) {
	var req struct {
		UserID        string          `json:"userId" binding:"required"`
		ServiceID     string          `json:"serviceId" binding:"required"`
		VariationCode string          `json:"variationCode" binding:"required"`
		Phone         string          `json:"phone" binding:"required"`
		Amount        decimal.Decimal `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidPhone(req.Phone) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone", "message": "Phone must be a valid mobile number (0XXXXXXXXXX)"})
		return
	}

	purchase, err := h.svc.PurchaseData(c.Request.Context(), req.UserID, req.ServiceID, req.VariationCode, req.Phone, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
		case errors.Is(err, ledger.ErrWalletFrozen):
			c.JSON(http.StatusForbidden, gin.H{"error": "wallet_frozen", "message": "Wallet is frozen"})
		case errors.Is(err, wallet.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
		case errors.Is(err, ErrBillerFailure):
			c.JSON(http.StatusBadGateway, gin.H{"error": "biller_failure", "message": "Purchase failed, wallet refunded"})
		default:
			h.logger.Error("bill payment failed", "user", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "billpay_error", "message": "Purchase failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, purchase)
}
