package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/globalink/walletcore/internal/ledger"
)

// Handler provides HTTP endpoints for order escrow.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.GET("/orders/:id", h.Get)
	r.GET("/orders", h.List)
	r.POST("/orders/:id/hold", h.Hold)
	r.POST("/orders/:id/release", h.Release)
	r.POST("/orders/:id/handoff", h.Handoff)
	r.POST("/orders/:id/refund", h.Refund)
}

// Create handles POST /orders.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	o, pin, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidOrder) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order", "message": err.Error()})
			return
		}
		h.logger.Error("order creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_error", "message": "Failed to create order"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o, "deliveryPin": pin})
}

// Get handles GET /orders/:id.
func (h *Handler) Get(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// List handles GET /orders?buyer=wal_...&limit=20.
func (h *Handler) List(c *gin.Context) {
	buyer := c.Query("buyer")
	if buyer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_buyer", "message": "buyer query parameter is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	orders, err := h.svc.ListByBuyer(c.Request.Context(), buyer, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// Hold handles POST /orders/:id/hold.
func (h *Handler) Hold(c *gin.Context) {
	o, err := h.svc.Hold(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Release handles POST /orders/:id/release, the buyer's direct
// delivery confirmation.
func (h *Handler) Release(c *gin.Context) {
	o, err := h.svc.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Handoff handles POST /orders/:id/handoff, the courier's PIN-verified
// delivery confirmation.
func (h *Handler) Handoff(c *gin.Context) {
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	o, err := h.svc.ReleaseWithPIN(c.Request.Context(), c.Param("id"), req.PIN)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Refund handles POST /orders/:id/refund.
func (h *Handler) Refund(c *gin.Context) {
	o, err := h.svc.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Order is not in a valid state for this operation"})
	case errors.Is(err, ErrInvalidPIN):
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid_pin", "message": "Delivery PIN does not match"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
	case errors.Is(err, ledger.ErrWalletFrozen):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_frozen", "message": "Wallet is frozen"})
	case errors.Is(err, ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order", "message": err.Error()})
	default:
		h.logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error", "message": "Operation failed"})
	}
}
