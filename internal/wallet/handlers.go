package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/globalink/walletcore/internal/ledger"
)

// Handler provides HTTP endpoints for wallet lookups and provisioning.
type Handler struct {
	svc    *Service
	core   *ledger.Core
	logger *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(svc *Service, core *ledger.Core, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, core: core, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userID", h.GetWallet)
	r.GET("/wallets/:userID/transactions", h.Transactions)
	r.POST("/wallets/provision", h.Provision)
	r.POST("/wallets/:userID/freeze", h.SetFrozen)
}

// GetWallet handles GET /wallets/:userID. Creates the wallet on first touch.
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.svc.GetOrCreate(c.Request.Context(), c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to load wallet"})
		return
	}

	history, err := h.core.History(c.Request.Context(), w.ID, 10)
	if err != nil {
		h.logger.Warn("wallet history lookup failed", "wallet", w.ID, "error", err)
		history = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":       w,
		"totalAssets":  w.TotalAssets(),
		"transactions": history,
	})
}

// Transactions handles GET /wallets/:userID/transactions with
// cursor-based pagination (?cursor=&limit=).
func (h *Handler) Transactions(c *gin.Context) {
	w, err := h.svc.ByUser(c.Request.Context(), c.Param("userID"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to load wallet"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	entries, next, more, err := h.core.HistoryPage(c.Request.Context(), w.ID, c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"nextCursor":   next,
		"hasMore":      more,
	})
}

// Provision handles POST /wallets/provision, called by the registration
// collaborator when a user signs up.
func (h *Handler) Provision(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId" binding:"required"`
		FullName string `json:"fullName" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	w, err := h.svc.Provision(c.Request.Context(), req.UserID, req.FullName, req.Email)
	if err != nil {
		h.logger.Error("wallet provisioning failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provision_error", "message": "Failed to provision wallet"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// SetFrozen handles POST /wallets/:userID/freeze.
func (h *Handler) SetFrozen(c *gin.Context) {
	var req struct {
		Frozen *bool `json:"frozen" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	w, err := h.svc.ByUser(c.Request.Context(), c.Param("userID"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to load wallet"})
		return
	}

	if err := h.svc.SetFrozen(c.Request.Context(), w.ID, *req.Frozen); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Failed to update wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletId": w.ID, "frozen": *req.Frozen})
}
