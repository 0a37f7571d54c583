// Package escrow holds buyer funds against marketplace orders.
//
// Flow:
//  1. Checkout creates an order → payment status "pending"
//  2. Buyer pays → Hold moves order total: available → escrow
//  3. Delivery confirmed (buyer confirm, or courier hands over the
//     delivery PIN) → Release splits the held total to seller and
//     courier, platform keeps the commission
//  4. Order cancelled → Refund returns the held total to the buyer
//
// The order state transition and the wallet mutation commit together.
// Any transition outside pending → escrow_held → {released|refunded}
// fails with ErrInvalidState and leaves both untouched.
package escrow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/idgen"
	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/syncutil"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidState  = errors.New("invalid order state for this operation")
	ErrInvalidPIN    = errors.New("delivery pin does not match")
	ErrInvalidOrder  = errors.New("invalid order")
)

// PaymentStatus represents the escrow state of an order.
type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"     // Created, nothing held yet
	StatusHeld     PaymentStatus = "escrow_held" // Buyer paid, funds locked
	StatusReleased PaymentStatus = "released"    // Delivered, funds split out
	StatusRefunded PaymentStatus = "refunded"    // Cancelled, funds returned
)

// Order is a marketplace order tracked for escrow purposes.
type Order struct {
	ID              string          `json:"id"`
	BuyerWalletID   string          `json:"buyerWalletId"`
	SellerWalletID  string          `json:"sellerWalletId"`
	CourierWalletID string          `json:"courierWalletId,omitempty"`
	Total           decimal.Decimal `json:"total"`
	DeliveryFee     decimal.Decimal `json:"deliveryFee"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus"`
	PINHash         string          `json:"-"`
	HeldAt          *time.Time      `json:"heldAt,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsTerminal returns true once the order's funds have been settled.
func (o *Order) IsTerminal() bool {
	return o.PaymentStatus == StatusReleased || o.PaymentStatus == StatusRefunded
}

// Store persists orders. Hold, Release and Refund perform the guarded
// payment status transition and the matching wallet mutation as one
// atomic unit.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerWalletID string, limit int) ([]*Order, error)
	Hold(ctx context.Context, id string) (*Order, error)
	Release(ctx context.Context, id string, splits []ledger.Split) (*Order, error)
	Refund(ctx context.Context, id string) (*Order, error)
}

// Policy computes how a released order total is divided.
type Policy struct {
	CommissionRate   decimal.Decimal // e.g. 0.03
	CommissionCap    decimal.Decimal // upper bound on the commission
	PlatformWalletID string          // optional; receives a fee entry when set
}

// Commission returns min(total × rate, cap).
func (p Policy) Commission(total decimal.Decimal) decimal.Decimal {
	c := total.Mul(p.CommissionRate).Round(2)
	if p.CommissionCap.IsPositive() && c.GreaterThan(p.CommissionCap) {
		c = p.CommissionCap
	}
	return c
}

// Splits computes the payment splits for an order: courier gets the
// delivery fee, platform gets the commission, seller gets the rest.
func (p Policy) Splits(o *Order) ([]ledger.Split, error) {
	commission := p.Commission(o.Total)

	courier := decimal.Zero
	if o.CourierWalletID != "" {
		courier = o.DeliveryFee
	}

	seller := o.Total.Sub(commission).Sub(courier)
	if seller.Sign() < 0 {
		return nil, fmt.Errorf("%w: commission plus delivery fee exceed order total", ErrInvalidOrder)
	}

	splits := []ledger.Split{{
		WalletID:    o.SellerWalletID,
		Amount:      seller,
		Kind:        ledger.KindPayment,
		Description: "Order payment " + o.ID,
	}}
	if courier.IsPositive() {
		splits = append(splits, ledger.Split{
			WalletID:    o.CourierWalletID,
			Amount:      courier,
			Kind:        ledger.KindPayment,
			Description: "Delivery fee " + o.ID,
		})
	}
	if p.PlatformWalletID != "" && commission.IsPositive() {
		splits = append(splits, ledger.Split{
			WalletID:    p.PlatformWalletID,
			Amount:      commission,
			Kind:        ledger.KindFee,
			Description: "Commission " + o.ID,
		})
	}
	return splits, nil
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	BuyerWalletID   string          `json:"buyerWalletId" binding:"required"`
	SellerWalletID  string          `json:"sellerWalletId" binding:"required"`
	CourierWalletID string          `json:"courierWalletId"`
	Total           decimal.Decimal `json:"total" binding:"required"`
	DeliveryFee     decimal.Decimal `json:"deliveryFee"`
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	policy Policy
	logger *slog.Logger
	// Per-order locks guard concurrent transitions. Sharded so memory
	// stays bounded no matter how many orders pass through.
	locks *syncutil.ContextShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		policy: policy,
		logger: logger,
		locks:  syncutil.NewContextShardedMutex(),
	}
}

// Create records a new order awaiting payment. The returned PIN is
// shown to the buyer once and handed to the courier on delivery; only
// its hash is stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, string, error) {
	if req.BuyerWalletID == req.SellerWalletID {
		return nil, "", fmt.Errorf("%w: buyer and seller share a wallet", ErrInvalidOrder)
	}
	if req.Total.Sign() <= 0 || req.DeliveryFee.Sign() < 0 {
		return nil, "", fmt.Errorf("%w: non-positive total", ErrInvalidOrder)
	}
	if req.DeliveryFee.IsPositive() && req.CourierWalletID == "" {
		return nil, "", fmt.Errorf("%w: delivery fee without courier wallet", ErrInvalidOrder)
	}

	pin, err := generatePIN()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	o := &Order{
		ID:              idgen.WithPrefix("ord_"),
		BuyerWalletID:   req.BuyerWalletID,
		SellerWalletID:  req.SellerWalletID,
		CourierWalletID: req.CourierWalletID,
		Total:           req.Total,
		DeliveryFee:     req.DeliveryFee,
		PaymentStatus:   StatusPending,
		PINHash:         hashPIN(pin),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, "", err
	}

	ordersTotal.WithLabelValues(string(StatusPending)).Inc()
	return o, pin, nil
}

// Hold locks the order total from the buyer's available balance.
func (s *Service) Hold(ctx context.Context, orderID string) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Hold(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ordersTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.logger.Info("escrow held", "order", o.ID, "buyer", o.BuyerWalletID, "total", o.Total)
	return o, nil
}

// Release pays out a held order to seller and courier. Used when the
// buyer confirms delivery directly.
func (s *Service) Release(ctx context.Context, orderID string) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.release(ctx, orderID)
}

// ReleaseWithPIN pays out a held order after verifying the delivery
// PIN presented by the courier.
func (s *Service) ReleaseWithPIN(ctx context.Context, orderID, pin string) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(o.PINHash), []byte(hashPIN(pin))) != 1 {
		return nil, ErrInvalidPIN
	}
	return s.release(ctx, orderID)
}

func (s *Service) release(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != StatusHeld {
		return nil, ErrInvalidState
	}

	splits, err := s.policy.Splits(o)
	if err != nil {
		return nil, err
	}

	o, err = s.store.Release(ctx, orderID, splits)
	if err != nil {
		return nil, err
	}

	ordersTotal.WithLabelValues(string(StatusReleased)).Inc()
	s.logger.Info("escrow released", "order", o.ID, "total", o.Total,
		"commission", s.policy.Commission(o.Total))
	return o, nil
}

// Refund returns a held order total to the buyer.
func (s *Service) Refund(ctx context.Context, orderID string) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Refund(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ordersTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.logger.Info("escrow refunded", "order", o.ID, "buyer", o.BuyerWalletID, "total", o.Total)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// ListByBuyer returns recent orders for a buyer wallet.
func (s *Service) ListByBuyer(ctx context.Context, buyerWalletID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListByBuyer(ctx, buyerWalletID, limit)
}

func generatePIN() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	pin := ""
	for _, v := range b {
		pin += string(rune('0' + int(v)%10))
	}
	return pin, nil
}

func hashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}
