// Package ledger is the transactional engine behind every balance mutation.
//
// Flow:
//  1. A collaborator (checkout, deposits, payouts, billpay) calls the Core
//  2. The store locks the affected wallet rows in ascending wallet-id order
//  3. Balances are mutated and a ledger entry is written in the same atomic unit
//  4. Success entries are immutable from that point on
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/globalink/walletcore/internal/pagination"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrow balance")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletFrozen        = errors.New("wallet is frozen")
	ErrDuplicateReference  = errors.New("reference already used")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionFinal    = errors.New("transaction already finalized")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindPayment       Kind = "payment"
	KindEscrowLock    Kind = "escrow_lock"
	KindEscrowRelease Kind = "escrow_release"
	KindRefund        Kind = "refund"
	KindWithdrawal    Kind = "withdrawal"
	KindFee           Kind = "fee"
	KindBillPayment   Kind = "bill_payment"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Transaction is an immutable record of one balance-affecting event.
// Amount is signed: credits positive, debits negative.
type Transaction struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"walletId"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	OrderID     string          `json:"orderId,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Split is one recipient of an escrow release.
type Split struct {
	WalletID    string
	Amount      decimal.Decimal
	Kind        Kind // payment for seller/courier shares, fee for the platform
	Description string
}

// SettleOutcome describes what SettleDeposit did with a gateway notification.
type SettleOutcome string

const (
	SettleApplied        SettleOutcome = "applied"
	SettleAlreadyApplied SettleOutcome = "already_applied"
	SettleClosed         SettleOutcome = "reference_closed"
	SettleAmountMismatch SettleOutcome = "amount_mismatch"
)

// SettleResult reports the outcome of an external credit attempt.
// Applied is true only on the notification that actually moved money.
type SettleResult struct {
	Applied     bool
	Outcome     SettleOutcome
	Transaction *Transaction
}

// Store persists wallets' balances and ledger entries. Every method is one
// atomic unit: wallet rows are locked before any balance read, and the
// balance mutation commits together with its ledger entry or not at all.
// Implementations must acquire multi-wallet locks in ascending wallet-id
// order.
type Store interface {
	// Credit increases available balance and writes a success entry.
	// A non-empty reference must be globally unique.
	Credit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error)

	// Debit decreases available balance and writes a success entry.
	// Fails with ErrInsufficientFunds before any mutation.
	Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, description string) (*Transaction, error)

	// DebitPending decreases available balance and writes a pending entry
	// (the optimistic debit of the payout workflow). The entry is later
	// resolved with FinalizePending or RevertPending.
	DebitPending(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error)

	// FinalizePending marks a pending entry success without touching balances.
	FinalizePending(ctx context.Context, txnID string) (*Transaction, error)

	// RevertPending credits the debited amount back and marks the entry
	// failed, in one atomic unit (the compensating credit).
	RevertPending(ctx context.Context, txnID, reason string) (*Transaction, error)

	// LockToEscrow moves amount from available to escrow and writes one
	// escrow_lock entry (negative, against the buyer).
	LockToEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error)

	// ReleaseEscrow debits total from the buyer's escrow, credits each
	// split target's available balance with its own success entry, and
	// writes one escrow_release entry against the buyer. All or nothing.
	ReleaseEscrow(ctx context.Context, buyerID string, total decimal.Decimal, splits []Split, orderID string) ([]*Transaction, error)

	// RefundEscrow moves amount from escrow back to available.
	RefundEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error)

	// CreatePendingDeposit records a solicited deposit before the gateway
	// is called, so a webhook can never arrive for an unknown reference.
	// No balance is touched until SettleDeposit.
	CreatePendingDeposit(ctx context.Context, walletID string, amount decimal.Decimal, reference, description string) (*Transaction, error)

	// SettleDeposit applies a gateway notification exactly once. It locks
	// the entry row by reference, then the owning wallet row. A non-nil
	// claimed amount that disagrees with the recorded amount marks the
	// entry failed and credits nothing.
	SettleDeposit(ctx context.Context, reference string, claimed *decimal.Decimal) (*SettleResult, error)

	// Balance returns the current available and escrow balances.
	Balance(ctx context.Context, walletID string) (available, escrow decimal.Decimal, err error)

	// History returns the most recent entries for a wallet.
	History(ctx context.Context, walletID string, limit int) ([]*Transaction, error)

	// HistoryBefore returns entries strictly older than the given
	// (createdAt, id) position, newest first. A zero beforeCreatedAt
	// starts from the top.
	HistoryBefore(ctx context.Context, walletID string, beforeCreatedAt time.Time, beforeID string, limit int) ([]*Transaction, error)

	// ByReference looks up an entry by its unique reference.
	ByReference(ctx context.Context, reference string) (*Transaction, error)
}

// Core validates and instruments ledger operations before handing them to
// the store. It is the only path collaborators use to mutate balances.
type Core struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCore creates the ledger core.
func NewCore(store Store, logger *slog.Logger) *Core {
	return &Core{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("github.com/globalink/walletcore/internal/ledger"),
	}
}

func (c *Core) Credit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := c.span(ctx, "ledger.Credit", walletID, amount)
	defer span.End()

	txn, err := c.store.Credit(ctx, walletID, amount, kind, reference, description)
	c.observe(ctx, "credit", kind, err)
	return txn, err
}

func (c *Core) Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, description string) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := c.span(ctx, "ledger.Debit", walletID, amount)
	defer span.End()

	txn, err := c.store.Debit(ctx, walletID, amount, kind, description)
	c.observe(ctx, "debit", kind, err)
	return txn, err
}

func (c *Core) DebitPending(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := c.span(ctx, "ledger.DebitPending", walletID, amount)
	defer span.End()

	txn, err := c.store.DebitPending(ctx, walletID, amount, kind, reference, description)
	c.observe(ctx, "debit_pending", kind, err)
	return txn, err
}

func (c *Core) FinalizePending(ctx context.Context, txnID string) (*Transaction, error) {
	return c.store.FinalizePending(ctx, txnID)
}

func (c *Core) RevertPending(ctx context.Context, txnID, reason string) (*Transaction, error) {
	txn, err := c.store.RevertPending(ctx, txnID, reason)
	if err == nil {
		c.logger.Info("pending debit reverted", "txn", txnID, "reason", reason)
	}
	return txn, err
}

func (c *Core) LockToEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := c.span(ctx, "ledger.LockToEscrow", walletID, amount)
	defer span.End()

	txn, err := c.store.LockToEscrow(ctx, walletID, amount, orderID)
	c.observe(ctx, "escrow_lock", KindEscrowLock, err)
	return txn, err
}

func (c *Core) ReleaseEscrow(ctx context.Context, buyerID string, total decimal.Decimal, splits []Split, orderID string) ([]*Transaction, error) {
	if total.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	paid := decimal.Zero
	for _, s := range splits {
		if s.Amount.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		paid = paid.Add(s.Amount)
	}
	// Splits may sum to less than the total (the platform retains the
	// difference as commission) but never to more.
	if paid.GreaterThan(total) {
		return nil, ErrInvalidAmount
	}
	ctx, span := c.span(ctx, "ledger.ReleaseEscrow", buyerID, total)
	defer span.End()

	txns, err := c.store.ReleaseEscrow(ctx, buyerID, total, splits, orderID)
	c.observe(ctx, "escrow_release", KindEscrowRelease, err)
	return txns, err
}

func (c *Core) RefundEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := c.span(ctx, "ledger.RefundEscrow", walletID, amount)
	defer span.End()

	txn, err := c.store.RefundEscrow(ctx, walletID, amount, orderID)
	c.observe(ctx, "escrow_refund", KindRefund, err)
	return txn, err
}

func (c *Core) CreatePendingDeposit(ctx context.Context, walletID string, amount decimal.Decimal, reference, description string) (*Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	txn, err := c.store.CreatePendingDeposit(ctx, walletID, amount, reference, description)
	c.observe(ctx, "deposit_initiated", KindDeposit, err)
	return txn, err
}

func (c *Core) SettleDeposit(ctx context.Context, reference string, claimed *decimal.Decimal) (*SettleResult, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.SettleDeposit",
		trace.WithAttributes(attribute.String("reference", reference)))
	defer span.End()

	res, err := c.store.SettleDeposit(ctx, reference, claimed)
	if err != nil {
		c.observe(ctx, "deposit_settle", KindDeposit, err)
		return nil, err
	}
	settleOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == SettleAmountMismatch {
		// Security signal, not a generic failure. The entry is already
		// marked failed; make sure an operator sees it.
		c.logger.Error("deposit amount mismatch flagged as suspected fraud",
			"reference", reference, "txn", res.Transaction.ID)
	}
	return res, nil
}

func (c *Core) Balance(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	return c.store.Balance(ctx, walletID)
}

func (c *Core) History(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.History(ctx, walletID, limit)
}

// HistoryPage returns one page of a wallet's history plus an opaque
// cursor for the next page. Pages are keyed on (createdAt, id) so a
// settling deposit between requests cannot shift entries across pages.
func (c *Core) HistoryPage(ctx context.Context, walletID, cursor string, limit int) ([]*Transaction, string, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}

	var beforeAt time.Time
	var beforeID string
	if cur != nil {
		beforeAt = cur.CreatedAt
		beforeID = cur.ID
	}

	entries, err := c.store.HistoryBefore(ctx, walletID, beforeAt, beforeID, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	page, next, more := pagination.ComputePage(entries, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, more, nil
}

func (c *Core) ByReference(ctx context.Context, reference string) (*Transaction, error) {
	return c.store.ByReference(ctx, reference)
}

func (c *Core) span(ctx context.Context, name, walletID string, amount decimal.Decimal) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("wallet_id", walletID),
		attribute.String("amount", amount.String()),
	))
}

func (c *Core) observe(ctx context.Context, op string, kind Kind, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Debug("ledger operation failed", "op", op, "kind", kind, "error", err)
	}
	operationsTotal.WithLabelValues(op, string(kind), status).Inc()
}
