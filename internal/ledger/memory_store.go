package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/globalink/walletcore/internal/idgen"
	"github.com/shopspring/decimal"
)

// balanceState is the in-memory balance pair for one wallet.
type balanceState struct {
	available decimal.Decimal
	escrow    decimal.Decimal
	frozen    bool
}

// MemoryStore is an in-memory Store for tests and for running without a
// database. A single mutex stands in for row-level locking: every operation
// is trivially one atomic unit.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*balanceState
	entries []*Transaction
	byID    map[string]*Transaction
	byRef   map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*balanceState),
		byID:    make(map[string]*Transaction),
		byRef:   make(map[string]*Transaction),
	}
}

// Seed sets a wallet's available balance directly. Test helper.
func (m *MemoryStore) Seed(walletID string, available decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(walletID).available = available
}

// SetFrozen flips the frozen flag on a wallet. The wallet memory store
// routes freezes through here so the debit and escrow-lock guards see them.
func (m *MemoryStore) SetFrozen(walletID string, frozen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(walletID).frozen = frozen
}

// BalanceState returns the wallet's balances and frozen flag in one read.
// The wallet memory store overlays this onto its rows so both stores
// report the same state.
func (m *MemoryStore) BalanceState(walletID string) (available, escrow decimal.Decimal, frozen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(walletID)
	return st.available, st.escrow, st.frozen
}

// state returns the wallet's balance state, creating a zero one on first
// touch (get-or-create semantics). Caller must hold m.mu.
func (m *MemoryStore) state(walletID string) *balanceState {
	st, ok := m.wallets[walletID]
	if !ok {
		st = &balanceState{available: decimal.Zero, escrow: decimal.Zero}
		m.wallets[walletID] = st
	}
	return st
}

func (m *MemoryStore) record(txn *Transaction) *Transaction {
	m.entries = append(m.entries, txn)
	m.byID[txn.ID] = txn
	if txn.Reference != "" {
		m.byRef[txn.Reference] = txn
	}
	return txn
}

func (m *MemoryStore) newEntry(walletID string, amount decimal.Decimal, kind Kind, status Status, reference, description, orderID string) *Transaction {
	return &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    walletID,
		Amount:      amount,
		Kind:        kind,
		Status:      status,
		Reference:   reference,
		Description: description,
		OrderID:     orderID,
		CreatedAt:   time.Now(),
	}
}

func (m *MemoryStore) Credit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if _, exists := m.byRef[reference]; exists {
			return nil, ErrDuplicateReference
		}
	}
	st := m.state(walletID)
	st.available = st.available.Add(amount)
	return m.record(m.newEntry(walletID, amount, kind, StatusSuccess, reference, description, "")), nil
}

func (m *MemoryStore) Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(walletID)
	if st.frozen {
		return nil, ErrWalletFrozen
	}
	if st.available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	st.available = st.available.Sub(amount)
	return m.record(m.newEntry(walletID, amount.Neg(), kind, StatusSuccess, "", description, "")), nil
}

func (m *MemoryStore) DebitPending(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if _, exists := m.byRef[reference]; exists {
			return nil, ErrDuplicateReference
		}
	}
	st := m.state(walletID)
	if st.frozen {
		return nil, ErrWalletFrozen
	}
	if st.available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	st.available = st.available.Sub(amount)
	return m.record(m.newEntry(walletID, amount.Neg(), kind, StatusPending, reference, description, "")), nil
}

func (m *MemoryStore) FinalizePending(ctx context.Context, txnID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byID[txnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if txn.Status != StatusPending {
		return nil, ErrTransactionFinal
	}
	txn.Status = StatusSuccess
	return txn, nil
}

func (m *MemoryStore) RevertPending(ctx context.Context, txnID, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byID[txnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if txn.Status != StatusPending {
		return nil, ErrTransactionFinal
	}
	st := m.state(txn.WalletID)
	st.available = st.available.Add(txn.Amount.Neg())
	txn.Status = StatusFailed
	if reason != "" {
		txn.Description = fmt.Sprintf("%s (%s)", txn.Description, reason)
	}
	return txn, nil
}

func (m *MemoryStore) LockToEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(walletID)
	if st.frozen {
		return nil, ErrWalletFrozen
	}
	if st.available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	st.available = st.available.Sub(amount)
	st.escrow = st.escrow.Add(amount)
	return m.record(m.newEntry(walletID, amount.Neg(), KindEscrowLock, StatusSuccess, "", "funds locked in escrow", orderID)), nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, buyerID string, total decimal.Decimal, splits []Split, orderID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyer := m.state(buyerID)
	if buyer.escrow.LessThan(total) {
		return nil, ErrInsufficientEscrow
	}

	buyer.escrow = buyer.escrow.Sub(total)
	txns := []*Transaction{
		m.record(m.newEntry(buyerID, total.Neg(), KindEscrowRelease, StatusSuccess, "", "escrow released", orderID)),
	}
	for _, s := range splits {
		st := m.state(s.WalletID)
		st.available = st.available.Add(s.Amount)
		txns = append(txns, m.record(m.newEntry(s.WalletID, s.Amount, s.Kind, StatusSuccess, "", s.Description, orderID)))
	}
	return txns, nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(walletID)
	if st.escrow.LessThan(amount) {
		return nil, ErrInsufficientEscrow
	}
	st.escrow = st.escrow.Sub(amount)
	st.available = st.available.Add(amount)
	return m.record(m.newEntry(walletID, amount, KindRefund, StatusSuccess, "", "escrow refunded", orderID)), nil
}

func (m *MemoryStore) CreatePendingDeposit(ctx context.Context, walletID string, amount decimal.Decimal, reference, description string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byRef[reference]; exists {
		return nil, ErrDuplicateReference
	}
	m.state(walletID) // get-or-create
	return m.record(m.newEntry(walletID, amount, KindDeposit, StatusPending, reference, description, "")), nil
}

func (m *MemoryStore) SettleDeposit(ctx context.Context, reference string, claimed *decimal.Decimal) (*SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byRef[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	switch txn.Status {
	case StatusSuccess:
		return &SettleResult{Applied: false, Outcome: SettleAlreadyApplied, Transaction: txn}, nil
	case StatusFailed:
		return &SettleResult{Applied: false, Outcome: SettleClosed, Transaction: txn}, nil
	}

	if claimed != nil && !claimed.Equal(txn.Amount) {
		txn.Status = StatusFailed
		txn.Description = fmt.Sprintf("amount mismatch: expected %s, got %s", txn.Amount, claimed)
		return &SettleResult{Applied: false, Outcome: SettleAmountMismatch, Transaction: txn}, nil
	}

	st := m.state(txn.WalletID)
	st.available = st.available.Add(txn.Amount)
	txn.Status = StatusSuccess
	return &SettleResult{Applied: true, Outcome: SettleApplied, Transaction: txn}, nil
}

func (m *MemoryStore) Balance(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(walletID)
	return st.available, st.escrow, nil
}

func (m *MemoryStore) History(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].WalletID == walletID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HistoryBefore(ctx context.Context, walletID string, beforeCreatedAt time.Time, beforeID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paging := !beforeCreatedAt.IsZero()
	var out []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.WalletID != walletID {
			continue
		}
		if paging {
			if e.CreatedAt.After(beforeCreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(beforeCreatedAt) && e.ID >= beforeID {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byRef[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}
