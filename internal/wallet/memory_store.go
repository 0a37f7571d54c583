package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerState is the slice of the ledger memory store the wallet store
// reads balances and the frozen flag through. There is one copy of that
// state, owned by the ledger, so the two stores cannot drift. The
// Postgres stores share the wallets table and need no equivalent.
type LedgerState interface {
	BalanceState(walletID string) (available, escrow decimal.Decimal, frozen bool)
	SetFrozen(walletID string, frozen bool)
}

// MemoryStore is an in-memory Store for tests and database-less runs.
type MemoryStore struct {
	mu      sync.RWMutex
	ledger  LedgerState
	byID    map[string]*Wallet
	byUser  map[string]string // userID -> walletID
	byVARef map[string]string // account reference -> walletID
}

// NewMemoryStore creates an in-memory wallet store reading balance state
// from the given ledger store.
func NewMemoryStore(led LedgerState) *MemoryStore {
	return &MemoryStore{
		ledger:  led,
		byID:    make(map[string]*Wallet),
		byUser:  make(map[string]string),
		byVARef: make(map[string]string),
	}
}

// overlay copies the row and fills in the ledger-owned fields.
func (m *MemoryStore) overlay(w *Wallet) *Wallet {
	cp := *w
	cp.Available, cp.Escrow, cp.Frozen = m.ledger.BalanceState(w.ID)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUser[w.UserID]; exists {
		return ErrExists
	}
	cp := *w
	m.byID[w.ID] = &cp
	m.byUser[w.UserID] = w.ID
	m.byVARef[w.AccountReference] = w.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.overlay(w), nil
}

func (m *MemoryStore) ByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.overlay(m.byID[id]), nil
}

func (m *MemoryStore) ByAccountReference(ctx context.Context, ref string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byVARef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return m.overlay(m.byID[id]), nil
}

func (m *MemoryStore) UpdateVirtualAccount(ctx context.Context, id, accountNumber, bankName, bankCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	w.AccountNumber = accountNumber
	w.BankName = bankName
	w.BankCode = bankCode
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetFrozen(ctx context.Context, id string, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	// The ledger owns the flag; its debit and lock guards read it there.
	m.ledger.SetFrozen(id, frozen)
	w.UpdatedAt = time.Now()
	return nil
}
