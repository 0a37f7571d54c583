package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/globalink/walletcore/internal/ledger"
)

// MemoryStore is an in-memory order store for development and tests.
// The wallet mutation is applied only after the state check passes, so
// a rejected transition never touches balances.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	ledger ledger.Store
}

// NewMemoryStore creates a new in-memory escrow store backed by the
// given ledger.
func NewMemoryStore(led ledger.Store) *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		ledger: led,
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerWalletID string, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if o.BuyerWalletID == buyerWalletID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Hold(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.PaymentStatus != StatusPending {
		return nil, ErrInvalidState
	}

	if _, err := m.ledger.LockToEscrow(ctx, o.BuyerWalletID, o.Total, o.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	o.PaymentStatus = StatusHeld
	o.HeldAt = &now
	o.UpdatedAt = now
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Release(ctx context.Context, id string, splits []ledger.Split) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.PaymentStatus != StatusHeld {
		return nil, ErrInvalidState
	}

	if _, err := m.ledger.ReleaseEscrow(ctx, o.BuyerWalletID, o.Total, splits, o.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	o.PaymentStatus = StatusReleased
	o.ResolvedAt = &now
	o.UpdatedAt = now
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Refund(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.PaymentStatus != StatusHeld {
		return nil, ErrInvalidState
	}

	if _, err := m.ledger.RefundEscrow(ctx, o.BuyerWalletID, o.Total, o.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	o.PaymentStatus = StatusRefunded
	o.ResolvedAt = &now
	o.UpdatedAt = now
	cp := *o
	return &cp, nil
}
