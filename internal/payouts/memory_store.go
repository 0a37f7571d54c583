package payouts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*BankAccount
	requests map[string]*WithdrawalRequest
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*BankAccount),
		requests: make(map[string]*WithdrawalRequest),
	}
}

func (m *MemoryStore) CreateBankAccount(ctx context.Context, ba *BankAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.UserID == ba.UserID && existing.AccountNumber == ba.AccountNumber && existing.BankCode == ba.BankCode {
			return ErrDuplicateBankAccount
		}
	}
	cp := *ba
	m.accounts[ba.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBankAccount(ctx context.Context, id string) (*BankAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ba, ok := m.accounts[id]
	if !ok {
		return nil, ErrBankAccountNotFound
	}
	cp := *ba
	return &cp, nil
}

func (m *MemoryStore) ListBankAccounts(ctx context.Context, userID string) ([]*BankAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*BankAccount
	for _, ba := range m.accounts {
		if ba.UserID == userID {
			cp := *ba
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRequests(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WithdrawalRequest
	for _, r := range m.requests {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveRequest(ctx context.Context, id string, status RequestStatus, reason string) (*WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	now := time.Now()
	r.Status = status
	r.Reason = reason
	r.ProcessedAt = &now
	cp := *r
	return &cp, nil
}
