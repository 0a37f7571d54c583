// Package wallet manages per-user wallet records.
//
// A wallet holds the user's spendable and escrowed funds plus the dedicated
// virtual account the collections provider assigns for bank-transfer
// deposits. Balances are mutated only by the ledger core; this package owns
// everything else about the row.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/idgen"
)

var (
	ErrNotFound = errors.New("wallet not found")
	ErrExists   = errors.New("wallet already exists for user")
)

// Wallet is one user's balance record (1:1 with the user).
type Wallet struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Currency string `json:"currency"`

	// Balances are written only by the ledger core.
	Available decimal.Decimal `json:"availableBalance"`
	Escrow    decimal.Decimal `json:"escrowBalance"`

	// Dedicated virtual account for receiving deposits.
	AccountReference string `json:"accountReference"`
	AccountNumber    string `json:"accountNumber,omitempty"`
	BankName         string `json:"bankName,omitempty"`
	BankCode         string `json:"bankCode,omitempty"`

	Frozen    bool      `json:"frozen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TotalAssets is the user's full holdings, spendable or not.
func (w *Wallet) TotalAssets() decimal.Decimal {
	return w.Available.Add(w.Escrow)
}

// Store persists wallet rows.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	ByUser(ctx context.Context, userID string) (*Wallet, error)
	ByAccountReference(ctx context.Context, ref string) (*Wallet, error)
	UpdateVirtualAccount(ctx context.Context, id, accountNumber, bankName, bankCode string) error
	SetFrozen(ctx context.Context, id string, frozen bool) error
}

// VirtualAccountRequest asks the provider for a dedicated deposit account.
type VirtualAccountRequest struct {
	AccountReference string
	AccountName      string
	Email            string
	Currency         string
}

// VirtualAccount is the provider's assigned deposit account.
type VirtualAccount struct {
	AccountNumber string
	BankName      string
	BankCode      string
}

// AccountProvisioner creates dedicated virtual accounts with the payout/
// collections provider. Implemented by the payouts provider client.
type AccountProvisioner interface {
	CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*VirtualAccount, error)
}

// Service owns wallet creation and profile changes.
type Service struct {
	store    Store
	accounts AccountProvisioner // nil disables virtual account assignment
	currency string
	logger   *slog.Logger
}

// NewService creates the wallet service.
func NewService(store Store, accounts AccountProvisioner, currency string, logger *slog.Logger) *Service {
	return &Service{store: store, accounts: accounts, currency: currency, logger: logger}
}

// Provision creates a wallet for a newly registered user and requests a
// dedicated virtual account for it. The registration collaborator calls
// this explicitly; the wallet exists even if the provider call fails, and
// the account can be assigned later.
func (s *Service) Provision(ctx context.Context, userID, fullName, email string) (*Wallet, error) {
	if existing, err := s.store.ByUser(ctx, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	w, err := s.create(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.accounts != nil {
		va, err := s.accounts.CreateVirtualAccount(ctx, VirtualAccountRequest{
			AccountReference: w.AccountReference,
			AccountName:      fullName,
			Email:            email,
			Currency:         s.currency,
		})
		if err != nil {
			s.logger.Warn("virtual account assignment failed, wallet created without one",
				"wallet", w.ID, "error", err)
			return w, nil
		}
		if err := s.store.UpdateVirtualAccount(ctx, w.ID, va.AccountNumber, va.BankName, va.BankCode); err != nil {
			return nil, err
		}
		w.AccountNumber = va.AccountNumber
		w.BankName = va.BankName
		w.BankCode = va.BankCode
	}

	return w, nil
}

// GetOrCreate returns the user's wallet, creating an empty one on first
// financial touch. No provider call is made here.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.store.ByUser(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	w, err = s.create(ctx, userID)
	if errors.Is(err, ErrExists) {
		// Lost a creation race; the winner's row is the wallet.
		return s.store.ByUser(ctx, userID)
	}
	return w, err
}

func (s *Service) create(ctx context.Context, userID string) (*Wallet, error) {
	now := time.Now().UTC()
	w := &Wallet{
		ID:               idgen.WithPrefix("wal_"),
		UserID:           userID,
		Currency:         s.currency,
		Available:        decimal.Zero,
		Escrow:           decimal.Zero,
		AccountReference: uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a wallet by its id.
func (s *Service) Get(ctx context.Context, id string) (*Wallet, error) {
	return s.store.Get(ctx, id)
}

// ByUser returns a user's wallet.
func (s *Service) ByUser(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.ByUser(ctx, userID)
}

// SetFrozen freezes or unfreezes a wallet. Frozen wallets reject debits
// and escrow locks at the ledger level.
func (s *Service) SetFrozen(ctx context.Context, id string, frozen bool) error {
	return s.store.SetFrozen(ctx, id, frozen)
}
