// Package payouts moves wallet funds to real bank accounts.
//
// Flow:
//  1. User saves a bank account → the account name is resolved with the
//     disbursement provider and stored verified
//  2. Withdraw debits the wallet optimistically and records a pending
//     withdrawal under a fresh reference
//  3. The provider transfer runs with no wallet lock held
//  4. Success finalizes the debit; any failure, timeouts included,
//     credits the same amount back and rejects the request
//
// There is no end state where the wallet was debited but no transfer
// happened.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/circuitbreaker"
	"github.com/globalink/walletcore/internal/idgen"
	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/retry"
	"github.com/globalink/walletcore/internal/wallet"
)

var (
	ErrBelowMinimum         = errors.New("amount below minimum withdrawal")
	ErrBankAccountNotFound  = errors.New("bank account not found")
	ErrRequestNotFound      = errors.New("withdrawal request not found")
	ErrUnresolvableAccount  = errors.New("could not resolve account name")
	ErrProviderFailure      = errors.New("disbursement provider failure")
	ErrDuplicateBankAccount = errors.New("bank account already saved")
)

// RequestStatus tracks a withdrawal request through review.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// BankAccount is a saved payout destination with a verified name.
type BankAccount struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	BankName      string    `json:"bankName"`
	BankCode      string    `json:"bankCode"`
	AccountNumber string    `json:"accountNumber"`
	AccountName   string    `json:"accountName"`
	Primary       bool      `json:"primary"`
	CreatedAt     time.Time `json:"createdAt"`
}

// WithdrawalRequest records one payout attempt and its review outcome.
type WithdrawalRequest struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	WalletID      string          `json:"walletId"`
	BankAccountID string          `json:"bankAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	Status        RequestStatus   `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	TransactionID string          `json:"transactionId"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Store persists bank accounts and withdrawal requests.
type Store interface {
	CreateBankAccount(ctx context.Context, ba *BankAccount) error
	GetBankAccount(ctx context.Context, id string) (*BankAccount, error)
	ListBankAccounts(ctx context.Context, userID string) ([]*BankAccount, error)
	CreateRequest(ctx context.Context, r *WithdrawalRequest) error
	GetRequest(ctx context.Context, id string) (*WithdrawalRequest, error)
	ListRequests(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error)
	ResolveRequest(ctx context.Context, id string, status RequestStatus, reason string) (*WithdrawalRequest, error)
}

// TransferRequest is a single disbursement instruction.
type TransferRequest struct {
	Amount        decimal.Decimal
	Reference     string
	AccountNumber string
	BankCode      string
	Narration     string
}

// Provider is the disbursement provider surface the payout flow needs.
type Provider interface {
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (string, error)
	Transfer(ctx context.Context, req TransferRequest) error
}

const breakerKey = "disbursement"

// Service implements the payout workflow.
type Service struct {
	store    Store
	wallets  *wallet.Service
	core     *ledger.Core
	provider Provider
	breaker  *circuitbreaker.Breaker
	minimum  decimal.Decimal
	logger   *slog.Logger
}

// NewService creates a new payout service.
func NewService(store Store, wallets *wallet.Service, core *ledger.Core, provider Provider,
	breaker *circuitbreaker.Breaker, minimum decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		wallets:  wallets,
		core:     core,
		provider: provider,
		breaker:  breaker,
		minimum:  minimum,
		logger:   logger,
	}
}

// AddBankAccount resolves the account name with the provider and saves
// the destination. Unresolvable accounts are never stored.
func (s *Service) AddBankAccount(ctx context.Context, userID, bankName, bankCode, accountNumber string, primary bool) (*BankAccount, error) {
	name, err := s.resolve(ctx, accountNumber, bankCode)
	if err != nil {
		return nil, err
	}

	ba := &BankAccount{
		ID:            idgen.WithPrefix("ba_"),
		UserID:        userID,
		BankName:      bankName,
		BankCode:      bankCode,
		AccountNumber: accountNumber,
		AccountName:   name,
		Primary:       primary,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateBankAccount(ctx, ba); err != nil {
		return nil, err
	}
	return ba, nil
}

// ListBankAccounts returns a user's saved payout destinations.
func (s *Service) ListBankAccounts(ctx context.Context, userID string) ([]*BankAccount, error) {
	return s.store.ListBankAccounts(ctx, userID)
}

// ListRequests returns a user's recent withdrawal requests.
func (s *Service) ListRequests(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListRequests(ctx, userID, limit)
}

// Withdraw pays out amount to one of the user's saved bank accounts.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, bankAccountID string) (*WithdrawalRequest, error) {
	if amount.LessThan(s.minimum) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, s.minimum)
	}

	w, err := s.wallets.ByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ba, err := s.store.GetBankAccount(ctx, bankAccountID)
	if err != nil {
		return nil, err
	}
	if ba.UserID != userID {
		return nil, ErrBankAccountNotFound
	}

	// Re-resolve before moving money. Read-only, so failure here
	// costs nothing.
	if _, err := s.resolve(ctx, ba.AccountNumber, ba.BankCode); err != nil {
		return nil, err
	}

	reference := idgen.Reference("WD")
	txn, err := s.core.DebitPending(ctx, w.ID, amount, ledger.KindWithdrawal, reference,
		"Withdrawal to "+ba.BankName+" "+ba.AccountNumber)
	if err != nil {
		return nil, err
	}

	req := &WithdrawalRequest{
		ID:            idgen.WithPrefix("wd_"),
		UserID:        userID,
		WalletID:      w.ID,
		BankAccountID: ba.ID,
		Amount:        amount,
		Reference:     reference,
		Status:        RequestPending,
		TransactionID: txn.ID,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		// Undo the debit; the request never existed.
		_, _ = s.core.RevertPending(ctx, txn.ID, "request creation failed")
		return nil, err
	}

	// Wallet lock released; the provider call may take seconds.
	transferErr := s.transfer(ctx, TransferRequest{
		Amount:        amount,
		Reference:     reference,
		AccountNumber: ba.AccountNumber,
		BankCode:      ba.BankCode,
		Narration:     "Wallet withdrawal " + reference,
	})
	if transferErr != nil {
		return s.compensate(ctx, req, txn.ID, transferErr)
	}

	if _, err := s.core.FinalizePending(ctx, txn.ID); err != nil {
		// The transfer went out; the entry must end up success.
		s.logger.Error("finalize after transfer failed", "transaction", txn.ID, "error", err)
		return nil, err
	}
	req, err = s.store.ResolveRequest(ctx, req.ID, RequestApproved, "")
	if err != nil {
		return nil, err
	}

	requestsTotal.WithLabelValues(string(RequestApproved)).Inc()
	s.logger.Info("withdrawal approved", "user", userID, "reference", reference, "amount", amount)
	return req, nil
}

// compensate returns the debited amount and rejects the request. The
// compensating credit and the entry's failed mark are one atomic unit.
func (s *Service) compensate(ctx context.Context, req *WithdrawalRequest, txnID string, cause error) (*WithdrawalRequest, error) {
	if _, err := s.core.RevertPending(ctx, txnID, cause.Error()); err != nil {
		// Money is in limbo until this succeeds. Loud on purpose.
		s.logger.Error("compensating credit failed", "transaction", txnID,
			"reference", req.Reference, "error", err)
		return nil, err
	}
	rejected, err := s.store.ResolveRequest(ctx, req.ID, RequestRejected, cause.Error())
	if err != nil {
		return nil, err
	}

	requestsTotal.WithLabelValues(string(RequestRejected)).Inc()
	s.logger.Warn("withdrawal rejected, wallet refunded",
		"reference", req.Reference, "amount", req.Amount, "cause", cause)
	return rejected, fmt.Errorf("%w: %v", ErrProviderFailure, cause)
}

func (s *Service) resolve(ctx context.Context, accountNumber, bankCode string) (string, error) {
	if !s.breaker.Allow(breakerKey) {
		return "", fmt.Errorf("%w: circuit open", ErrProviderFailure)
	}

	var name string
	err := retry.Do(ctx, 3, 300*time.Millisecond, func() error {
		var err error
		name, err = s.provider.ResolveAccount(ctx, accountNumber, bankCode)
		return err
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("%w: %v", ErrUnresolvableAccount, err)
	}
	s.breaker.RecordSuccess(breakerKey)
	return name, nil
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) error {
	if !s.breaker.Allow(breakerKey) {
		return errors.New("circuit open")
	}

	// A transfer is not safely retryable without provider-side
	// idempotence per reference. One attempt; the reference lets
	// support reconcile manually.
	err := s.provider.Transfer(ctx, req)
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return err
	}
	s.breaker.RecordSuccess(breakerKey)
	return nil
}
