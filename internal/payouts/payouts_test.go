package payouts

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/circuitbreaker"
	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/wallet"
)

type fakeProvider struct {
	resolveName string
	resolveErr  error
	transferErr error
	transfers   []TransferRequest
}

func (f *fakeProvider) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.resolveName, nil
}

func (f *fakeProvider) Transfer(ctx context.Context, req TransferRequest) error {
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transfers = append(f.transfers, req)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	svc     *Service
	wallets *wallet.Service
	led     *ledger.MemoryStore
	core    *ledger.Core
}

func newFixture(provider Provider) *fixture {
	led := ledger.NewMemoryStore()
	core := ledger.NewCore(led, slog.Default())
	wallets := wallet.NewService(wallet.NewMemoryStore(led), nil, "NGN", slog.Default())
	breaker := circuitbreaker.New(5, time.Minute)
	svc := NewService(NewMemoryStore(), wallets, core, provider, breaker, dec("1000"), slog.Default())
	return &fixture{svc: svc, wallets: wallets, led: led, core: core}
}

// fundedWallet creates a wallet for userID and seeds it with amount.
func (f *fixture) fundedWallet(t *testing.T, userID, amount string) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.led.Seed(w.ID, dec(amount))
	return w
}

func (f *fixture) addAccount(t *testing.T, userID string) *BankAccount {
	t.Helper()
	ba, err := f.svc.AddBankAccount(context.Background(), userID, "GTBank", "058", "0123456789", true)
	if err != nil {
		t.Fatalf("AddBankAccount: %v", err)
	}
	return ba
}

func TestAddBankAccountStoresVerifiedName(t *testing.T) {
	f := newFixture(&fakeProvider{resolveName: "ADA OBI"})

	ba := f.addAccount(t, "user-1")
	if ba.AccountName != "ADA OBI" {
		t.Errorf("account name = %q, want resolved name", ba.AccountName)
	}
}

func TestAddBankAccountUnresolvableNotStored(t *testing.T) {
	f := newFixture(&fakeProvider{resolveErr: errors.New("no such account")})

	if _, err := f.svc.AddBankAccount(context.Background(), "user-1", "GTBank", "058", "0000000000", false); !errors.Is(err, ErrUnresolvableAccount) {
		t.Fatalf("expected ErrUnresolvableAccount, got %v", err)
	}
	accounts, _ := f.svc.ListBankAccounts(context.Background(), "user-1")
	if len(accounts) != 0 {
		t.Errorf("unresolvable account was stored")
	}
}

func TestWithdrawHappyPath(t *testing.T) {
	provider := &fakeProvider{resolveName: "ADA OBI"}
	f := newFixture(provider)
	w := f.fundedWallet(t, "user-1", "50000")
	ba := f.addAccount(t, "user-1")

	req, err := f.svc.Withdraw(context.Background(), "user-1", dec("20000"), ba.ID)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if req.Status != RequestApproved {
		t.Errorf("status = %s, want approved", req.Status)
	}
	if len(provider.transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(provider.transfers))
	}
	if provider.transfers[0].Reference != req.Reference {
		t.Errorf("transfer reference mismatch")
	}

	avail, _, _ := f.led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("30000")) {
		t.Errorf("balance = %s, want 30000", avail)
	}
	txn, err := f.core.ByReference(context.Background(), req.Reference)
	if err != nil {
		t.Fatalf("ByReference: %v", err)
	}
	if txn.Status != ledger.StatusSuccess {
		t.Errorf("entry status = %s, want success", txn.Status)
	}
}

func TestWithdrawBelowMinimum(t *testing.T) {
	f := newFixture(&fakeProvider{resolveName: "ADA OBI"})
	f.fundedWallet(t, "user-1", "50000")
	ba := f.addAccount(t, "user-1")

	if _, err := f.svc.Withdraw(context.Background(), "user-1", dec("500"), ba.ID); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(&fakeProvider{resolveName: "ADA OBI"})
	w := f.fundedWallet(t, "user-1", "1500")
	ba := f.addAccount(t, "user-1")

	if _, err := f.svc.Withdraw(context.Background(), "user-1", dec("20000"), ba.ID); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	avail, _, _ := f.led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("1500")) {
		t.Errorf("balance mutated: %s", avail)
	}
}

func TestWithdrawTransferFailureCompensates(t *testing.T) {
	provider := &fakeProvider{resolveName: "ADA OBI"}
	f := newFixture(provider)
	w := f.fundedWallet(t, "user-1", "50000")
	ba := f.addAccount(t, "user-1")

	provider.transferErr = context.DeadlineExceeded

	req, err := f.svc.Withdraw(context.Background(), "user-1", dec("20000"), ba.ID)
	if !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	if req == nil || req.Status != RequestRejected {
		t.Fatalf("expected rejected request, got %+v", req)
	}

	// Compensating credit restored the balance.
	avail, _, _ := f.led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("50000")) {
		t.Errorf("balance = %s, want 50000 after compensation", avail)
	}
	txn, err := f.core.ByReference(context.Background(), req.Reference)
	if err != nil {
		t.Fatalf("ByReference: %v", err)
	}
	if txn.Status != ledger.StatusFailed {
		t.Errorf("entry status = %s, want failed", txn.Status)
	}
}

func TestWithdrawOthersBankAccountRejected(t *testing.T) {
	f := newFixture(&fakeProvider{resolveName: "ADA OBI"})
	f.fundedWallet(t, "user-1", "50000")
	f.fundedWallet(t, "user-2", "50000")
	ba := f.addAccount(t, "user-2")

	if _, err := f.svc.Withdraw(context.Background(), "user-1", dec("20000"), ba.ID); !errors.Is(err, ErrBankAccountNotFound) {
		t.Fatalf("expected ErrBankAccountNotFound, got %v", err)
	}
}

func TestWithdrawUnresolvableAccountNoDebit(t *testing.T) {
	provider := &fakeProvider{resolveName: "ADA OBI"}
	f := newFixture(provider)
	w := f.fundedWallet(t, "user-1", "50000")
	ba := f.addAccount(t, "user-1")

	provider.resolveErr = errors.New("account closed")

	if _, err := f.svc.Withdraw(context.Background(), "user-1", dec("20000"), ba.ID); !errors.Is(err, ErrUnresolvableAccount) {
		t.Fatalf("expected ErrUnresolvableAccount, got %v", err)
	}
	avail, _, _ := f.led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("50000")) {
		t.Errorf("balance mutated before transfer: %s", avail)
	}
}
