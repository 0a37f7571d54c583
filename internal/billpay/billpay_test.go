package billpay

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/wallet"
)

type fakeBiller struct {
	payErr   error
	payCalls []PayRequest
}

func (f *fakeBiller) Variations(ctx context.Context, serviceID string) ([]Variation, error) {
	return []Variation{{Code: "mtn-1gb", Name: "1GB 30 days", Amount: decimal.NewFromInt(300)}}, nil
}

func (f *fakeBiller) Pay(ctx context.Context, req PayRequest) error {
	if f.payErr != nil {
		return f.payErr
	}
	f.payCalls = append(f.payCalls, req)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newFixture(biller Biller) (*Service, *wallet.Service, *ledger.MemoryStore, *ledger.Core) {
	led := ledger.NewMemoryStore()
	core := ledger.NewCore(led, slog.Default())
	wallets := wallet.NewService(wallet.NewMemoryStore(led), nil, "NGN", slog.Default())
	svc := NewService(wallets, core, biller, slog.Default())
	return svc, wallets, led, core
}

func TestPurchaseDataDebitsWallet(t *testing.T) {
	biller := &fakeBiller{}
	svc, wallets, led, core := newFixture(biller)
	w, _ := wallets.GetOrCreate(context.Background(), "user-1")
	led.Seed(w.ID, dec("1000"))

	p, err := svc.PurchaseData(context.Background(), "user-1", "mtn-data", "mtn-1gb", "08030001111", dec("300"))
	if err != nil {
		t.Fatalf("PurchaseData: %v", err)
	}
	if len(biller.payCalls) != 1 || biller.payCalls[0].RequestID != p.Reference {
		t.Fatalf("biller not called with purchase reference")
	}

	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("700")) {
		t.Errorf("balance = %s, want 700", avail)
	}
	txn, err := core.ByReference(context.Background(), p.Reference)
	if err != nil {
		t.Fatalf("ByReference: %v", err)
	}
	if txn.Status != ledger.StatusSuccess || txn.Kind != ledger.KindBillPayment {
		t.Errorf("entry = %s/%s, want success bill_payment", txn.Status, txn.Kind)
	}
}

func TestPurchaseDataBillerFailureRefunds(t *testing.T) {
	biller := &fakeBiller{payErr: errors.New("biller timeout")}
	svc, wallets, led, core := newFixture(biller)
	w, _ := wallets.GetOrCreate(context.Background(), "user-1")
	led.Seed(w.ID, dec("1000"))

	_, err := svc.PurchaseData(context.Background(), "user-1", "mtn-data", "mtn-1gb", "08030001111", dec("300"))
	if !errors.Is(err, ErrBillerFailure) {
		t.Fatalf("expected ErrBillerFailure, got %v", err)
	}

	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("1000")) {
		t.Errorf("balance = %s, want 1000 after refund", avail)
	}

	// The failed attempt leaves an auditable failed entry.
	history, _ := core.History(context.Background(), w.ID, 10)
	var failed int
	for _, txn := range history {
		if txn.Status == ledger.StatusFailed && txn.Kind == ledger.KindBillPayment {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed bill_payment entries = %d, want 1", failed)
	}
}

func TestPurchaseDataInsufficientFunds(t *testing.T) {
	biller := &fakeBiller{}
	svc, wallets, led, _ := newFixture(biller)
	w, _ := wallets.GetOrCreate(context.Background(), "user-1")
	led.Seed(w.ID, dec("100"))

	_, err := svc.PurchaseData(context.Background(), "user-1", "mtn-data", "mtn-1gb", "08030001111", dec("300"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(biller.payCalls) != 0 {
		t.Error("biller called without a successful debit")
	}
}

func TestDataPlans(t *testing.T) {
	svc, _, _, _ := newFixture(&fakeBiller{})
	plans, err := svc.DataPlans(context.Background(), "mtn-data")
	if err != nil {
		t.Fatalf("DataPlans: %v", err)
	}
	if len(plans) != 1 || plans[0].Code != "mtn-1gb" {
		t.Errorf("unexpected plans: %+v", plans)
	}
}
