package deposits

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/ledger"
	"github.com/globalink/walletcore/internal/wallet"
)

const testSecret = "sk_test_secret"

type fakeGateway struct {
	initErr    error
	verify     *VerifyResult
	verifyErr  error
	references []string
}

func (f *fakeGateway) Initialize(ctx context.Context, email string, amount decimal.Decimal, reference string) (*InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.references = append(f.references, reference)
	return &InitializeResult{
		AuthorizationURL: "https://checkout.example.com/" + reference,
		AccessCode:       "ac_" + reference,
		Reference:        reference,
	}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.verify, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService(gw Gateway) (*Service, *wallet.Service, *ledger.MemoryStore) {
	led := ledger.NewMemoryStore()
	core := ledger.NewCore(led, slog.Default())
	wallets := wallet.NewService(wallet.NewMemoryStore(led), nil, "NGN", slog.Default())
	svc := NewService(wallets, core, gw, testSecret, slog.Default())
	return svc, wallets, led
}

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func chargeSuccess(reference string, kobo int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"status":"success","amount":%d}}`, reference, kobo))
}

func TestInitiateWritesPendingBeforeGatewayCall(t *testing.T) {
	gw := &fakeGateway{}
	svc, wallets, led := newTestService(gw)

	res, err := svc.Initiate(context.Background(), "user-1", "u@example.com", dec("5000"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.AuthorizationURL == "" || res.Reference == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	core := ledger.NewCore(led, slog.Default())
	txn, err := core.ByReference(context.Background(), res.Reference)
	if err != nil {
		t.Fatalf("pending entry not written: %v", err)
	}
	if txn.Status != ledger.StatusPending {
		t.Errorf("expected pending entry, got %s", txn.Status)
	}

	// Nothing credited yet.
	w, _ := wallets.ByUser(context.Background(), "user-1")
	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.IsZero() {
		t.Errorf("balance credited before settlement: %s", avail)
	}
}

func TestInitiateGatewayFailureLeavesPendingEntry(t *testing.T) {
	gw := &fakeGateway{initErr: errors.New("gateway down")}
	svc, wallets, led := newTestService(gw)

	if _, err := svc.Initiate(context.Background(), "user-1", "u@example.com", dec("5000")); err == nil {
		t.Fatal("expected error when gateway is down")
	}

	w, _ := wallets.ByUser(context.Background(), "user-1")
	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.IsZero() {
		t.Errorf("balance mutated: %s", avail)
	}
}

func TestWebhookCreditsExactlyOnce(t *testing.T) {
	gw := &fakeGateway{}
	svc, wallets, led := newTestService(gw)

	res, err := svc.Initiate(context.Background(), "user-1", "u@example.com", dec("5000"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	body := chargeSuccess(res.Reference, 500000)
	settle, err := svc.HandleWebhook(context.Background(), body, sign(body))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !settle.Applied || settle.Outcome != ledger.SettleApplied {
		t.Fatalf("first webhook should apply, got %+v", settle)
	}

	// Duplicate delivery is a no-op.
	settle, err = svc.HandleWebhook(context.Background(), body, sign(body))
	if err != nil {
		t.Fatalf("duplicate webhook: %v", err)
	}
	if settle.Applied || settle.Outcome != ledger.SettleAlreadyApplied {
		t.Fatalf("duplicate webhook should not apply, got %+v", settle)
	}

	w, _ := wallets.ByUser(context.Background(), "user-1")
	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("5000")) {
		t.Errorf("balance = %s, want 5000", avail)
	}
}

func TestWebhookBadSignatureRejectedBeforeState(t *testing.T) {
	gw := &fakeGateway{}
	svc, wallets, led := newTestService(gw)

	res, err := svc.Initiate(context.Background(), "user-1", "u@example.com", dec("5000"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	body := chargeSuccess(res.Reference, 500000)
	if _, err := svc.HandleWebhook(context.Background(), body, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	w, _ := wallets.ByUser(context.Background(), "user-1")
	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.IsZero() {
		t.Errorf("unauthenticated webhook mutated state: %s", avail)
	}
}

func TestWebhookAmountMismatchClosesReference(t *testing.T) {
	gw := &fakeGateway{}
	svc, wallets, led := newTestService(gw)

	res, err := svc.Initiate(context.Background(), "user-1", "u@example.com", dec("5000"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Gateway claims 4000 against a recorded 5000.
	body := chargeSuccess(res.Reference, 400000)
	settle, err := svc.HandleWebhook(context.Background(), body, sign(body))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if settle.Applied || settle.Outcome != ledger.SettleAmountMismatch {
		t.Fatalf("mismatch should not apply, got %+v", settle)
	}

	// Even the correct amount cannot reopen a closed reference.
	body = chargeSuccess(res.Reference, 500000)
	settle, err = svc.HandleWebhook(context.Background(), body, sign(body))
	if err != nil {
		t.Fatalf("retry webhook: %v", err)
	}
	if settle.Applied || settle.Outcome != ledger.SettleClosed {
		t.Fatalf("closed reference should stay closed, got %+v", settle)
	}

	w, _ := wallets.ByUser(context.Background(), "user-1")
	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.IsZero() {
		t.Errorf("mismatched deposit credited: %s", avail)
	}
}

func TestWebhookUnknownReference(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})

	body := chargeSuccess("DEP-DOESNOTEXIST", 100000)
	if _, err := svc.HandleWebhook(context.Background(), body, sign(body)); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})

	body := []byte(`{"event":"transfer.success","data":{"reference":"TRF-1","amount":1000}}`)
	settle, err := svc.HandleWebhook(context.Background(), body, sign(body))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if settle.Applied {
		t.Error("non-charge event should not apply")
	}
}

func TestConfirmSettlesFromGateway(t *testing.T) {
	gw := &fakeGateway{}
	svc, wallets, led := newTestService(gw)

	res, err := svc.Initiate(context.Background(), "user-1", "u@example.com", dec("2500"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	gw.verify = &VerifyResult{Reference: res.Reference, Status: "success", Amount: dec("2500")}
	settle, err := svc.Confirm(context.Background(), res.Reference)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !settle.Applied {
		t.Fatalf("expected applied, got %+v", settle)
	}

	w, _ := wallets.ByUser(context.Background(), "user-1")
	avail, _, _ := led.Balance(context.Background(), w.ID)
	if !avail.Equal(dec("2500")) {
		t.Errorf("balance = %s, want 2500", avail)
	}
}

func TestConfirmRefusesUnsettledCharge(t *testing.T) {
	gw := &fakeGateway{verify: &VerifyResult{Reference: "DEP-X", Status: "abandoned"}}
	svc, _, _ := newTestService(gw)

	if _, err := svc.Confirm(context.Background(), "DEP-X"); !errors.Is(err, ErrNotSettled) {
		t.Fatalf("expected ErrNotSettled, got %v", err)
	}
}
