//go:build integration

package wallet

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), db, cleanup
}

func testWallet(id, userID string) *Wallet {
	now := time.Now().UTC()
	return &Wallet{
		ID:               id,
		UserID:           userID,
		Currency:         "NGN",
		Available:        decimal.Zero,
		Escrow:           decimal.Zero,
		AccountReference: "ref_" + id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPostgres_CreateAndLookups(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	w := testWallet("wal_1", "usr_1")
	if err := store.Create(ctx, w); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byID, err := store.Get(ctx, "wal_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if byID.UserID != "usr_1" {
		t.Errorf("UserID = %q, want usr_1", byID.UserID)
	}

	byUser, err := store.ByUser(ctx, "usr_1")
	if err != nil {
		t.Fatalf("ByUser failed: %v", err)
	}
	if byUser.ID != "wal_1" {
		t.Errorf("ID = %q, want wal_1", byUser.ID)
	}

	byRef, err := store.ByAccountReference(ctx, "ref_wal_1")
	if err != nil {
		t.Fatalf("ByAccountReference failed: %v", err)
	}
	if byRef.ID != "wal_1" {
		t.Errorf("ID = %q, want wal_1", byRef.ID)
	}
}

func TestPostgres_NotFound(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	if _, err := store.ByUser(ctx, "missing"); err != ErrNotFound {
		t.Errorf("ByUser missing = %v, want ErrNotFound", err)
	}
}

func TestPostgres_DuplicateUserRejected(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testWallet("wal_1", "usr_1")); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := store.Create(ctx, testWallet("wal_2", "usr_1")); err != ErrExists {
		t.Errorf("second Create for same user = %v, want ErrExists", err)
	}
}

func TestPostgres_UpdateVirtualAccount(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testWallet("wal_1", "usr_1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := store.UpdateVirtualAccount(ctx, "wal_1", "9012345678", "Test Bank", "035")
	if err != nil {
		t.Fatalf("UpdateVirtualAccount failed: %v", err)
	}

	w, _ := store.Get(ctx, "wal_1")
	if w.AccountNumber != "9012345678" || w.BankName != "Test Bank" || w.BankCode != "035" {
		t.Errorf("virtual account = %q/%q/%q, not persisted", w.AccountNumber, w.BankName, w.BankCode)
	}
}

func TestPostgres_SetFrozen(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testWallet("wal_1", "usr_1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.SetFrozen(ctx, "wal_1", true); err != nil {
		t.Fatalf("SetFrozen failed: %v", err)
	}
	w, _ := store.Get(ctx, "wal_1")
	if !w.Frozen {
		t.Error("wallet not frozen after SetFrozen(true)")
	}

	if err := store.SetFrozen(ctx, "wal_1", false); err != nil {
		t.Fatalf("SetFrozen(false) failed: %v", err)
	}
	w, _ = store.Get(ctx, "wal_1")
	if w.Frozen {
		t.Error("wallet still frozen after SetFrozen(false)")
	}

	if err := store.SetFrozen(ctx, "missing", true); err != ErrNotFound {
		t.Errorf("SetFrozen on missing wallet = %v, want ErrNotFound", err)
	}
}
