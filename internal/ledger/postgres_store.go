package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/globalink/walletcore/internal/idgen"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on PostgreSQL. Wallet rows live in the
// wallets table (owned by the wallet package); this store is the only
// writer of their balance columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// begin starts a transaction at the default read-committed level. The
// explicit FOR UPDATE locks make each operation an atomic lock-then-read
// unit; stricter isolation would abort lock waiters with serialization
// failures instead of letting them proceed on the committed value.
func (p *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, nil)
}

// lockedWallet is a wallet row held under FOR UPDATE.
type lockedWallet struct {
	id        string
	available decimal.Decimal
	escrow    decimal.Decimal
	frozen    bool
}

// lockWallet acquires an exclusive row lock before any balance is read.
func lockWallet(ctx context.Context, tx *sql.Tx, walletID string) (*lockedWallet, error) {
	w := &lockedWallet{id: walletID}
	err := tx.QueryRowContext(ctx, `
		SELECT available_balance, escrow_balance, is_frozen
		FROM wallets WHERE id = $1
		FOR UPDATE
	`, walletID).Scan(&w.available, &w.escrow, &w.frozen)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// lockWallets locks several wallet rows in ascending id order regardless of
// the order the caller supplied them, so concurrent multi-wallet operations
// cannot deadlock.
func lockWallets(ctx context.Context, tx *sql.Tx, walletIDs []string) (map[string]*lockedWallet, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, available_balance, escrow_balance, is_frozen
		FROM wallets WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, pq.Array(walletIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]*lockedWallet, len(walletIDs))
	for rows.Next() {
		w := &lockedWallet{}
		if err := rows.Scan(&w.id, &w.available, &w.escrow, &w.frozen); err != nil {
			return nil, err
		}
		locked[w.id] = w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range walletIDs {
		if _, ok := locked[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
		}
	}
	return locked, nil
}

func updateAvailable(ctx context.Context, tx *sql.Tx, walletID string, delta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available_balance = available_balance + $2::NUMERIC(12,2),
			updated_at = NOW()
		WHERE id = $1
	`, walletID, delta)
	return err
}

func updateBalances(ctx context.Context, tx *sql.Tx, walletID string, availDelta, escrowDelta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available_balance = available_balance + $2::NUMERIC(12,2),
			escrow_balance    = escrow_balance    + $3::NUMERIC(12,2),
			updated_at = NOW()
	 	WHERE id = $1
	`, walletID, availDelta, escrowDelta)
	return err
}

func insertEntry(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_id, amount, kind, status, reference, description, order_id, job_id, created_at)
		VALUES ($1, $2, $3::NUMERIC(12,2), $4, $5, $6, $7, $8, $9, $10)
	`, txn.ID, txn.WalletID, txn.Amount, string(txn.Kind), string(txn.Status),
		nullString(txn.Reference), txn.Description, nullString(txn.OrderID), nullString(txn.JobID), txn.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func newEntry(walletID string, amount decimal.Decimal, kind Kind, status Status, reference, description, orderID string) *Transaction {
	return &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    walletID,
		Amount:      amount,
		Kind:        kind,
		Status:      status,
		Reference:   reference,
		Description: description,
		OrderID:     orderID,
		CreatedAt:   time.Now().UTC(),
	}
}

func (p *PostgresStore) Credit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := CreditTx(ctx, tx, walletID, amount, kind, reference, description)
	if err != nil {
		return nil, err
	}
	return txn, tx.Commit()
}

// CreditTx applies a credit inside a caller-owned transaction. Exported for
// stores that must commit a credit together with their own state (escrow).
func CreditTx(ctx context.Context, tx *sql.Tx, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	if _, err := lockWallet(ctx, tx, walletID); err != nil {
		return nil, err
	}
	if err := updateAvailable(ctx, tx, walletID, amount); err != nil {
		return nil, err
	}
	txn := newEntry(walletID, amount, kind, StatusSuccess, reference, description, "")
	if err := insertEntry(ctx, tx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, description string) (*Transaction, error) {
	return p.debit(ctx, walletID, amount, kind, StatusSuccess, "", description)
}

func (p *PostgresStore) DebitPending(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, reference, description string) (*Transaction, error) {
	return p.debit(ctx, walletID, amount, kind, StatusPending, reference, description)
}

func (p *PostgresStore) debit(ctx context.Context, walletID string, amount decimal.Decimal, kind Kind, status Status, reference, description string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if w.frozen {
		return nil, ErrWalletFrozen
	}
	if w.available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	if err := updateAvailable(ctx, tx, walletID, amount.Neg()); err != nil {
		return nil, err
	}
	txn := newEntry(walletID, amount.Neg(), kind, status, reference, description, "")
	if err := insertEntry(ctx, tx, txn); err != nil {
		return nil, err
	}
	return txn, tx.Commit()
}

func (p *PostgresStore) FinalizePending(ctx context.Context, txnID string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := lockEntry(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusPending {
		return nil, ErrTransactionFinal
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transactions SET status = 'success' WHERE id = $1`, txnID); err != nil {
		return nil, err
	}
	txn.Status = StatusSuccess
	return txn, tx.Commit()
}

func (p *PostgresStore) RevertPending(ctx context.Context, txnID, reason string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := lockEntry(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusPending {
		return nil, ErrTransactionFinal
	}
	if _, err := lockWallet(ctx, tx, txn.WalletID); err != nil {
		return nil, err
	}
	// The entry's amount is negative; crediting its negation restores the
	// wallet to its pre-debit balance.
	if err := updateAvailable(ctx, tx, txn.WalletID, txn.Amount.Neg()); err != nil {
		return nil, err
	}
	desc := txn.Description
	if reason != "" {
		desc = fmt.Sprintf("%s (%s)", desc, reason)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = 'failed', description = $2 WHERE id = $1
	`, txnID, desc); err != nil {
		return nil, err
	}
	txn.Status = StatusFailed
	txn.Description = desc
	return txn, tx.Commit()
}

func (p *PostgresStore) LockToEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := EscrowLockTx(ctx, tx, walletID, amount, orderID)
	if err != nil {
		return nil, err
	}
	return txn, tx.Commit()
}

// EscrowLockTx moves amount from available to escrow inside a caller-owned
// transaction.
func EscrowLockTx(ctx context.Context, tx *sql.Tx, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	w, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if w.frozen {
		return nil, ErrWalletFrozen
	}
	if w.available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	if err := updateBalances(ctx, tx, walletID, amount.Neg(), amount); err != nil {
		return nil, err
	}
	txn := newEntry(walletID, amount.Neg(), KindEscrowLock, StatusSuccess, "", "funds locked in escrow", orderID)
	if err := insertEntry(ctx, tx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) ReleaseEscrow(ctx context.Context, buyerID string, total decimal.Decimal, splits []Split, orderID string) ([]*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txns, err := EscrowReleaseTx(ctx, tx, buyerID, total, splits, orderID)
	if err != nil {
		return nil, err
	}
	return txns, tx.Commit()
}

// EscrowReleaseTx pays out an escrow hold inside a caller-owned transaction.
// All wallets involved are locked up front in ascending id order.
func EscrowReleaseTx(ctx context.Context, tx *sql.Tx, buyerID string, total decimal.Decimal, splits []Split, orderID string) ([]*Transaction, error) {
	ids := []string{buyerID}
	for _, s := range splits {
		ids = append(ids, s.WalletID)
	}
	locked, err := lockWallets(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if locked[buyerID].escrow.LessThan(total) {
		return nil, ErrInsufficientEscrow
	}

	if err := updateBalances(ctx, tx, buyerID, decimal.Zero, total.Neg()); err != nil {
		return nil, err
	}
	release := newEntry(buyerID, total.Neg(), KindEscrowRelease, StatusSuccess, "", "escrow released", orderID)
	if err := insertEntry(ctx, tx, release); err != nil {
		return nil, err
	}
	txns := []*Transaction{release}

	for _, s := range splits {
		if err := updateAvailable(ctx, tx, s.WalletID, s.Amount); err != nil {
			return nil, err
		}
		txn := newEntry(s.WalletID, s.Amount, s.Kind, StatusSuccess, "", s.Description, orderID)
		if err := insertEntry(ctx, tx, txn); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := EscrowRefundTx(ctx, tx, walletID, amount, orderID)
	if err != nil {
		return nil, err
	}
	return txn, tx.Commit()
}

// EscrowRefundTx moves amount from escrow back to available inside a
// caller-owned transaction.
func EscrowRefundTx(ctx context.Context, tx *sql.Tx, walletID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	w, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if w.escrow.LessThan(amount) {
		return nil, ErrInsufficientEscrow
	}
	if err := updateBalances(ctx, tx, walletID, amount, amount.Neg()); err != nil {
		return nil, err
	}
	txn := newEntry(walletID, amount, KindRefund, StatusSuccess, "", "escrow refunded", orderID)
	if err := insertEntry(ctx, tx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) CreatePendingDeposit(ctx context.Context, walletID string, amount decimal.Decimal, reference, description string) (*Transaction, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// No balance change yet; the uniqueness constraint on reference is the
	// idempotency boundary even under concurrent duplicate inserts.
	txn := newEntry(walletID, amount, KindDeposit, StatusPending, reference, description, "")
	if err := insertEntry(ctx, tx, txn); err != nil {
		return nil, err
	}
	return txn, tx.Commit()
}

func (p *PostgresStore) SettleDeposit(ctx context.Context, reference string, claimed *decimal.Decimal) (*SettleResult, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := lockEntryByReference(ctx, tx, reference)
	if err != nil {
		return nil, err
	}

	switch txn.Status {
	case StatusSuccess:
		return &SettleResult{Applied: false, Outcome: SettleAlreadyApplied, Transaction: txn}, nil
	case StatusFailed:
		return &SettleResult{Applied: false, Outcome: SettleClosed, Transaction: txn}, nil
	}

	if claimed != nil && !claimed.Equal(txn.Amount) {
		desc := fmt.Sprintf("amount mismatch: expected %s, got %s", txn.Amount, claimed)
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET status = 'failed', description = $2 WHERE id = $1
		`, txn.ID, desc); err != nil {
			return nil, err
		}
		txn.Status = StatusFailed
		txn.Description = desc
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &SettleResult{Applied: false, Outcome: SettleAmountMismatch, Transaction: txn}, nil
	}

	if _, err := lockWallet(ctx, tx, txn.WalletID); err != nil {
		return nil, err
	}
	if err := updateAvailable(ctx, tx, txn.WalletID, txn.Amount); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE transactions SET status = 'success' WHERE id = $1`, txn.ID); err != nil {
		return nil, err
	}
	txn.Status = StatusSuccess
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SettleResult{Applied: true, Outcome: SettleApplied, Transaction: txn}, nil
}

func (p *PostgresStore) Balance(ctx context.Context, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	var available, escrow decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT available_balance, escrow_balance FROM wallets WHERE id = $1
	`, walletID).Scan(&available, &escrow)
	if err == sql.ErrNoRows {
		return decimal.Zero, decimal.Zero, ErrWalletNotFound
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return available, escrow, nil
}

const entryColumns = `id, wallet_id, amount, kind, status, reference, description, order_id, job_id, created_at`

func (p *PostgresStore) History(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transactions WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HistoryBefore(ctx context.Context, walletID string, beforeCreatedAt time.Time, beforeID string, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM transactions WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []any{walletID, limit}
	if !beforeCreatedAt.IsZero() {
		query = `
		SELECT ` + entryColumns + `
		FROM transactions
		WHERE wallet_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`
		args = []any{walletID, beforeCreatedAt, beforeID, limit}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ByReference(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE reference = $1
	`, reference)
	txn, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func lockEntry(ctx context.Context, tx *sql.Tx, txnID string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE id = $1 FOR UPDATE
	`, txnID)
	txn, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func lockEntryByReference(ctx context.Context, tx *sql.Tx, reference string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM transactions WHERE reference = $1 FOR UPDATE
	`, reference)
	txn, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Transaction, error) {
	var (
		txn           Transaction
		kind, status  string
		ref, ord, job sql.NullString
	)
	err := row.Scan(&txn.ID, &txn.WalletID, &txn.Amount, &kind, &status, &ref, &txn.Description, &ord, &job, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	txn.Kind = Kind(kind)
	txn.Status = Status(status)
	txn.Reference = ref.String
	txn.OrderID = ord.String
	txn.JobID = job.String
	return &txn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
