package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists wallets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, currency, available_balance, escrow_balance,
			account_reference, account_number, bank_name, bank_code, is_frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5::NUMERIC(12,2), $6, $7, $8, $9, $10, $11, $12)
	`, w.ID, w.UserID, w.Currency, w.Available, w.Escrow,
		w.AccountReference, nullString(w.AccountNumber), nullString(w.BankName), nullString(w.BankCode),
		w.Frozen, w.CreatedAt, w.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

const walletColumns = `id, user_id, currency, available_balance, escrow_balance,
	account_reference, account_number, bank_name, bank_code, is_frozen, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wallet, error) {
	return p.one(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
}

func (p *PostgresStore) ByUser(ctx context.Context, userID string) (*Wallet, error) {
	return p.one(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
}

func (p *PostgresStore) ByAccountReference(ctx context.Context, ref string) (*Wallet, error) {
	return p.one(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_reference = $1`, ref)
}

func (p *PostgresStore) one(ctx context.Context, query string, arg any) (*Wallet, error) {
	var (
		w                       Wallet
		acctNum, bank, bankCode sql.NullString
	)
	err := p.db.QueryRowContext(ctx, query, arg).Scan(
		&w.ID, &w.UserID, &w.Currency, &w.Available, &w.Escrow,
		&w.AccountReference, &acctNum, &bank, &bankCode, &w.Frozen, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.AccountNumber = acctNum.String
	w.BankName = bank.String
	w.BankCode = bankCode.String
	return &w, nil
}

func (p *PostgresStore) UpdateVirtualAccount(ctx context.Context, id, accountNumber, bankName, bankCode string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET account_number = $2, bank_name = $3, bank_code = $4, updated_at = NOW()
		WHERE id = $1
	`, id, accountNumber, bankName, bankCode)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetFrozen(ctx context.Context, id string, frozen bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET is_frozen = $2, updated_at = NOW() WHERE id = $1
	`, id, frozen)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
