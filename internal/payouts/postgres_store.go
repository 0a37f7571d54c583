package payouts

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists bank accounts and withdrawal requests in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateBankAccount(ctx context.Context, ba *BankAccount) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bank_accounts (
			id, user_id, bank_name, bank_code, account_number,
			account_name, is_primary, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ba.ID, ba.UserID, ba.BankName, ba.BankCode, ba.AccountNumber,
		ba.AccountName, ba.Primary, ba.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateBankAccount
	}
	return err
}

const bankAccountColumns = `id, user_id, bank_name, bank_code, account_number,
		       account_name, is_primary, created_at`

func (p *PostgresStore) GetBankAccount(ctx context.Context, id string) (*BankAccount, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bankAccountColumns+` FROM bank_accounts WHERE id = $1`, id)

	var ba BankAccount
	err := row.Scan(&ba.ID, &ba.UserID, &ba.BankName, &ba.BankCode, &ba.AccountNumber,
		&ba.AccountName, &ba.Primary, &ba.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBankAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ba, nil
}

func (p *PostgresStore) ListBankAccounts(ctx context.Context, userID string) ([]*BankAccount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bankAccountColumns+` FROM bank_accounts
		WHERE user_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*BankAccount
	for rows.Next() {
		var ba BankAccount
		if err := rows.Scan(&ba.ID, &ba.UserID, &ba.BankName, &ba.BankCode, &ba.AccountNumber,
			&ba.AccountName, &ba.Primary, &ba.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, &ba)
	}
	return accounts, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *WithdrawalRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (
			id, user_id, wallet_id, bank_account_id, amount,
			reference, status, reason, transaction_id, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(12,2), $6, $7, $8, $9, $10, $11)`,
		r.ID, r.UserID, r.WalletID, r.BankAccountID, r.Amount.String(),
		r.Reference, string(r.Status), nullString(r.Reason), r.TransactionID,
		nullTime(r.ProcessedAt), r.CreatedAt,
	)
	return err
}

const requestColumns = `id, user_id, wallet_id, bank_account_id, amount,
		       reference, status, reason, transaction_id, processed_at, created_at`

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*WithdrawalRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) ListRequests(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*WithdrawalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (p *PostgresStore) ResolveRequest(ctx context.Context, id string, status RequestStatus, reason string) (*WithdrawalRequest, error) {
	now := time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = $1, reason = $2, processed_at = $3
		WHERE id = $4 AND status = 'pending'`,
		string(status), nullString(reason), now, id)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrRequestNotFound
	}
	return p.GetRequest(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*WithdrawalRequest, error) {
	var (
		r           WithdrawalRequest
		amount      string
		status      string
		reason      sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.WalletID, &r.BankAccountID, &amount,
		&r.Reference, &status, &reason, &r.TransactionID, &processedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.Reason = reason.String
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
