package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/globalink/walletcore/internal/ledger"
)

// PostgresStore persists orders in PostgreSQL. Hold, Release and
// Refund run the guarded status UPDATE and the ledger mutation in a
// single transaction under a row lock, so an order can never change
// state without the matching balance movement, or vice versa.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_wallet_id, seller_wallet_id, courier_wallet_id,
		       total, delivery_fee, payment_status, pin_hash,
		       held_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_wallet_id, seller_wallet_id, courier_wallet_id,
			total, delivery_fee, payment_status, pin_hash,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(12,2), $6::NUMERIC(12,2), $7, $8, $9, $10)`,
		o.ID, o.BuyerWalletID, o.SellerWalletID, nullString(o.CourierWalletID),
		o.Total.String(), o.DeliveryFee.String(), string(o.PaymentStatus), o.PINHash,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerWalletID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerWalletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *PostgresStore) Hold(ctx context.Context, id string) (*Order, error) {
	return p.transition(ctx, id, StatusPending, StatusHeld,
		func(ctx context.Context, tx *sql.Tx, o *Order) error {
			_, err := ledger.EscrowLockTx(ctx, tx, o.BuyerWalletID, o.Total, o.ID)
			return err
		})
}

func (p *PostgresStore) Release(ctx context.Context, id string, splits []ledger.Split) (*Order, error) {
	return p.transition(ctx, id, StatusHeld, StatusReleased,
		func(ctx context.Context, tx *sql.Tx, o *Order) error {
			_, err := ledger.EscrowReleaseTx(ctx, tx, o.BuyerWalletID, o.Total, splits, o.ID)
			return err
		})
}

func (p *PostgresStore) Refund(ctx context.Context, id string) (*Order, error) {
	return p.transition(ctx, id, StatusHeld, StatusRefunded,
		func(ctx context.Context, tx *sql.Tx, o *Order) error {
			_, err := ledger.EscrowRefundTx(ctx, tx, o.BuyerWalletID, o.Total, o.ID)
			return err
		})
}

// transition locks the order row, applies the guarded status change
// plus the wallet mutation, and commits both or neither.
func (p *PostgresStore) transition(ctx context.Context, id string, from, to PaymentStatus,
	apply func(ctx context.Context, tx *sql.Tx, o *Order) error) (*Order, error) {

	// Read committed: the FOR UPDATE lock serializes transitions per
	// order, and lock waiters must see the winner's committed status
	// rather than abort on a serialization failure.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != from {
		return nil, ErrInvalidState
	}

	if err := apply(ctx, tx, o); err != nil {
		return nil, err
	}

	now := time.Now()
	o.PaymentStatus = to
	o.UpdatedAt = now
	if to == StatusHeld {
		o.HeldAt = &now
	} else {
		o.ResolvedAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET payment_status = $1, held_at = $2, resolved_at = $3, updated_at = $4
		WHERE id = $5`,
		string(o.PaymentStatus), nullTime(o.HeldAt), nullTime(o.ResolvedAt), o.UpdatedAt, o.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o          Order
		courier    sql.NullString
		total      string
		fee        string
		status     string
		heldAt     sql.NullTime
		resolvedAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.BuyerWalletID, &o.SellerWalletID, &courier,
		&total, &fee, &status, &o.PINHash,
		&heldAt, &resolvedAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.CourierWalletID = courier.String
	o.PaymentStatus = PaymentStatus(status)
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if o.DeliveryFee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if heldAt.Valid {
		o.HeldAt = &heldAt.Time
	}
	if resolvedAt.Valid {
		o.ResolvedAt = &resolvedAt.Time
	}
	return &o, nil
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
