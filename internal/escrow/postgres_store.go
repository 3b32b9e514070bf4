package escrow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/loopmarket/dealdesk/internal/idgen"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// The dispute store runs ledger effects through its own transaction by
// constructing a PostgresLedger over the open *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresLedger persists escrow accounts and their ledger in PostgreSQL.
type PostgresLedger struct {
	q Querier
}

// NewPostgresLedger creates a new PostgreSQL-backed escrow ledger.
// q may be a *sql.DB for standalone use or a *sql.Tx to join an
// enclosing transaction.
func NewPostgresLedger(q Querier) *PostgresLedger {
	return &PostgresLedger{q: q}
}

// CreateAccount seeds an escrow account. Account creation is owned by the
// marketplace core in production; this exists for development and tests.
func (p *PostgresLedger) CreateAccount(ctx context.Context, a *Account) error {
	released := a.ReleasedAmount
	if released == "" {
		released = "0"
	}
	refunded := a.RefundedAmount
	if refunded == "" {
		refunded = "0"
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO escrow_accounts (id, status, currency, released_amount, refunded_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6, $7)`,
		a.ID, string(a.Status), a.Currency, released, refunded, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresLedger) ApplyHold(ctx context.Context, accountID, amount string, metadata map[string]interface{}) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	result, err := p.q.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = 'disputed',
			updated_at = NOW()
		WHERE id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrAccountNotFound
	}

	return p.insertTransaction(ctx, accountID, TxnDisputeHold, amount, metadata)
}

func (p *PostgresLedger) ReleasePayout(ctx context.Context, accountID, amount string, direction PayoutDirection, metadata map[string]interface{}) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if !direction.Valid() {
		return nil, ErrInvalidAmount
	}

	column := "released_amount"
	if direction == RefundToBuyer {
		column = "refunded_amount"
	}

	// Relative NUMERIC increment: concurrent payouts both land.
	result, err := p.q.ExecContext(ctx, `
		UPDATE escrow_accounts SET
			`+column+` = `+column+` + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1`, accountID, amount)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrAccountNotFound
	}

	return p.insertTransaction(ctx, accountID, TxnDisputePayout, amount, metadata)
}

func (p *PostgresLedger) insertTransaction(ctx context.Context, accountID string, txnType TransactionType, amount string, metadata map[string]interface{}) (*Transaction, error) {
	metaJSON, _ := json.Marshal(metadata)
	if metadata == nil {
		metaJSON = []byte("{}")
	}

	txn := &Transaction{
		ID:        idgen.WithPrefix("etx_"),
		AccountID: accountID,
		Type:      txnType,
		Amount:    amount,
		Metadata:  metadata,
	}

	row := p.q.QueryRowContext(ctx, `
		INSERT INTO escrow_transactions (id, account_id, type, amount, metadata, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, NOW())
		RETURNING created_at`,
		txn.ID, accountID, string(txnType), amount, metaJSON,
	)
	if err := row.Scan(&txn.CreatedAt); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresLedger) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, status, currency, released_amount::TEXT, refunded_amount::TEXT, created_at, updated_at
		FROM escrow_accounts WHERE id = $1`, id)

	a := &Account{}
	var status string
	err := row.Scan(&a.ID, &status, &a.Currency, &a.ReleasedAmount, &a.RefundedAmount, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	return a, nil
}

func (p *PostgresLedger) ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, account_id, type, amount::TEXT, metadata, created_at
		FROM escrow_transactions
		WHERE account_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var txnType string
		var metaJSON []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &txnType, &t.Amount, &metaJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TransactionType(txnType)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &t.Metadata)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresLedger implements Ledger.
var _ Ledger = (*PostgresLedger)(nil)
