package negotiation

import (
	"context"
	"database/sql"
)

// PostgresStore reads negotiation records from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO negotiations (
			id, buyer_id, seller_id, listing_id, escrow_account_id,
			status, premium, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.BuyerID, n.SellerID, nullString(n.ListingID), n.EscrowAccountID,
		string(n.Status), n.Premium, n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, listing_id, escrow_account_id,
		       status, premium, created_at, updated_at
		FROM negotiations WHERE id = $1`, id)

	n := &Negotiation{}
	var (
		listingID sql.NullString
		status    string
	)
	err := row.Scan(
		&n.ID, &n.BuyerID, &n.SellerID, &listingID, &n.EscrowAccountID,
		&status, &n.Premium, &n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Status = Status(status)
	n.ListingID = listingID.String
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
