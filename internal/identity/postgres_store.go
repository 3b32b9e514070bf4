package identity

import (
	"context"
	"database/sql"
)

// PostgresStore reads user profiles from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user directory.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role)
		VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Email, string(u.Role),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role FROM users WHERE id = $1`, id)

	u := &User{}
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &role)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return u, nil
}

var _ Store = (*PostgresStore)(nil)
