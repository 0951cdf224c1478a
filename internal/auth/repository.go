package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles account persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an account repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns an account by id, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	const q = `SELECT id, name, email, role FROM users WHERE id = $1`
	var a Account
	err := r.pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Name, &a.Email, &a.Role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
