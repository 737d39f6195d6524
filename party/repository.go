package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested party does not exist.
	ErrNotFound = errors.New("party: not found")
	// ErrNoWallet signals the party has not linked a settlement address yet.
	ErrNoWallet = errors.New("party: no wallet address linked")
)

// Repository provides read access to party profiles backed by the users table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `id, email, full_name, role, wallet_address, created_at`

// GetByID fetches a party profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM users WHERE id = $1`

	var p Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Email, &p.Name, &p.Role, &p.WalletAddress, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("party: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit party profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + profileColumns + ` FROM users ORDER BY full_name ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("party: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &p.Role, &p.WalletAddress, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("party: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("party: iterate profiles: %w", err)
	}
	return profiles, nil
}

// WalletAddress resolves the settlement address escrow creation needs.
// Implements the lifecycle engine's party directory.
func (r *Repository) WalletAddress(ctx context.Context, partyID string) (string, error) {
	var addr *string
	err := r.pool.QueryRow(ctx, `SELECT wallet_address FROM users WHERE id = $1`, partyID).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("party: query wallet: %w", err)
	}
	if addr == nil || *addr == "" {
		return "", ErrNoWallet
	}
	return *addr, nil
}

// LinkWallet stores or replaces the party's settlement address.
func (r *Repository) LinkWallet(ctx context.Context, partyID, address string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET wallet_address = $2 WHERE id = $1`, partyID, address)
	if err != nil {
		return fmt.Errorf("party: link wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
