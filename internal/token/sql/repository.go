// Package tokensql is the durable-store repository for refresh tokens.
package tokensql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/token"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = token.RefreshRepository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, t token.RefreshToken) error {
	if _, err := r.db.Exec(
		ctx, `INSERT INTO refresh_tokens (id, employee_id, session_id, token_hash, client_info, ip_address, issued_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`,
		t.ID, t.EmployeeID, t.SessionID, t.TokenHash, t.ClientInfo, t.IPAddress, t.IssuedAt, t.ExpiresAt,
	); err != nil {
		return fmt.Errorf("inserting into refresh_tokens: %w", err)
	}

	return nil
}

func (r *Repository) ListCandidates(ctx context.Context) ([]token.RefreshToken, error) {
	rows, err := r.db.Query(
		ctx, `SELECT id, employee_id, session_id, token_hash, client_info, ip_address, issued_at, expires_at, revoked_at
FROM refresh_tokens;`,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting from refresh_tokens: %w", err)
	}
	defer rows.Close()

	var tokens []token.RefreshToken
	for rows.Next() {
		var t token.RefreshToken
		if err := rows.Scan(&t.ID, &t.EmployeeID, &t.SessionID, &t.TokenHash, &t.ClientInfo, &t.IPAddress, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt); err != nil {
			return nil, fmt.Errorf("scanning refresh_tokens row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating refresh_tokens rows: %w", err)
	}

	return tokens, nil
}

// Revoke is a compare-and-swap on revoked_at so concurrent rotations of the
// same token have at most one winner.
func (r *Repository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(
		ctx, `UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL;`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("updating refresh_tokens: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var revokedAt *time.Time
		err := r.db.QueryRow(ctx, `SELECT revoked_at FROM refresh_tokens WHERE id = $1;`, id).Scan(&revokedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return serviceerr.ErrTokenNotFound
		case err != nil:
			return fmt.Errorf("selecting from refresh_tokens: %w", err)
		}

		return serviceerr.ErrTokenRevoked
	}

	return nil
}

func (r *Repository) RevokeAllForEmployee(ctx context.Context, employeeID string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(
		ctx, `UPDATE refresh_tokens SET revoked_at = $2 WHERE employee_id = $1 AND revoked_at IS NULL;`,
		employeeID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh_tokens for employee: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *Repository) DeleteStale(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention)
	tag, err := r.db.Exec(
		ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1 OR revoked_at < $1;`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting stale refresh_tokens: %w", err)
	}

	return tag.RowsAffected(), nil
}
