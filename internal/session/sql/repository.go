// Package sessionsql is the durable-store repository for sessions.
package sessionsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/session"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = session.DurableRepository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Store(ctx context.Context, s session.Session) error {
	if _, err := r.db.Exec(
		ctx, `INSERT INTO sessions (id, employee_id, ip_address, user_agent, created_at, last_activity_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		s.ID, s.EmployeeID, s.IPAddress, s.UserAgent, s.CreatedAt, s.LastActivityAt, s.ExpiresAt,
	); err != nil {
		return fmt.Errorf("inserting into sessions: %w", err)
	}

	return nil
}

func (r *Repository) Load(ctx context.Context, sessionID string) (s session.Session, _ error) {
	if err := r.db.QueryRow(
		ctx, `SELECT id, employee_id, ip_address, user_agent, created_at, last_activity_at, expires_at
FROM sessions
WHERE id = $1;`,
		sessionID,
	).Scan(&s.ID, &s.EmployeeID, &s.IPAddress, &s.UserAgent, &s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		return session.Session{}, fmt.Errorf("selecting from sessions: %w", err)
	}

	return s, nil
}

func (r *Repository) UpdateExpiry(ctx context.Context, sessionID string, lastActivityAt, expiresAt time.Time) error {
	tag, err := r.db.Exec(
		ctx, `UPDATE sessions SET last_activity_at = $2, expires_at = $3 WHERE id = $1;`,
		sessionID, lastActivityAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("updating sessions: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, sessionID); err != nil {
		return fmt.Errorf("deleting from sessions: %w", err)
	}

	return nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}
