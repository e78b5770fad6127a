// Package oauthstatesql is the durable-store repository for OAuth states.
// Consumption runs inside a transaction with a row lock so that validation
// and the consumed-flag mutation are a single atomic unit.
package oauthstatesql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stafflow/authkit/internal/oauthstate"
	"github.com/stafflow/authkit/internal/serviceerr"
)

type Repository struct {
	db *pgxpool.Pool
}

var _ = oauthstate.Repository(&Repository{})

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Store(ctx context.Context, state oauthstate.State) error {
	if _, err := r.db.Exec(
		ctx, `INSERT INTO oauth_states (id, verifier, ip_address, expires_at, consumed, created_at)
	VALUES ($1, $2, $3, $4, FALSE, $5);`,
		state.ID, state.Verifier, state.IPAddress, state.ExpiresAt, state.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting into oauth_states: %w", err)
	}

	return nil
}

func (r *Repository) Consume(ctx context.Context, stateID string, now time.Time) (oauthstate.State, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return oauthstate.State{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var state oauthstate.State
	if err := tx.QueryRow(ctx, `SELECT id, verifier, ip_address, expires_at, consumed, created_at
FROM oauth_states
WHERE id = $1
FOR UPDATE;`,
		stateID,
	).Scan(&state.ID, &state.Verifier, &state.IPAddress, &state.ExpiresAt, &state.Consumed, &state.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauthstate.State{}, serviceerr.ErrStateNotFound
		}

		return oauthstate.State{}, fmt.Errorf("selecting from oauth_states: %w", err)
	}

	if state.Consumed {
		return oauthstate.State{}, serviceerr.ErrStateAlreadyUsed
	}

	if now.After(state.ExpiresAt) {
		return oauthstate.State{}, serviceerr.ErrStateExpired
	}

	if _, err := tx.Exec(ctx, `UPDATE oauth_states SET consumed = TRUE WHERE id = $1;`, stateID); err != nil {
		return oauthstate.State{}, fmt.Errorf("marking oauth state consumed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oauthstate.State{}, fmt.Errorf("committing tx: %w", err)
	}

	state.Consumed = true

	return state, nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, consumedRetention time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_states
WHERE expires_at < $1
	OR (consumed AND created_at < $2);`,
		now, now.Add(-consumedRetention),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}

	return tag.RowsAffected(), nil
}
