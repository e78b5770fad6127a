package session

import (
	"context"
	"time"
)

// DurableRepository is the system of record for sessions. The cache tier in
// front of it is an optimisation; correctness is always re-derived from the
// stored expiry.
type DurableRepository interface {
	Store(ctx context.Context, s Session) error
	Load(ctx context.Context, sessionID string) (Session, error)
	UpdateExpiry(ctx context.Context, sessionID string, lastActivityAt, expiresAt time.Time) error
	// Delete is idempotent: deleting an absent session is a success.
	Delete(ctx context.Context, sessionID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
