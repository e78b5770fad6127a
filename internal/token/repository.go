package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RefreshRepository interface {
	Create(ctx context.Context, t RefreshToken) error

	// ListCandidates returns every stored record, revoked and expired ones
	// included, so the caller can run a constant-time scan over the full
	// set and classify a match afterwards. The periodic cleanup bounds the
	// set's size.
	ListCandidates(ctx context.Context) ([]RefreshToken, error)

	// Revoke marks the record revoked. It must be a compare-and-swap:
	// revoking an already-revoked record fails with
	// serviceerr.ErrTokenRevoked so concurrent rotations have at most one
	// winner.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error

	RevokeAllForEmployee(ctx context.Context, employeeID string, at time.Time) (int64, error)

	// DeleteStale removes records revoked or expired beyond the retention
	// window.
	DeleteStale(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}
