package oauthstate

import (
	"context"
	"time"
)

type Repository interface {
	Store(ctx context.Context, state State) error

	// Consume validates the state and marks it consumed as one atomic unit:
	// two concurrent calls for the same id must never both observe an
	// unconsumed state. Fails with serviceerr.ErrStateNotFound,
	// ErrStateAlreadyUsed or ErrStateExpired.
	Consume(ctx context.Context, stateID string, now time.Time) (State, error)

	// DeleteExpired removes states past their expiry and consumed states
	// older than the retention window. Returns the number of rows removed.
	DeleteExpired(ctx context.Context, now time.Time, consumedRetention time.Duration) (int64, error)
}
