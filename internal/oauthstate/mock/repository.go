package oauthstatemock

import (
	"context"
	"sync"
	"time"

	"github.com/stafflow/authkit/internal/oauthstate"
	"github.com/stafflow/authkit/internal/serviceerr"
)

type RepositoryOption func(*Repository)

// Repository is an in-memory oauthstate.Repository with the same consume
// semantics as the SQL implementation, including atomicity under concurrent
// callers.
type Repository struct {
	mu     sync.Mutex
	states map[string]oauthstate.State

	storeErr, consumeErr, deleteErr error
}

func WithState(state oauthstate.State) RepositoryOption {
	return func(r *Repository) { r.states[state.ID] = state }
}
func WithStoreError(err error) RepositoryOption {
	return func(r *Repository) { r.storeErr = err }
}
func WithConsumeError(err error) RepositoryOption {
	return func(r *Repository) { r.consumeErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = oauthstate.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		states: make(map[string]oauthstate.State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

func (r *Repository) Store(_ context.Context, state oauthstate.State) error {
	if r.storeErr != nil {
		return r.storeErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[state.ID]; ok {
		return serviceerr.ErrConflict
	}
	r.states[state.ID] = state

	return nil
}

func (r *Repository) Consume(_ context.Context, stateID string, now time.Time) (oauthstate.State, error) {
	if r.consumeErr != nil {
		return oauthstate.State{}, r.consumeErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[stateID]
	if !ok {
		return oauthstate.State{}, serviceerr.ErrStateNotFound
	}
	if state.Consumed {
		return oauthstate.State{}, serviceerr.ErrStateAlreadyUsed
	}
	if now.After(state.ExpiresAt) {
		return oauthstate.State{}, serviceerr.ErrStateExpired
	}

	state.Consumed = true
	r.states[stateID] = state

	return state, nil
}

func (r *Repository) DeleteExpired(_ context.Context, now time.Time, consumedRetention time.Duration) (int64, error) {
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, state := range r.states {
		if now.After(state.ExpiresAt) || (state.Consumed && state.CreatedAt.Before(now.Add(-consumedRetention))) {
			delete(r.states, id)
			n++
		}
	}

	return n, nil
}

// Get is a test helper.
func (r *Repository) Get(stateID string) (oauthstate.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[stateID]

	return state, ok
}
