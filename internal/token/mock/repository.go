package tokenmock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/token"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]token.RefreshToken

	createErr, listErr, revokeErr, deleteErr error
}

func WithToken(t token.RefreshToken) RepositoryOption {
	return func(r *Repository) { r.tokens[t.ID] = t }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}
func WithListError(err error) RepositoryOption {
	return func(r *Repository) { r.listErr = err }
}
func WithRevokeError(err error) RepositoryOption {
	return func(r *Repository) { r.revokeErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = token.RefreshRepository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		tokens: make(map[uuid.UUID]token.RefreshToken),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

func (r *Repository) Create(_ context.Context, t token.RefreshToken) error {
	if r.createErr != nil {
		return r.createErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[t.ID]; ok {
		return serviceerr.ErrConflict
	}
	r.tokens[t.ID] = t

	return nil
}

func (r *Repository) ListCandidates(_ context.Context) ([]token.RefreshToken, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := make([]token.RefreshToken, 0, len(r.tokens))
	for _, t := range r.tokens {
		tokens = append(tokens, t)
	}

	return tokens, nil
}

func (r *Repository) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	if r.revokeErr != nil {
		return r.revokeErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		return serviceerr.ErrTokenNotFound
	}
	if t.RevokedAt != nil {
		return serviceerr.ErrTokenRevoked
	}

	t.RevokedAt = &at
	r.tokens[id] = t

	return nil
}

func (r *Repository) RevokeAllForEmployee(_ context.Context, employeeID string, at time.Time) (int64, error) {
	if r.revokeErr != nil {
		return 0, r.revokeErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, t := range r.tokens {
		if t.EmployeeID == employeeID && t.RevokedAt == nil {
			t.RevokedAt = &at
			r.tokens[id] = t
			n++
		}
	}

	return n, nil
}

func (r *Repository) DeleteStale(_ context.Context, now time.Time, retention time.Duration) (int64, error) {
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-retention)

	var n int64
	for id, t := range r.tokens {
		if t.ExpiresAt.Before(cutoff) || (t.RevokedAt != nil && t.RevokedAt.Before(cutoff)) {
			delete(r.tokens, id)
			n++
		}
	}

	return n, nil
}

// Len is a test helper.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tokens)
}
