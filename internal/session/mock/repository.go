package sessionmock

import (
	"context"
	"sync"
	"time"

	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/session"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	sessions map[string]session.Session

	storeErr, loadErr, updateErr, deleteErr error
}

func WithSession(s session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[s.ID] = s }
}
func WithStoreError(err error) RepositoryOption {
	return func(r *Repository) { r.storeErr = err }
}
func WithLoadError(err error) RepositoryOption {
	return func(r *Repository) { r.loadErr = err }
}
func WithUpdateError(err error) RepositoryOption {
	return func(r *Repository) { r.updateErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = session.DurableRepository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

func (r *Repository) Store(_ context.Context, s session.Session) error {
	if r.storeErr != nil {
		return r.storeErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return serviceerr.ErrConflict
	}
	r.sessions[s.ID] = s

	return nil
}

func (r *Repository) Load(_ context.Context, sessionID string) (session.Session, error) {
	if r.loadErr != nil {
		return session.Session{}, r.loadErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}

	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) UpdateExpiry(_ context.Context, sessionID string, lastActivityAt, expiresAt time.Time) error {
	if r.updateErr != nil {
		return r.updateErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return serviceerr.ErrNotFound
	}

	s.LastActivityAt = lastActivityAt
	s.ExpiresAt = expiresAt
	r.sessions[sessionID] = s

	return nil
}

func (r *Repository) Delete(_ context.Context, sessionID string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)

	return nil
}

func (r *Repository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt) {
			delete(r.sessions, id)
			n++
		}
	}

	return n, nil
}

// Len is a test helper.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
