// Package session owns the session lifecycle across the cache tier and the
// durable store. Reads prefer the cache, re-validate expiry lazily, and
// repair the cache from the durable store on a miss.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/pkce"
	"github.com/stafflow/authkit/internal/serviceerr"
)

const (
	DefaultTTL = 24 * time.Hour

	cacheKeyPrefix = "session:"
)

type Store struct {
	cache   *cache.Cache
	durable DurableRepository
	source  pkce.Source

	ttl time.Duration
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func NewStore(c *cache.Cache, durable DurableRepository, opts ...Option) *Store {
	s := &Store{
		cache:   c,
		durable: durable,
		ttl:     DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Create mints a brand-new session. Any session id supplied before
// authentication must be discarded by the caller; ids are only ever produced
// here, after the identity provider round trip succeeded.
func (s *Store) Create(ctx context.Context, employeeID, ipAddress, userAgent string) (Session, error) {
	now := time.Now()
	sess := Session{
		ID:             s.source.SessionID(),
		EmployeeID:     employeeID,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.ttl),
	}

	// The durable store is the system of record; the cache write may land
	// in the memory tier when degraded.
	if err := s.durable.Store(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("storing session: %w", err)
	}

	if err := s.cache.Set(ctx, cacheKey(sess.ID), sess, s.ttl); err != nil {
		slogctx.Warn(ctx, "Could not cache new session", "error", err)
	}

	return sess, nil
}

// Get returns the session or serviceerr.ErrSessionInvalid. A stale cache
// entry past its expiry is evicted and never returned; a cache miss falls
// back to the durable store and repairs the cache with the remaining TTL.
func (s *Store) Get(ctx context.Context, sessionID string) (Session, error) {
	now := time.Now()

	var cached Session
	err := s.cache.Get(ctx, cacheKey(sessionID), &cached)
	switch {
	case err == nil:
		if cached.Expired(now) {
			if err := s.cache.Del(ctx, cacheKey(sessionID)); err != nil {
				slogctx.Warn(ctx, "Could not evict stale session from cache", "error", err)
			}

			return Session{}, serviceerr.ErrSessionInvalid
		}

		return cached, nil
	case errors.Is(err, serviceerr.ErrNotFound), errors.Is(err, serviceerr.ErrNoValue):
		// fall through to the durable store
	default:
		// Unexpected cache failure: answer from the durable store rather
		// than failing the read.
		slogctx.Warn(ctx, "Cache read failed, falling back to durable store", "error", err)
	}

	sess, err := s.durable.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Session{}, serviceerr.ErrSessionInvalid
		}

		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	if sess.Expired(now) {
		return Session{}, serviceerr.ErrSessionInvalid
	}

	// Cache-aside repair with the correct remaining TTL.
	if err := s.cache.Set(ctx, cacheKey(sessionID), sess, time.Until(sess.ExpiresAt)); err != nil {
		slogctx.Warn(ctx, "Could not repair session cache", "error", err)
	}

	return sess, nil
}

// Refresh extends the session by the full TTL in all tiers. Best effort
// across tiers: a crash mid-update is tolerated because every read re-checks
// the stored expiry.
func (s *Store) Refresh(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.ttl)

	if err := s.durable.UpdateExpiry(ctx, sessionID, sess.LastActivityAt, sess.ExpiresAt); err != nil {
		return Session{}, fmt.Errorf("updating session expiry: %w", err)
	}

	if err := s.cache.Set(ctx, cacheKey(sessionID), sess, s.ttl); err != nil {
		slogctx.Warn(ctx, "Could not refresh cached session", "error", err)
	}

	return sess, nil
}

// Touch records activity without extending the expiry.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.LastActivityAt = time.Now()

	if err := s.durable.UpdateExpiry(ctx, sessionID, sess.LastActivityAt, sess.ExpiresAt); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := s.cache.Set(ctx, cacheKey(sessionID), sess, time.Until(sess.ExpiresAt)); err != nil {
		slogctx.Warn(ctx, "Could not touch cached session", "error", err)
	}

	return nil
}

// Invalidate deletes the session from all tiers. "Already gone" is a success.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	if err := s.cache.Del(ctx, cacheKey(sessionID)); err != nil {
		slogctx.Warn(ctx, "Could not delete session from cache", "error", err)
	}

	if err := s.durable.Delete(ctx, sessionID); err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
		slogctx.Warn(ctx, "Could not delete session from durable store", "error", err)
	}

	return nil
}

// Rotate replaces the session with a fresh id: create-new then
// invalidate-old, the same semantics as login. Used on privilege escalation
// and on every refresh-token rotation.
func (s *Store) Rotate(ctx context.Context, oldSessionID string) (Session, error) {
	old, err := s.Get(ctx, oldSessionID)
	if err != nil {
		return Session{}, err
	}

	fresh, err := s.Create(ctx, old.EmployeeID, old.IPAddress, old.UserAgent)
	if err != nil {
		return Session{}, err
	}

	if err := s.Invalidate(ctx, oldSessionID); err != nil {
		return Session{}, err
	}

	return fresh, nil
}

// SweepExpired deletes durable-store rows past their expiry. Cache-tier
// entries expire natively via TTL and need no sweep.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.durable.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}

	return n, nil
}

func cacheKey(sessionID string) string {
	return cacheKeyPrefix + sessionID
}
