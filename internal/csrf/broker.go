// Package csrf issues and verifies single-use anti-forgery tokens. Tokens
// are bound to a session and stored server-side; verification is a
// constant-time, consume-on-success check so a token can never be replayed.
package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/pkce"
	"github.com/stafflow/authkit/internal/serviceerr"
)

const (
	DefaultTTL = time.Hour

	cacheKeyPrefix = "csrf:"
)

// Record is what a live token maps to server-side. Verification checks the
// bound session, not just the token's existence.
type Record struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Broker struct {
	cache  *cache.Cache
	audit  *audit.Logger
	source pkce.Source

	ttl time.Duration
}

type Option func(*Broker)

func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.ttl = ttl }
}

func NewBroker(c *cache.Cache, auditLogger *audit.Logger, opts ...Option) *Broker {
	b := &Broker{
		cache: c,
		audit: auditLogger,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b
}

// Issue mints a fresh token bound to the session. Callers fetch a new token
// per protected form; tokens are never reissued.
func (b *Broker) Issue(ctx context.Context, sessionID string) (string, error) {
	tok := b.source.CSRFToken()

	rec := Record{
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	if err := b.cache.Set(ctx, cacheKey(tok), rec, b.ttl); err != nil {
		return "", err
	}

	return tok, nil
}

// Verify consumes the token. True exactly once: a valid token is deleted on
// success, so presenting it again fails. All failure modes (unknown token,
// wrong session, expired) return plain false so a caller cannot distinguish
// them, and a session mismatch raises a suspicious-activity event.
func (b *Broker) Verify(ctx context.Context, tok, sessionID, ipAddress string) bool {
	if tok == "" || sessionID == "" {
		return false
	}

	var rec Record
	err := b.cache.Get(ctx, cacheKey(tok), &rec)
	switch {
	case err == nil:
		// found, checked below
	case errors.Is(err, serviceerr.ErrNotFound), errors.Is(err, serviceerr.ErrNoValue):
		return false
	default:
		slogctx.Warn(ctx, "CSRF token lookup failed", "error", err)
		return false
	}

	if subtle.ConstantTimeCompare([]byte(rec.SessionID), []byte(sessionID)) != 1 {
		b.audit.SuspiciousActivity(ctx, rec.SessionID, "csrf token presented with a foreign session", ipAddress, "")
		return false
	}

	// Consume before reporting success so a concurrent second presentation
	// cannot also pass.
	if err := b.cache.Del(ctx, cacheKey(tok)); err != nil {
		slogctx.Warn(ctx, "Could not consume CSRF token", "error", err)
		return false
	}

	return true
}

func cacheKey(tok string) string {
	return cacheKeyPrefix + tok
}
