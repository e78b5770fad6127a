// Package oauthstate issues and atomically consumes the one-time, IP-bound,
// time-boxed authorization states of the OAuth authorization-code/PKCE flow.
package oauthstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/pkce"
	"github.com/stafflow/authkit/internal/serviceerr"
)

const (
	// DefaultTTL is the window the client has to complete the round trip to
	// the identity provider.
	DefaultTTL = 10 * time.Minute

	// consumedRetention keeps consumed states briefly so that a replayed
	// state fails with AlreadyUsed instead of NotFound.
	consumedRetention = time.Hour
)

type Broker struct {
	repo   Repository
	source pkce.Source
	audit  *audit.Logger

	ttl              time.Duration
	enforceIPBinding bool
}

type Option func(*Broker)

func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.ttl = ttl }
}

// WithEnforcedIPBinding hardens the soft IP-mismatch policy: a state consumed
// from a different IP is rejected instead of only being reported.
func WithEnforcedIPBinding(enforce bool) Option {
	return func(b *Broker) { b.enforceIPBinding = enforce }
}

func NewBroker(repo Repository, auditLogger *audit.Logger, opts ...Option) *Broker {
	b := &Broker{
		repo:  repo,
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

// Issued is handed to the HTTP layer to build the authorization redirect.
// The verifier never leaves the broker; only its S256 challenge does.
type Issued struct {
	State     string
	Challenge string
	Method    string
	ExpiresAt time.Time
}

// Issue generates a fresh state and PKCE pair, persists them, and
// opportunistically sweeps expired and aged consumed rows.
func (b *Broker) Issue(ctx context.Context, ipAddress string) (Issued, error) {
	stateID := b.source.State()
	p := b.source.PKCE()
	now := time.Now()

	state := State{
		ID:        stateID,
		Verifier:  p.Verifier,
		IPAddress: ipAddress,
		ExpiresAt: now.Add(b.ttl),
		CreatedAt: now,
	}

	if err := b.repo.Store(ctx, state); err != nil {
		return Issued{}, fmt.Errorf("storing oauth state: %w", err)
	}

	if n, err := b.repo.DeleteExpired(ctx, now, consumedRetention); err != nil {
		slogctx.Warn(ctx, "Could not sweep expired oauth states", "error", err)
	} else if n > 0 {
		slogctx.Debug(ctx, "Swept expired oauth states", "count", n)
	}

	return Issued{
		State:     stateID,
		Challenge: p.Challenge,
		Method:    p.Method,
		ExpiresAt: state.ExpiresAt,
	}, nil
}

// ValidateAndConsume returns the PKCE verifier for the state, consuming it in
// the same atomic step. An IP mismatch is recorded as suspicious activity
// and, unless IP binding is enforced, does not fail the exchange.
func (b *Broker) ValidateAndConsume(ctx context.Context, stateID, ipAddress string) (string, error) {
	state, err := b.repo.Consume(ctx, stateID, time.Now())
	if err != nil {
		if errors.Is(err, serviceerr.ErrStateAlreadyUsed) {
			b.audit.SuspiciousActivity(ctx, "", "oauth state replayed", ipAddress, "")
		}

		return "", err
	}

	if state.IPAddress != "" && ipAddress != "" && state.IPAddress != ipAddress {
		b.audit.SuspiciousActivity(ctx, "", "oauth state consumed from a different ip", ipAddress, "")

		if b.enforceIPBinding {
			return "", serviceerr.ErrIPMismatch
		}
	}

	return state.Verifier, nil
}

// Sweep removes expired and aged consumed states; called by the housekeeper.
func (b *Broker) Sweep(ctx context.Context) (int64, error) {
	return b.repo.DeleteExpired(ctx, time.Now(), consumedRetention)
}
