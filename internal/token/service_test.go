package token_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/cachehealth"
	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/session"
	sessionmock "github.com/stafflow/authkit/internal/session/mock"
	"github.com/stafflow/authkit/internal/token"
	tokenmock "github.com/stafflow/authkit/internal/token/mock"
)

type staticDirectory struct {
	ident token.Identity
	err   error
}

func (d staticDirectory) Identity(context.Context, string) (token.Identity, error) {
	return d.ident, d.err
}

type fixture struct {
	service  *token.Service
	refresh  *tokenmock.Repository
	sessions *sessionmock.Repository
}

func newFixture(t *testing.T, opts ...token.Option) fixture {
	t.Helper()

	c := cache.New(cachehealth.NewManager(valkey.ClientOption{}), "test")
	refresh := tokenmock.NewInMemRepository()
	sessions := sessionmock.NewInMemRepository()

	service := token.NewService(token.Dependencies{
		SigningKey:  []byte("0123456789abcdef0123456789abcdef"),
		Cache:       c,
		Permissions: cache.NewPermissionCache(c),
		Refresh:     refresh,
		Sessions:    session.NewStore(c, sessions),
		Directory:   staticDirectory{ident: token.Identity{Email: "jo@example.com", Roles: []string{"staff"}}},
		Audit:       audit.NewLogger(nil),
	}, opts...)

	return fixture{service: service, refresh: refresh, sessions: sessions}
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	signed, err := f.service.IssueAccessToken(ctx, "42", "jo@example.com", []string{"staff", "admin"}, "sess-1")
	require.NoError(t, err)

	claims, err := f.service.VerifyAccessToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "jo@example.com", claims.Email)
	assert.Equal(t, []string{"staff", "admin"}, claims.Roles)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.NotEmpty(t, claims.Nonce)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.VerifyAccessToken(t.Context(), "not.a.token")
	assert.ErrorIs(t, err, serviceerr.ErrTokenInvalid)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	signed, err := f.service.IssueAccessToken(ctx, "42", "", nil, "sess-1")
	require.NoError(t, err)

	other := newFixture(t) // different cache, no nonce record either
	_, err = other.service.VerifyAccessToken(ctx, signed)
	assert.ErrorIs(t, err, serviceerr.ErrTokenInvalid)
}

func TestVerifyExpiredToken(t *testing.T) {
	f := newFixture(t, token.WithAccessTTL(-time.Minute))
	ctx := t.Context()

	signed, err := f.service.IssueAccessToken(ctx, "42", "", nil, "sess-1")
	require.NoError(t, err)

	_, err = f.service.VerifyAccessToken(ctx, signed)
	assert.ErrorIs(t, err, serviceerr.ErrTokenExpired)
}

func TestBlacklistedTokenIsRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	signed, err := f.service.IssueAccessToken(ctx, "42", "", nil, "sess-1")
	require.NoError(t, err)

	require.NoError(t, f.service.BlacklistToken(ctx, signed))

	_, err = f.service.VerifyAccessToken(ctx, signed)
	assert.ErrorIs(t, err, serviceerr.ErrTokenRevoked)
}

func TestStrictRevocationFailsClosedWhenDegraded(t *testing.T) {
	// The fixture's cache runs on the memory fallback tier, i.e. degraded.
	// Strict mode must refuse even a well-signed token because the shared
	// blacklist cannot be consulted.
	f := newFixture(t, token.WithStrictRevocation(true))
	ctx := t.Context()

	signed, err := f.service.IssueAccessToken(ctx, "42", "", nil, "sess-1")
	require.NoError(t, err)

	_, err = f.service.VerifyAccessToken(ctx, signed)
	assert.ErrorIs(t, err, serviceerr.ErrTokenInvalid)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	secret, err := f.service.IssueRefreshToken(ctx, "42", "sess-old", "web", "10.0.0.1")
	require.NoError(t, err)

	rotated, err := f.service.VerifyAndRotate(ctx, secret, "10.0.0.1", "agent")
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, secret, rotated.RefreshToken)
	assert.Equal(t, "42", rotated.Session.EmployeeID)

	claims, err := f.service.VerifyAccessToken(ctx, rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "jo@example.com", claims.Email)
	assert.Equal(t, []string{"staff"}, claims.Roles)
	assert.Equal(t, rotated.Session.ID, claims.SessionID)

	// The replacement secret works.
	again, err := f.service.VerifyAndRotate(ctx, rotated.RefreshToken, "10.0.0.1", "agent")
	require.NoError(t, err)
	assert.NotEqual(t, rotated.Session.ID, again.Session.ID)
}

func TestRefreshReuseDetected(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	secret, err := f.service.IssueRefreshToken(ctx, "42", "sess-old", "web", "10.0.0.1")
	require.NoError(t, err)

	_, err = f.service.VerifyAndRotate(ctx, secret, "10.0.0.1", "agent")
	require.NoError(t, err)

	// Presenting the consumed secret again is the theft signal.
	_, err = f.service.VerifyAndRotate(ctx, secret, "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrTokenRevoked)
}

func TestRefreshUnknownSecret(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.VerifyAndRotate(t.Context(), "no-such-secret", "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrTokenNotFound)
}

func TestRefreshExpiredSecret(t *testing.T) {
	f := newFixture(t, token.WithRefreshTTL(-time.Minute))
	ctx := t.Context()

	secret, err := f.service.IssueRefreshToken(ctx, "42", "sess-old", "web", "10.0.0.1")
	require.NoError(t, err)

	_, err = f.service.VerifyAndRotate(ctx, secret, "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrTokenExpired)
}

func TestRefreshIPMismatch(t *testing.T) {
	t.Run("soft by default", func(t *testing.T) {
		f := newFixture(t)
		ctx := t.Context()

		secret, err := f.service.IssueRefreshToken(ctx, "42", "sess-old", "web", "10.0.0.1")
		require.NoError(t, err)

		_, err = f.service.VerifyAndRotate(ctx, secret, "192.168.0.9", "agent")
		assert.NoError(t, err)
	})

	t.Run("enforced", func(t *testing.T) {
		f := newFixture(t, token.WithEnforcedIPBinding(true))
		ctx := t.Context()

		secret, err := f.service.IssueRefreshToken(ctx, "42", "sess-old", "web", "10.0.0.1")
		require.NoError(t, err)

		_, err = f.service.VerifyAndRotate(ctx, secret, "192.168.0.9", "agent")
		assert.ErrorIs(t, err, serviceerr.ErrIPMismatch)
	})
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	secret, err := f.service.IssueRefreshToken(ctx, "42", "sess-old", "web", "10.0.0.1")
	require.NoError(t, err)

	const workers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := f.service.VerifyAndRotate(ctx, secret, "10.0.0.1", "agent")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			default:
				assert.ErrorIs(t, err, serviceerr.ErrTokenRevoked)
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, rejected)
}

func TestRevokeAllForSubject(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	s1, err := f.service.IssueRefreshToken(ctx, "42", "", "web", "10.0.0.1")
	require.NoError(t, err)
	_, err = f.service.IssueRefreshToken(ctx, "42", "", "mobile", "10.0.0.2")
	require.NoError(t, err)
	_, err = f.service.IssueRefreshToken(ctx, "7", "", "web", "10.0.0.3")
	require.NoError(t, err)

	n, err := f.service.RevokeAllForSubject(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = f.service.VerifyAndRotate(ctx, s1, "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrTokenRevoked)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, token.WithRefreshTTL(-200*time.Hour))
	ctx := t.Context()

	// Expired far beyond the retention window.
	_, err := f.service.IssueRefreshToken(ctx, "42", "", "web", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, f.refresh.Len())

	n, err := f.service.Cleanup(ctx, token.DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, f.refresh.Len())
}
