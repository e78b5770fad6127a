package auth_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafflow/authkit/internal/auth"
	"github.com/stafflow/authkit/internal/serviceerr"
)

func beginLogin(t *testing.T, f fixture) (stateID string) {
	t.Helper()

	authURI, err := f.flow.BeginLogin(t.Context(), "10.0.0.1")
	require.NoError(t, err)

	u, err := url.Parse(authURI)
	require.NoError(t, err)

	return u.Query().Get("state")
}

func TestBeginLogin(t *testing.T) {
	f := newFixture(t)

	authURI, err := f.flow.BeginLogin(t.Context(), "10.0.0.1")
	require.NoError(t, err)

	u, err := url.Parse(authURI)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "https://app.example.com/auth/callback", q.Get("redirect_uri"))
}

func TestCompleteLogin(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	stateID := beginLogin(t, f)

	creds, err := f.flow.CompleteLogin(ctx, stateID, "auth-code", "10.0.0.1", "agent")
	require.NoError(t, err)
	assert.Equal(t, "42", creds.Session.EmployeeID)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.RefreshToken)
	assert.NotEmpty(t, creds.CSRFToken)
	assert.Equal(t, "jo@example.com", creds.Claims.Email)

	claims, err := f.tokens.VerifyAccessToken(ctx, creds.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, creds.Session.ID, claims.SessionID)

	assert.True(t, f.flow.VerifyCSRF(ctx, creds.CSRFToken, creds.Session.ID, "10.0.0.1"))
}

func TestCompleteLoginReplayedState(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	stateID := beginLogin(t, f)

	_, err := f.flow.CompleteLogin(ctx, stateID, "auth-code", "10.0.0.1", "agent")
	require.NoError(t, err)

	_, err = f.flow.CompleteLogin(ctx, stateID, "auth-code", "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrStateAlreadyUsed)
}

func TestCompleteLoginUnknownState(t *testing.T) {
	f := newFixture(t)

	_, err := f.flow.CompleteLogin(t.Context(), "never-issued", "auth-code", "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrStateNotFound)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	stateID := beginLogin(t, f)
	creds, err := f.flow.CompleteLogin(ctx, stateID, "auth-code", "10.0.0.1", "agent")
	require.NoError(t, err)

	require.NoError(t, f.flow.Logout(ctx, creds.Session.ID, creds.AccessToken, "10.0.0.1"))

	_, err = f.sessions.Get(ctx, creds.Session.ID)
	assert.ErrorIs(t, err, serviceerr.ErrSessionInvalid)

	_, err = f.tokens.VerifyAccessToken(ctx, creds.AccessToken)
	assert.ErrorIs(t, err, serviceerr.ErrTokenRevoked)

	// Logging out twice is fine.
	assert.NoError(t, f.flow.Logout(ctx, creds.Session.ID, creds.AccessToken, "10.0.0.1"))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	stateID := beginLogin(t, f)
	creds, err := f.flow.CompleteLogin(ctx, stateID, "auth-code", "10.0.0.1", "agent")
	require.NoError(t, err)

	fresh, err := f.flow.Refresh(ctx, creds.RefreshToken, "10.0.0.1", "agent")
	require.NoError(t, err)
	assert.NotEqual(t, creds.Session.ID, fresh.Session.ID)
	assert.NotEqual(t, creds.RefreshToken, fresh.RefreshToken)
	assert.NotEmpty(t, fresh.CSRFToken)

	// The rotation killed the old session and the old refresh secret.
	_, err = f.sessions.Get(ctx, creds.Session.ID)
	assert.ErrorIs(t, err, serviceerr.ErrSessionInvalid)

	_, err = f.flow.Refresh(ctx, creds.RefreshToken, "10.0.0.1", "agent")
	assert.ErrorIs(t, err, serviceerr.ErrTokenRevoked)
}

func TestMakeCookies(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	sessionCookie, err := f.flow.MakeSessionCookie(ctx, "sess-value")
	require.NoError(t, err)
	assert.Equal(t, "__Host-session", sessionCookie.Name)
	assert.True(t, sessionCookie.HttpOnly)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, sessionCookie.SameSite)

	refreshCookie, err := f.flow.MakeRefreshCookie(ctx, "refresh-value")
	require.NoError(t, err)
	assert.Equal(t, "/auth/refresh", refreshCookie.Path)
	assert.True(t, refreshCookie.HttpOnly)

	csrfCookie, err := f.flow.MakeCSRFCookie(ctx, "csrf-value")
	require.NoError(t, err)
	assert.False(t, csrfCookie.HttpOnly)
	assert.True(t, csrfCookie.Secure)
}

func TestClientMeta(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/callback", nil)
	req.Header.Set("User-Agent", "browser/1.0")
	req.RemoteAddr = "10.0.0.1:54321"

	clientInfo, ipAddress := auth.ClientMeta(req)
	assert.Len(t, clientInfo, 64)
	assert.Equal(t, "10.0.0.1", ipAddress)

	// Same client shape from another port fingerprints identically.
	again := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	again.Header.Set("User-Agent", "browser/1.0")
	again.RemoteAddr = "10.0.0.1:60000"

	sameInfo, _ := auth.ClientMeta(again)
	assert.Equal(t, clientInfo, sameInfo)
}
