// Package auth orchestrates the login, logout and refresh journeys across
// the state broker, the identity provider, the session store, the token
// service and the CSRF broker. It owns no storage of its own.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/config"
	"github.com/stafflow/authkit/internal/csrf"
	"github.com/stafflow/authkit/internal/idp"
	"github.com/stafflow/authkit/internal/oauthstate"
	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/session"
	"github.com/stafflow/authkit/internal/token"
	"github.com/stafflow/authkit/pkg/fingerprint"
)

// IdentityProvider is the slice of the idp client the flow needs. Satisfied
// by *idp.Provider.
type IdentityProvider interface {
	ClientID() string
	CallbackURL() string
	Configuration(ctx context.Context) (idp.Configuration, error)
	Exchange(ctx context.Context, code, codeVerifier string) (idp.TokenResponse, error)
	VerifyIDToken(ctx context.Context, rawIDToken, accessToken string) (idp.Claims, error)
}

// Credentials is the full set handed to the HTTP layer after a successful
// login or refresh. Everything the caller held before is superseded.
type Credentials struct {
	Session      session.Session
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	Claims       idp.Claims
}

type Flow struct {
	states      *oauthstate.Broker
	provider    IdentityProvider
	sessions    *session.Store
	tokens      *token.Service
	csrf        *csrf.Broker
	permissions *cache.PermissionCache
	audit       *audit.Logger

	sessionCookieTemplate config.CookieTemplate
	refreshCookieTemplate config.CookieTemplate
	csrfCookieTemplate    config.CookieTemplate
}

type Dependencies struct {
	States      *oauthstate.Broker
	Provider    IdentityProvider
	Sessions    *session.Store
	Tokens      *token.Service
	CSRF        *csrf.Broker
	Permissions *cache.PermissionCache
	Audit       *audit.Logger

	SessionCookieTemplate config.CookieTemplate
	RefreshCookieTemplate config.CookieTemplate
	CSRFCookieTemplate    config.CookieTemplate
}

func NewFlow(deps Dependencies) *Flow {
	return &Flow{
		states:                deps.States,
		provider:              deps.Provider,
		sessions:              deps.Sessions,
		tokens:                deps.Tokens,
		csrf:                  deps.CSRF,
		permissions:           deps.Permissions,
		audit:                 deps.Audit,
		sessionCookieTemplate: deps.SessionCookieTemplate,
		refreshCookieTemplate: deps.RefreshCookieTemplate,
		csrfCookieTemplate:    deps.CSRFCookieTemplate,
	}
}

// BeginLogin mints a state and PKCE pair and returns the authorization URI
// to redirect the browser to. Nothing about the caller is trusted yet; no
// session exists until the provider round trip completes.
func (f *Flow) BeginLogin(ctx context.Context, ipAddress string) (string, error) {
	issued, err := f.states.Issue(ctx, ipAddress)
	if err != nil {
		return "", err
	}

	conf, err := f.provider.Configuration(ctx)
	if err != nil {
		return "", fmt.Errorf("getting an openid config: %w", err)
	}

	u, err := f.authURI(conf, issued)
	if err != nil {
		return "", fmt.Errorf("generating auth uri: %w", err)
	}

	return u, nil
}

func (f *Flow) authURI(conf idp.Configuration, issued oauthstate.Issued) (string, error) {
	u, err := url.Parse(conf.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorisation endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("scope", "openid profile email groups")
	q.Set("response_type", "code")
	q.Set("client_id", f.provider.ClientID())
	q.Set("state", issued.State)
	q.Set("code_challenge", issued.Challenge)
	q.Set("code_challenge_method", issued.Method)
	q.Set("redirect_uri", f.provider.CallbackURL())
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// CompleteLogin finishes the callback leg: consume the state, exchange the
// code, verify the ID token, then mint the session and token set. Every
// failure is audited; the caller must map them all onto one generic message.
func (f *Flow) CompleteLogin(ctx context.Context, stateID, code, ipAddress, userAgent string) (Credentials, error) {
	verifier, err := f.states.ValidateAndConsume(ctx, stateID, ipAddress)
	if err != nil {
		f.audit.LoginFailure(ctx, "", ipAddress, userAgent, "state validation failed")
		return Credentials{}, err
	}

	tokens, err := f.provider.Exchange(ctx, code, verifier)
	if err != nil {
		f.audit.LoginFailure(ctx, "", ipAddress, userAgent, "code exchange failed")
		return Credentials{}, fmt.Errorf("exchanging code for tokens: %w", err)
	}

	slogctx.Info(ctx, "Exchanged the auth code for tokens")

	claims, err := f.provider.VerifyIDToken(ctx, tokens.IDToken, tokens.AccessToken)
	if err != nil {
		f.audit.LoginFailure(ctx, "", ipAddress, userAgent, "id token verification failed")

		if errors.Is(err, serviceerr.ErrInvalidAtHash) {
			return Credentials{}, err
		}

		return Credentials{}, fmt.Errorf("verifying id token: %w", err)
	}

	sess, err := f.sessions.Create(ctx, claims.Subject, ipAddress, userAgent)
	if err != nil {
		f.audit.LoginFailure(ctx, claims.Subject, ipAddress, userAgent, "session creation failed")
		return Credentials{}, err
	}

	if err := f.permissions.SetRoles(ctx, claims.Subject, claims.Roles); err != nil {
		slogctx.Warn(ctx, "Could not cache resolved roles", "error", err)
	}

	access, err := f.tokens.IssueAccessToken(ctx, claims.Subject, claims.Email, claims.Roles, sess.ID)
	if err != nil {
		return Credentials{}, err
	}

	refresh, err := f.tokens.IssueRefreshToken(ctx, claims.Subject, sess.ID, userAgent, ipAddress)
	if err != nil {
		return Credentials{}, err
	}

	csrfToken, err := f.csrf.Issue(ctx, sess.ID)
	if err != nil {
		return Credentials{}, err
	}

	f.audit.LoginSuccess(ctx, claims.Subject, ipAddress, userAgent)

	return Credentials{
		Session:      sess,
		AccessToken:  access,
		RefreshToken: refresh,
		CSRFToken:    csrfToken,
		Claims:       claims,
	}, nil
}

// Refresh rotates a refresh secret into a full replacement credential set,
// including a fresh CSRF token for the new session.
func (f *Flow) Refresh(ctx context.Context, refreshSecret, ipAddress, userAgent string) (Credentials, error) {
	rotated, err := f.tokens.VerifyAndRotate(ctx, refreshSecret, ipAddress, userAgent)
	if err != nil {
		return Credentials{}, err
	}

	csrfToken, err := f.csrf.Issue(ctx, rotated.Session.ID)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		Session:      rotated.Session,
		AccessToken:  rotated.AccessToken,
		RefreshToken: rotated.RefreshToken,
		CSRFToken:    csrfToken,
	}, nil
}

// Logout tears the session down and blacklists the presented access token.
// Logout is idempotent: tearing down an already-dead session still succeeds.
func (f *Flow) Logout(ctx context.Context, sessionID, accessToken, ipAddress string) error {
	var subjectID string
	if sess, err := f.sessions.Get(ctx, sessionID); err == nil {
		subjectID = sess.EmployeeID
	}

	if accessToken != "" {
		if err := f.tokens.BlacklistToken(ctx, accessToken); err != nil {
			slogctx.Warn(ctx, "Could not blacklist access token on logout", "error", err)
		}
	}

	if err := f.sessions.Invalidate(ctx, sessionID); err != nil {
		return err
	}

	f.audit.Logout(ctx, subjectID, ipAddress)

	return nil
}

// ClientMeta derives the client descriptor and remote address the flow
// methods take. The descriptor is a header fingerprint rather than the raw
// User-Agent so it stays compact and stable across requests from the same
// client shape.
func ClientMeta(r *http.Request) (clientInfo, ipAddress string) {
	fp, err := fingerprint.FromHTTPRequest(r)
	if err != nil {
		return "", ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return fp, host
}

// VerifyCSRF consumes the anti-forgery token for the session.
func (f *Flow) VerifyCSRF(ctx context.Context, csrfToken, sessionID, ipAddress string) bool {
	return f.csrf.Verify(ctx, csrfToken, sessionID, ipAddress)
}

func (f *Flow) MakeSessionCookie(ctx context.Context, value string) (*http.Cookie, error) {
	sessionCookie := f.sessionCookieTemplate.ToCookie(value)

	if err := sessionCookie.Valid(); err != nil {
		return nil, fmt.Errorf("invalid session cookie: %w", err)
	}

	if !strings.HasPrefix(sessionCookie.Name, "__Host-") {
		slogctx.Warn(ctx, "Session cookie name does not start with __Host-; this is not recommended in production environments")
	}
	if !sessionCookie.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !sessionCookie.HttpOnly {
		slogctx.Warn(ctx, "Session cookie is not marked as HttpOnly; this is not recommended in production environments")
	}

	return sessionCookie, nil
}

func (f *Flow) MakeRefreshCookie(ctx context.Context, value string) (*http.Cookie, error) {
	refreshCookie := f.refreshCookieTemplate.ToCookie(value)

	if err := refreshCookie.Valid(); err != nil {
		return nil, fmt.Errorf("invalid refresh cookie: %w", err)
	}

	if !refreshCookie.Secure {
		slogctx.Warn(ctx, "Refresh cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !refreshCookie.HttpOnly {
		slogctx.Warn(ctx, "Refresh cookie is not marked as HttpOnly; this is not recommended in production environments")
	}
	if refreshCookie.Path == "/" || refreshCookie.Path == "" {
		slogctx.Warn(ctx, "Refresh cookie is not scoped to the refresh endpoint path; this widens its exposure")
	}

	return refreshCookie, nil
}

func (f *Flow) MakeCSRFCookie(ctx context.Context, value string) (*http.Cookie, error) {
	csrfCookie := f.csrfCookieTemplate.ToCookie(value)

	if err := csrfCookie.Valid(); err != nil {
		return nil, fmt.Errorf("invalid CSRF cookie: %w", err)
	}

	if !csrfCookie.Secure {
		slogctx.Warn(ctx, "CSRF cookie is not marked as Secure; this is not recommended in production environments")
	}
	if csrfCookie.HttpOnly {
		slogctx.Warn(ctx, "CSRF cookie is marked as HttpOnly; this is not recommended as the CSRF token needs to be accessible from JavaScript")
	}
	if csrfCookie.SameSite != http.SameSiteStrictMode {
		slogctx.Warn(ctx, "CSRF cookie is not marked as SameSite=Strict; this is not recommended in production environments")
	}

	return csrfCookie, nil
}
