package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/auth"
	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/cachehealth"
	"github.com/stafflow/authkit/internal/config"
	"github.com/stafflow/authkit/internal/csrf"
	"github.com/stafflow/authkit/internal/idp"
	"github.com/stafflow/authkit/internal/oauthstate"
	oauthstatemock "github.com/stafflow/authkit/internal/oauthstate/mock"
	"github.com/stafflow/authkit/internal/session"
	sessionmock "github.com/stafflow/authkit/internal/session/mock"
	"github.com/stafflow/authkit/internal/token"
	tokenmock "github.com/stafflow/authkit/internal/token/mock"
)

const testClientID = "stafflow-web"

// startOIDCServer runs a minimal provider: discovery, JWKS and the token
// endpoint, signing a fresh ID token per exchange.
func startOIDCServer(t *testing.T) *httptest.Server {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: key, KeyID: "test-key", Algorithm: "RS256"},
	}, nil)
	require.NoError(t, err)

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			_ = json.NewEncoder(w).Encode(idp.Configuration{
				Issuer:                           server.URL,
				AuthorizationEndpoint:            server.URL + "/oauth2/authorize",
				TokenEndpoint:                    server.URL + "/oauth2/token",
				JwksURI:                          server.URL + "/.well-known/jwks.json",
				IDTokenSigningAlgValuesSupported: []string{"RS256"},
			})
		case "/.well-known/jwks.json":
			_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{
				Keys: []jose.JSONWebKey{{
					Key: key.Public(), KeyID: "test-key", Algorithm: "RS256", Use: "sig",
				}},
			})
		case "/oauth2/token":
			accessToken := "access-" + time.Now().Format(time.RFC3339Nano)
			atSum := sha256.Sum256([]byte(accessToken))

			raw, err := jwt.Signed(signer).
				Claims(jwt.Claims{
					Subject:  "42",
					Issuer:   server.URL,
					Audience: jwt.Audience{testClientID},
					IssuedAt: jwt.NewNumericDate(time.Now()),
					Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
				}).
				Claims(map[string]any{
					"email":       "jo@example.com",
					"given_name":  "Jo",
					"family_name": "Staff",
					"groups":      []string{"staff"},
					"at_hash":     base64.RawURLEncoding.EncodeToString(atSum[:sha256.Size/2]),
				}).
				Serialize()
			require.NoError(t, err)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(idp.TokenResponse{
				AccessToken: accessToken,
				IDToken:     raw,
				TokenType:   "Bearer",
				ExpiresIn:   3600,
			})
		}
	}))
	t.Cleanup(server.Close)

	return server
}

type fixture struct {
	flow     *auth.Flow
	tokens   *token.Service
	sessions *session.Store
	states   *oauthstatemock.Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	server := startOIDCServer(t)

	provider, err := idp.NewProvider(server.URL, testClientID, "shhh", "https://app.example.com/auth/callback", server.Client())
	require.NoError(t, err)

	c := cache.New(cachehealth.NewManager(valkey.ClientOption{}), "test")
	auditLogger := audit.NewLogger(nil)
	perms := cache.NewPermissionCache(c)
	states := oauthstatemock.NewInMemRepository()
	statesBroker := oauthstate.NewBroker(states, auditLogger)
	sessions := session.NewStore(c, sessionmock.NewInMemRepository())

	tokens := token.NewService(token.Dependencies{
		SigningKey:  []byte("0123456789abcdef0123456789abcdef"),
		Cache:       c,
		Permissions: perms,
		Refresh:     tokenmock.NewInMemRepository(),
		Sessions:    sessions,
		Directory:   staticDirectory{},
		Audit:       auditLogger,
	})

	flow := auth.NewFlow(auth.Dependencies{
		States:      statesBroker,
		Provider:    provider,
		Sessions:    sessions,
		Tokens:      tokens,
		CSRF:        csrf.NewBroker(c, auditLogger),
		Permissions: perms,
		Audit:       auditLogger,
		SessionCookieTemplate: config.CookieTemplate{
			Name: "__Host-session", Path: "/", Secure: true, HTTPOnly: true, SameSite: config.CookieSameSiteStrict,
		},
		RefreshCookieTemplate: config.CookieTemplate{
			Name: "__Host-refresh", Path: "/auth/refresh", Secure: true, HTTPOnly: true, SameSite: config.CookieSameSiteStrict,
		},
		CSRFCookieTemplate: config.CookieTemplate{
			Name: "csrf", Path: "/", Secure: true, SameSite: config.CookieSameSiteStrict,
		},
	})

	return fixture{flow: flow, tokens: tokens, sessions: sessions, states: states}
}

type staticDirectory struct{}

func (staticDirectory) Identity(context.Context, string) (token.Identity, error) {
	return token.Identity{Email: "jo@example.com", Roles: []string{"staff"}}, nil
}
