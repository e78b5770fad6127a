// Package idp is the client side of the OAuth2/OIDC dance with the corporate
// identity provider: endpoint discovery, the authorization-code-for-tokens
// exchange, and ID-token verification against the provider's published keys.
package idp

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	gocache "github.com/patrickmn/go-cache"

	"github.com/stafflow/authkit/internal/serviceerr"
)

const (
	wellKnownPath = "/.well-known/openid-configuration"

	// Discovery documents and key sets change rarely; caching them keeps
	// login latency down and survives brief provider hiccups.
	configCacheTTL = time.Hour
	jwksCacheTTL   = 5 * time.Minute

	configCacheKey = "wkoc"
	jwksCacheKey   = "jwks"
)

// TokenResponse is the provider's answer to the authorization-code exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Claims are the verified identity claims this service consumes from an ID
// token. Directory groups map onto application roles.
type Claims struct {
	Subject    string
	Email      string
	GivenName  string
	FamilyName string
	Roles      []string
}

type Provider struct {
	issuerURL    string
	clientID     string
	clientSecret string
	callbackURL  *url.URL
	client       *http.Client
	cache        *gocache.Cache
}

func NewProvider(issuerURL, clientID, clientSecret, callbackURL string, httpClient *http.Client) (*Provider, error) {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("parsing callback URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Provider{
		issuerURL:    strings.TrimSuffix(issuerURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		callbackURL:  parsed,
		client:       httpClient,
		cache:        gocache.New(configCacheTTL, 2*configCacheTTL),
	}, nil
}

func (p *Provider) ClientID() string { return p.clientID }

func (p *Provider) CallbackURL() string { return p.callbackURL.String() }

// Configuration returns the provider metadata, fetched from the well-known
// endpoint and cached.
func (p *Provider) Configuration(ctx context.Context) (Configuration, error) {
	if cached, ok := p.cache.Get(configCacheKey); ok {
		//nolint:forcetypeassert
		return cached.(Configuration), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.issuerURL+wellKnownPath, nil)
	if err != nil {
		return Configuration{}, fmt.Errorf("creating discovery request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Configuration{}, fmt.Errorf("executing discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Configuration{}, fmt.Errorf("discovery failed with status: %d", resp.StatusCode)
	}

	var conf Configuration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return Configuration{}, fmt.Errorf("decoding discovery response: %w", err)
	}

	p.cache.Set(configCacheKey, conf, configCacheTTL)

	return conf, nil
}

// Exchange trades the authorization code plus the PKCE verifier for the
// provider's token set.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (TokenResponse, error) {
	conf, err := p.Configuration(ctx)
	if err != nil {
		return TokenResponse{}, err
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	data.Set("redirect_uri", p.callbackURL.String())
	data.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		data.Set("client_secret", p.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenResponse{}, fmt.Errorf("token exchange failed with status: %d", resp.StatusCode)
	}

	var tokens TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("decoding response: %w", err)
	}

	return tokens, nil
}

// VerifyIDToken checks the ID token's signature against the provider's key
// set, validates issuer, audience and expiry, and, when the token carries an
// at_hash claim, binds it to the access token it was issued with.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken, accessToken string) (Claims, error) {
	conf, err := p.Configuration(ctx)
	if err != nil {
		return Claims{}, err
	}

	supported := conf.IDTokenSigningAlgValuesSupported
	if len(supported) == 0 {
		supported = []string{"RS256"}
	}
	algs := make([]jose.SignatureAlgorithm, 0, len(supported))
	for _, alg := range supported {
		algs = append(algs, jose.SignatureAlgorithm(alg))
	}

	token, err := jwt.ParseSigned(rawIDToken, algs)
	if err != nil {
		return Claims{}, fmt.Errorf("parsing id token: %w", err)
	}

	keySet, err := p.keySet(ctx, conf)
	if err != nil {
		return Claims{}, err
	}

	type customClaims struct {
		Email      string   `json:"email"`
		GivenName  string   `json:"given_name"`
		FamilyName string   `json:"family_name"`
		Groups     []string `json:"groups"`
	}
	type extraClaims struct {
		AtHash string `json:"at_hash,omitempty"`
	}

	var standard jwt.Claims
	var custom customClaims
	var extra extraClaims
	if err := token.Claims(keySet, &standard, &custom, &extra); err != nil {
		return Claims{}, fmt.Errorf("getting JWT claims: %w", err)
	}

	if err := standard.Validate(jwt.Expected{
		Issuer:      p.issuerURL,
		AnyAudience: jwt.Audience{p.clientID},
		Time:        time.Now(),
	}); err != nil {
		return Claims{}, fmt.Errorf("validating id token claims: %w", err)
	}

	if extra.AtHash != "" {
		if err := verifyAtHash(accessToken, extra.AtHash, token); err != nil {
			return Claims{}, err
		}
	}

	return Claims{
		Subject:    standard.Subject,
		Email:      custom.Email,
		GivenName:  custom.GivenName,
		FamilyName: custom.FamilyName,
		Roles:      custom.Groups,
	}, nil
}

func (p *Provider) keySet(ctx context.Context, conf Configuration) (*jose.JSONWebKeySet, error) {
	if cached, ok := p.cache.Get(jwksCacheKey); ok {
		//nolint:forcetypeassert
		return cached.(*jose.JSONWebKeySet), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conf.JwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("decoding keyset response: %w", err)
	}

	p.cache.Set(jwksCacheKey, &keySet, jwksCacheTTL)

	return &keySet, nil
}

// verifyAtHash recomputes the at_hash over the access token with the hash
// that matches the ID token's signing algorithm: the left half of the digest,
// base64url encoded.
func verifyAtHash(accessToken, atHash string, idToken *jwt.JSONWebToken) error {
	var h hash.Hash
	switch alg := idToken.Headers[0].Algorithm; alg {
	case "RS256", "ES256", "PS256":
		h = sha256.New()
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512", "EdDSA":
		h = sha512.New()
	default:
		return fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	h.Write([]byte(accessToken)) // NOSONAR
	sum := h.Sum(nil)[:h.Size()/2]
	actual := base64.RawURLEncoding.EncodeToString(sum)
	if actual != atHash {
		return serviceerr.ErrInvalidAtHash
	}

	return nil
}
