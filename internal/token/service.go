// Package token owns the dual-token lifecycle: short-lived signed access
// tokens and long-lived opaque refresh secrets. Access tokens carry a nonce
// proving issuance and can be blacklisted before their natural expiry;
// refresh secrets are stored only as digests, rotate on every use and detect
// reuse of a revoked secret.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/pkce"
	"github.com/stafflow/authkit/internal/serviceerr"
	"github.com/stafflow/authkit/internal/session"
)

const (
	DefaultIssuer   = "stafflow-authkit"
	DefaultAudience = "stafflow"

	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 168 * time.Hour

	// DefaultRetention keeps revoked and expired refresh records around long
	// enough for reuse detection and incident forensics.
	DefaultRetention = 168 * time.Hour

	blacklistKeyPrefix = "jwt:blacklist:"
	nonceKeyPrefix     = "jwt:nonce:"
)

// Identity is what the employee directory resolves for a subject.
type Identity struct {
	Email string
	Roles []string
}

// Directory resolves a subject's current identity. The refresh flow consults
// it so a rotated access token reflects role changes made since login.
type Directory interface {
	Identity(ctx context.Context, employeeID string) (Identity, error)
}

// Rotated is the result of a successful refresh-token rotation. The caller
// gets a full replacement credential set; everything presented before the
// rotation is dead.
type Rotated struct {
	AccessToken  string
	RefreshToken string
	Session      session.Session
}

type Service struct {
	signingKey  []byte
	cache       *cache.Cache
	permissions *cache.PermissionCache
	refresh     RefreshRepository
	sessions    *session.Store
	directory   Directory
	audit       *audit.Logger
	source      pkce.Source

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration

	strictRevocation bool
	enforceIPBinding bool
}

// Dependencies are the collaborators a Service cannot run without.
type Dependencies struct {
	SigningKey  []byte
	Cache       *cache.Cache
	Permissions *cache.PermissionCache
	Refresh     RefreshRepository
	Sessions    *session.Store
	Directory   Directory
	Audit       *audit.Logger
}

type Option func(*Service)

func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

func WithAudience(audience string) Option {
	return func(s *Service) { s.audience = audience }
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) { s.accessTTL = ttl }
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) { s.refreshTTL = ttl }
}

// WithStrictRevocation makes token verification fail closed while the cache
// runs degraded instead of accepting a signature-valid token whose revocation
// state cannot be checked.
func WithStrictRevocation(strict bool) Option {
	return func(s *Service) { s.strictRevocation = strict }
}

// WithEnforcedIPBinding turns the refresh-from-a-new-IP signal from an audit
// event into a hard rejection.
func WithEnforcedIPBinding(enforce bool) Option {
	return func(s *Service) { s.enforceIPBinding = enforce }
}

func NewService(deps Dependencies, opts ...Option) *Service {
	s := &Service{
		signingKey:  deps.SigningKey,
		cache:       deps.Cache,
		permissions: deps.Permissions,
		refresh:     deps.Refresh,
		sessions:    deps.Sessions,
		directory:   deps.Directory,
		audit:       deps.Audit,
		issuer:      DefaultIssuer,
		audience:    DefaultAudience,
		accessTTL:   DefaultAccessTTL,
		refreshTTL:  DefaultRefreshTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// IssueAccessToken signs a short-lived access token and registers its nonce
// so verification can prove the token passed through this service.
func (s *Service) IssueAccessToken(ctx context.Context, employeeID, email string, roles []string, sessionID string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   employeeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		Email:     email,
		Roles:     roles,
		SessionID: sessionID,
		Nonce:     s.source.Nonce(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}

	// The nonce record lives exactly as long as the token it vouches for.
	if err := s.cache.Set(ctx, nonceKey(claims.ID), nonceRecord{Nonce: claims.Nonce}, s.accessTTL); err != nil {
		return "", fmt.Errorf("registering token nonce: %w", err)
	}

	return signed, nil
}

// VerifyAccessToken validates signature, expiry, issuer and audience, then
// checks the revocation blacklist and the issuance nonce. While the cache is
// degraded the revocation checks cannot be answered authoritatively; the
// default is to accept a signature-valid token, strict mode rejects it.
func (s *Service) VerifyAccessToken(ctx context.Context, tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, serviceerr.ErrTokenExpired
		}

		return nil, serviceerr.ErrTokenInvalid
	}

	degraded := s.cache.Degraded()

	var marker blacklistMarker
	err = s.cache.Get(ctx, blacklistKey(claims.ID), &marker)
	switch {
	case err == nil:
		return nil, serviceerr.ErrTokenRevoked
	case errors.Is(err, serviceerr.ErrNotFound), errors.Is(err, serviceerr.ErrNoValue):
		if degraded && s.strictRevocation {
			return nil, serviceerr.ErrTokenInvalid
		}
	default:
		if s.strictRevocation {
			return nil, serviceerr.ErrTokenInvalid
		}
		slogctx.Warn(ctx, "Blacklist lookup failed, accepting signature-valid token", "error", err)
	}

	var nonce nonceRecord
	err = s.cache.Get(ctx, nonceKey(claims.ID), &nonce)
	switch {
	case err == nil:
		if subtle.ConstantTimeCompare([]byte(nonce.Nonce), []byte(claims.Nonce)) != 1 {
			return nil, serviceerr.ErrTokenInvalid
		}
	case errors.Is(err, serviceerr.ErrNotFound), errors.Is(err, serviceerr.ErrNoValue):
		// A healthy cache holds the nonce for the token's full lifetime, so
		// a miss means the token never passed through issuance. A degraded
		// miss is expected and inconclusive.
		if !degraded || s.strictRevocation {
			return nil, serviceerr.ErrTokenInvalid
		}
	default:
		if s.strictRevocation {
			return nil, serviceerr.ErrTokenInvalid
		}
		slogctx.Warn(ctx, "Nonce lookup failed, accepting signature-valid token", "error", err)
	}

	return claims, nil
}

// BlacklistToken revokes an access token before its natural expiry. The
// marker's TTL equals the token's remaining lifetime, after which the expiry
// check makes it redundant. Blacklisting an already-expired token is a no-op.
func (s *Service) BlacklistToken(ctx context.Context, tokenStr string) error {
	claims := &AccessClaims{}
	// Unverified on purpose: revoking a token we did not sign is harmless,
	// and logout must work even when the signature cannot be checked.
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return serviceerr.ErrTokenInvalid
	}

	remaining := s.accessTTL
	if claims.ExpiresAt != nil {
		remaining = time.Until(claims.ExpiresAt.Time)
	}
	if remaining <= 0 {
		return nil
	}

	if err := s.cache.Set(ctx, blacklistKey(claims.ID), blacklistMarker{RevokedAt: time.Now()}, remaining); err != nil {
		return fmt.Errorf("blacklisting token: %w", err)
	}

	return nil
}

// IssueRefreshToken mints an opaque refresh secret bound to the subject, the
// session and the presenting client. Only the digest is persisted.
func (s *Service) IssueRefreshToken(ctx context.Context, employeeID, sessionID, clientInfo, ipAddress string) (string, error) {
	secret := s.source.Secret()
	digest := sha256.Sum256([]byte(secret))

	now := time.Now()
	rec := RefreshToken{
		ID:         uuid.New(),
		EmployeeID: employeeID,
		SessionID:  sessionID,
		TokenHash:  digest[:],
		ClientInfo: clientInfo,
		IPAddress:  ipAddress,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}

	if err := s.refresh.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("storing refresh token: %w", err)
	}

	return secret, nil
}

// VerifyAndRotate exchanges a refresh secret for a fresh credential set. The
// presented secret is matched against the full candidate set in constant
// time, the matched record is revoked exactly once, and the bound session is
// rotated alongside the token. Reuse of a revoked secret is the classic
// token-theft signal and is rejected with a critical audit event.
func (s *Service) VerifyAndRotate(ctx context.Context, secret, ipAddress, userAgent string) (Rotated, error) {
	digest := sha256.Sum256([]byte(secret))

	candidates, err := s.refresh.ListCandidates(ctx)
	if err != nil {
		return Rotated{}, fmt.Errorf("listing refresh tokens: %w", err)
	}

	// No early exit: the scan always walks the whole set so its timing does
	// not reveal whether or where a match occurred.
	matched := -1
	for i := range candidates {
		if subtle.ConstantTimeCompare(candidates[i].TokenHash, digest[:]) == 1 {
			matched = i
		}
	}
	if matched < 0 {
		return Rotated{}, serviceerr.ErrTokenNotFound
	}
	rec := candidates[matched]

	now := time.Now()
	if rec.Revoked() {
		s.audit.SuspiciousActivity(ctx, rec.EmployeeID, "revoked refresh token presented", ipAddress, userAgent)
		return Rotated{}, serviceerr.ErrTokenRevoked
	}
	if rec.Expired(now) {
		return Rotated{}, serviceerr.ErrTokenExpired
	}

	if rec.IPAddress != "" && rec.IPAddress != ipAddress {
		s.audit.SuspiciousActivity(ctx, rec.EmployeeID, "refresh token presented from a different IP", ipAddress, userAgent)
		if s.enforceIPBinding {
			return Rotated{}, serviceerr.ErrIPMismatch
		}
	}

	// Compare-and-swap: of two concurrent rotations of the same secret at
	// most one revokes the record, the other sees it already revoked.
	if err := s.refresh.Revoke(ctx, rec.ID, now); err != nil {
		if errors.Is(err, serviceerr.ErrTokenRevoked) {
			s.audit.SuspiciousActivity(ctx, rec.EmployeeID, "revoked refresh token presented", ipAddress, userAgent)
			return Rotated{}, serviceerr.ErrTokenRevoked
		}

		return Rotated{}, fmt.Errorf("revoking refresh token: %w", err)
	}

	sess, err := s.sessions.Create(ctx, rec.EmployeeID, ipAddress, userAgent)
	if err != nil {
		return Rotated{}, fmt.Errorf("rotating session: %w", err)
	}
	if rec.SessionID != "" {
		if err := s.sessions.Invalidate(ctx, rec.SessionID); err != nil {
			slogctx.Warn(ctx, "Could not invalidate rotated session", "error", err)
		}
	}

	ident := s.lookupIdentity(ctx, rec.EmployeeID)

	access, err := s.IssueAccessToken(ctx, rec.EmployeeID, ident.Email, ident.Roles, sess.ID)
	if err != nil {
		return Rotated{}, err
	}

	newSecret, err := s.IssueRefreshToken(ctx, rec.EmployeeID, sess.ID, rec.ClientInfo, ipAddress)
	if err != nil {
		return Rotated{}, err
	}

	s.audit.TokenRefresh(ctx, rec.EmployeeID, ipAddress)

	return Rotated{
		AccessToken:  access,
		RefreshToken: newSecret,
		Session:      sess,
	}, nil
}

// RevokeAllForSubject kills every live refresh token of one employee, e.g.
// on password change or offboarding, and drops their cached role set.
func (s *Service) RevokeAllForSubject(ctx context.Context, employeeID string) (int64, error) {
	n, err := s.refresh.RevokeAllForEmployee(ctx, employeeID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("revoking refresh tokens: %w", err)
	}

	if err := s.permissions.Invalidate(ctx, employeeID); err != nil {
		slogctx.Warn(ctx, "Could not invalidate cached roles", "error", err)
	}

	return n, nil
}

// Cleanup drops refresh records revoked or expired beyond the retention
// window. Run periodically by the housekeeper.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	n, err := s.refresh.DeleteStale(ctx, time.Now(), retention)
	if err != nil {
		return 0, fmt.Errorf("cleaning up refresh tokens: %w", err)
	}

	return n, nil
}

// lookupIdentity resolves the subject's current email and roles, keeping the
// permission cache warm. A directory outage degrades to the cached role set
// so a refresh does not hard-fail on an unrelated dependency.
func (s *Service) lookupIdentity(ctx context.Context, employeeID string) Identity {
	ident, err := s.directory.Identity(ctx, employeeID)
	if err == nil {
		if err := s.permissions.SetRoles(ctx, employeeID, ident.Roles); err != nil {
			slogctx.Warn(ctx, "Could not cache resolved roles", "error", err)
		}

		return ident
	}

	slogctx.Warn(ctx, "Directory lookup failed, using cached roles", "error", err)

	if roles, cacheErr := s.permissions.Roles(ctx, employeeID); cacheErr == nil {
		return Identity{Roles: roles}
	}

	return Identity{}
}

func blacklistKey(jti string) string {
	return blacklistKeyPrefix + jti
}

func nonceKey(jti string) string {
	return nonceKeyPrefix + jti
}
