// Package business wires the auth core together: the durable store, the
// tiered cache, the identity provider client and the brokers around them.
package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stafflow/authkit/internal/audit"
	"github.com/stafflow/authkit/internal/auth"
	"github.com/stafflow/authkit/internal/cache"
	"github.com/stafflow/authkit/internal/cachehealth"
	"github.com/stafflow/authkit/internal/config"
	"github.com/stafflow/authkit/internal/csrf"
	"github.com/stafflow/authkit/internal/idp"
	"github.com/stafflow/authkit/internal/oauthstate"
	oauthstatesql "github.com/stafflow/authkit/internal/oauthstate/sql"
	"github.com/stafflow/authkit/internal/session"
	sessionsql "github.com/stafflow/authkit/internal/session/sql"
	"github.com/stafflow/authkit/internal/token"
	tokensql "github.com/stafflow/authkit/internal/token/sql"
)

// Core bundles the assembled components. The embedding web application
// mounts its HTTP surface on top of Flow; the housekeeper reaches the stores
// directly.
type Core struct {
	Flow        *auth.Flow
	Sessions    *session.Store
	Tokens      *token.Service
	States      *oauthstate.Broker
	Cache       *cache.Cache
	CacheHealth *cachehealth.Manager
}

// Main assembles the auth core and keeps it running: the cache health
// manager maintains the volatile-cache connection while the status server
// (started by the command wrapper) reports liveness. The HTTP surface is
// mounted by the embedding application.
func Main(ctx context.Context, cfg *config.Config) error {
	core, closeFn, err := InitCore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the auth core: %w", err)
	}
	defer closeFn()

	if core.Cache.Degraded() {
		slogctx.Warn(ctx, "Auth core started in degraded mode, cache tier unavailable")
	}

	slogctx.Info(ctx, "Auth core ready")
	<-ctx.Done()

	return nil
}

// InitCore builds every component from configuration. A cache that cannot be
// reached at startup is not fatal: the core starts degraded and the health
// manager keeps trying.
func InitCore(ctx context.Context, cfg *config.Config) (_ *Core, closeFn func(), _ error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("making dsn from config: %w", err)
	}

	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	valkeyOpts, err := loadValkeyOptions(cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	health := cachehealth.NewManager(valkeyOpts, cachehealth.WithOperationTimeout(cfg.ValKey.OperationTimeout))
	if err := health.Connect(ctx); err != nil {
		slogctx.Warn(ctx, "Could not connect to the volatile cache, starting degraded", "error", err)
		health.EnterFallbackMode()
	}

	c := cache.New(health, cfg.ValKey.Prefix)
	permissions := cache.NewPermissionCache(c)

	signingKey, err := commoncfg.LoadValueFromSourceRef(cfg.AuthCore.SigningKey)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("loading signing key from source ref: %w", err)
	}
	if len(signingKey) < 32 {
		db.Close()
		return nil, nil, errors.New("signing key must be at least 32 bytes")
	}

	clientSecret, err := commoncfg.LoadValueFromSourceRef(cfg.AuthCore.IdentityProvider.ClientSecret)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("loading identity provider client secret: %w", err)
	}

	provider, err := idp.NewProvider(
		cfg.AuthCore.IdentityProvider.IssuerURL,
		cfg.AuthCore.IdentityProvider.ClientID,
		string(clientSecret),
		cfg.AuthCore.IdentityProvider.CallbackURL,
		http.DefaultClient,
	)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating identity provider client: %w", err)
	}

	otlpLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating audit logger: %w", err)
	}
	auditLogger := audit.NewLogger(otlpLogger)

	sessions := session.NewStore(c, sessionsql.NewRepository(db), session.WithTTL(cfg.AuthCore.SessionTTL))

	states := oauthstate.NewBroker(oauthstatesql.NewRepository(db), auditLogger,
		oauthstate.WithTTL(cfg.AuthCore.StateTTL),
		oauthstate.WithEnforcedIPBinding(cfg.AuthCore.EnforceIPBinding),
	)

	tokens := token.NewService(token.Dependencies{
		SigningKey:  signingKey,
		Cache:       c,
		Permissions: permissions,
		Refresh:     tokensql.NewRepository(db),
		Sessions:    sessions,
		Directory:   cachedDirectory{permissions: permissions},
		Audit:       auditLogger,
	},
		token.WithIssuer(cfg.AuthCore.Issuer),
		token.WithAudience(cfg.AuthCore.Audience),
		token.WithAccessTTL(cfg.AuthCore.AccessTokenTTL),
		token.WithRefreshTTL(cfg.AuthCore.RefreshTokenTTL),
		token.WithStrictRevocation(cfg.AuthCore.StrictRevocation),
		token.WithEnforcedIPBinding(cfg.AuthCore.EnforceIPBinding),
	)

	flow := auth.NewFlow(auth.Dependencies{
		States:                states,
		Provider:              provider,
		Sessions:              sessions,
		Tokens:                tokens,
		CSRF:                  csrf.NewBroker(c, auditLogger, csrf.WithTTL(cfg.AuthCore.CSRFTokenTTL)),
		Permissions:           permissions,
		Audit:                 auditLogger,
		SessionCookieTemplate: cfg.AuthCore.SessionCookieTemplate,
		RefreshCookieTemplate: cfg.AuthCore.RefreshCookieTemplate,
		CSRFCookieTemplate:    cfg.AuthCore.CSRFCookieTemplate,
	})

	core := &Core{
		Flow:        flow,
		Sessions:    sessions,
		Tokens:      tokens,
		States:      states,
		Cache:       c,
		CacheHealth: health,
	}

	closeFn = func() {
		health.Disconnect()
		db.Close()
	}

	return core, closeFn, nil
}

func loadValkeyOptions(cfg *config.Config) (valkey.ClientOption, error) {
	host, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return valkey.ClientOption{}, fmt.Errorf("loading valkey host: %w", err)
	}

	user, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return valkey.ClientOption{}, fmt.Errorf("loading valkey username: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return valkey.ClientOption{}, fmt.Errorf("loading valkey password: %w", err)
	}

	return valkey.ClientOption{
		InitAddress: []string{string(host)},
		Username:    string(user),
		Password:    string(password),
	}, nil
}

// cachedDirectory answers refresh-time identity lookups from the permission
// cache. The employee directory proper lives in the main application, which
// keeps the cache warm; a miss here degrades a refreshed token's role claim,
// never the refresh itself.
type cachedDirectory struct {
	permissions *cache.PermissionCache
}

func (d cachedDirectory) Identity(ctx context.Context, employeeID string) (token.Identity, error) {
	roles, err := d.permissions.Roles(ctx, employeeID)
	if err != nil {
		return token.Identity{}, err
	}

	return token.Identity{Roles: roles}, nil
}
