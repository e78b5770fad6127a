// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	Database    Database    `yaml:"database"`
	ValKey      ValKey      `yaml:"valkey"`
	AuthCore    AuthCore    `yaml:"authCore"`
	Housekeeper Housekeeper `yaml:"housekeeper"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix" default:"authkit"`

	// OperationTimeout bounds every single cache command.
	OperationTimeout time.Duration `yaml:"operationTimeout" default:"5s"`
}

type AuthCore struct {
	SessionTTL      time.Duration `yaml:"sessionTTL" default:"24h"`
	AccessTokenTTL  time.Duration `yaml:"accessTokenTTL" default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refreshTokenTTL" default:"168h"`
	StateTTL        time.Duration `yaml:"stateTTL" default:"10m"`
	CSRFTokenTTL    time.Duration `yaml:"csrfTokenTTL" default:"1h"`

	Issuer   string `yaml:"issuer" default:"stafflow-authkit"`
	Audience string `yaml:"audience" default:"stafflow"`

	// SigningKey is the symmetric secret for access tokens. Must be at
	// least 32 bytes.
	SigningKey commoncfg.SourceRef `yaml:"signingKey"`

	// StrictRevocation fails token verification closed when the cache tier
	// holding the blacklist and nonce records is unavailable. The default
	// accepts tokens during a cache outage, trading revocation latency for
	// availability.
	StrictRevocation bool `yaml:"strictRevocation" default:"false"`

	// EnforceIPBinding rejects an OAuth state consumed from a different IP
	// than the one it was issued to. Soft by default: proxies and NAT
	// legitimately change client IPs mid-flow, so a mismatch is only
	// recorded as suspicious activity.
	EnforceIPBinding bool `yaml:"enforceIPBinding" default:"false"`

	IdentityProvider IdentityProvider `yaml:"identityProvider"`

	SessionCookieTemplate CookieTemplate `yaml:"sessionCookie"`
	RefreshCookieTemplate CookieTemplate `yaml:"refreshCookie"`
	CSRFCookieTemplate    CookieTemplate `yaml:"csrfCookie"`
}

type IdentityProvider struct {
	IssuerURL    string              `yaml:"issuerURL"`
	ClientID     string              `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	CallbackURL  string              `yaml:"callbackURL"`
}

type Housekeeper struct {
	// SweepInterval drives the expired-session and token cleanup loop.
	SweepInterval time.Duration `yaml:"sweepInterval" default:"1h"`

	// Retention keeps revoked and expired refresh tokens around long enough
	// for reuse detection before they are deleted for good.
	Retention time.Duration `yaml:"retention" default:"168h"`
}
