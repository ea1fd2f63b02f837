package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultRedirectURI is the redirect URI given to clients that register
// without any. It is the callback of the ChatGPT connector platform.
const DefaultRedirectURI = "https://chatgpt.com/connector_platform_oauth_redirect"

const (
	defaultAuthorizationCodeTTL = 600     // 10 minutes
	defaultAccessTokenTTL       = 3600    // 1 hour
	defaultRefreshTokenTTL      = 2592000 // 30 days
	defaultSweepInterval        = time.Minute
	defaultStoreTimeout         = 5 * time.Second
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// DisableRefreshTokenRotation keeps the old pair alive after a refresh.
	// By default a refresh token is single-use and its pair is retired the
	// moment a replacement is minted.
	DisableRefreshTokenRotation bool

	// SweepInterval is how often expired rows are reclaimed
	SweepInterval time.Duration // default: 1 minute

	// StoreTimeout bounds every storage call. Exceeding it is a storage error.
	StoreTimeout time.Duration // default: 5 seconds

	// FallbackClientID and FallbackClientSecret describe a statically
	// configured client accepted even before any dynamic registration.
	// Leave FallbackClientID empty to disable.
	FallbackClientID     string
	FallbackClientSecret string

	// DefaultRedirectURIs are assigned to clients that register without any
	// and are the redirect URIs accepted for the fallback client.
	DefaultRedirectURIs []string // default: [DefaultRedirectURI]

	// BcryptCost is the work factor for client secret hashes
	BcryptCost int // default: bcrypt.DefaultCost

	// Clock returns the current time. Tests inject a controllable clock.
	Clock func() time.Time // default: time.Now
}

// applyDefaults fills zero values and returns config for chaining
func applyDefaults(config *Config) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = defaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = defaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = defaultSweepInterval
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = defaultStoreTimeout
	}
	if len(config.DefaultRedirectURIs) == 0 {
		config.DefaultRedirectURIs = []string{DefaultRedirectURI}
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return config
}

// validate rejects configurations that would break token invariants
func (c *Config) validate(logger *slog.Logger) error {
	if c.AuthorizationCodeTTL < 0 || c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("access token TTL (%ds) must be shorter than refresh token TTL (%ds)",
			c.AccessTokenTTL, c.RefreshTokenTTL)
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range [%d, %d]", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.FallbackClientSecret != "" && c.FallbackClientID == "" {
		return fmt.Errorf("fallback client secret set without a fallback client id")
	}
	if c.FallbackClientID != "" && c.FallbackClientSecret == "" {
		logger.Warn("Fallback client has no secret; it can only be used as a public client",
			"client_id", c.FallbackClientID)
	}
	if c.DisableRefreshTokenRotation {
		logger.Warn("Refresh token rotation is disabled; old token pairs stay valid until expiry or revocation")
	}
	return nil
}

func (c *Config) now() time.Time {
	return c.Clock()
}

// storeContext bounds a storage call by StoreTimeout
func (c *Config) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.StoreTimeout)
}

func (c *Config) codeTTL() time.Duration    { return time.Duration(c.AuthorizationCodeTTL) * time.Second }
func (c *Config) accessTTL() time.Duration  { return time.Duration(c.AccessTokenTTL) * time.Second }
func (c *Config) refreshTTL() time.Duration { return time.Duration(c.RefreshTokenTTL) * time.Second }
