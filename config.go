package oauth

import "log/slog"

// Default HTTP-layer settings
const (
	DefaultRegistrationRate  = 10.0 / 3600 // ten registrations per hour per IP
	DefaultRegistrationBurst = 10
	DefaultMaxRequestBody    = 64 << 10
)

// HandlerConfig holds the HTTP facade configuration. The protocol settings
// (TTLs, fallback client, rotation) live in server.Config.
type HandlerConfig struct {
	// ScopesSupported is advertised in the authorization server metadata
	ScopesSupported []string

	// Rate limiting configuration for dynamic registration
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging.
	// Credentials are never logged; tokens are fingerprinted.
	EnableAuditLogging bool

	// MaxRequestBody caps registration and form bodies in bytes.
	// Default: 64 KiB
	MaxRequestBody int64

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RegistrationRate is registrations per second allowed per IP.
	// Negative disables limiting. Default: 10 per hour
	RegistrationRate float64

	// RegistrationBurst is the maximum burst size allowed per IP.
	RegistrationBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appending to X-Forwarded-For.
	TrustedProxyCount int
}

func (c *HandlerConfig) applyDefaults() {
	if c.RateLimit.RegistrationRate == 0 {
		c.RateLimit.RegistrationRate = DefaultRegistrationRate
	}
	if c.RateLimit.RegistrationBurst == 0 {
		c.RateLimit.RegistrationBurst = DefaultRegistrationBurst
	}
	if c.MaxRequestBody == 0 {
		c.MaxRequestBody = DefaultMaxRequestBody
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
