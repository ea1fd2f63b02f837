package security

// Event type constants for security audit logging.
const (
	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventAuthorizationCodeIssued is logged when /authorize hands out a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventGrantRejected is logged when a code redemption or refresh fails.
	// The detail "kind" carries the error kind (invalid_grant, pkce_mismatch, ...).
	EventGrantRejected = "grant_rejected"

	// EventTokenIssued is logged when a token pair is minted
	EventTokenIssued = "token_issued"

	// EventTokenRevoked is logged when a refresh token is revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
