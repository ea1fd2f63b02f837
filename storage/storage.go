// Package storage defines the persistence contract for OAuth clients,
// authorization codes and access/refresh token pairs.
package storage

import (
	"context"
	"time"
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient inserts or replaces a client keyed by its ClientID.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeCheck is evaluated against a live authorization code inside the
// store's atomic region. Returning a non-nil error leaves the code in place.
type CodeCheck func(code *AuthorizationCode) error

// CodeStore manages issued authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically looks up a code and removes it.
	//
	// Returns ErrNotFound if the code does not exist. If the code is expired
	// at now, it is deleted and ErrExpired is returned. Otherwise check runs
	// against the stored record; if check fails the code is kept and the
	// check error is returned unchanged. On success the code is deleted and
	// returned.
	//
	// SECURITY: two concurrent calls for the same code must never both succeed.
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time, check CodeCheck) (*AuthorizationCode, error)
}

// RefreshCheck is evaluated against a live refresh token inside the store's
// atomic region. Returning a non-nil error leaves the pair in place.
type RefreshCheck func(token *RefreshToken) error

// TokenStore manages linked access/refresh token pairs.
type TokenStore interface {
	// SaveTokenPair persists both tokens of a pair in one atomic write.
	SaveTokenPair(ctx context.Context, access *AccessToken, refresh *RefreshToken) error

	// GetAccessToken returns a live access token. An expired row is deleted
	// in the same atomic operation and ErrExpired is returned.
	GetAccessToken(ctx context.Context, token string, now time.Time) (*AccessToken, error)

	// GetRefreshToken returns a live refresh token. An expired row is deleted
	// in the same atomic operation and ErrExpired is returned.
	GetRefreshToken(ctx context.Context, token string, now time.Time) (*RefreshToken, error)

	// ConsumeRefreshToken atomically removes a live refresh token together
	// with its paired access token and returns the refresh record. Expiry
	// and check semantics match ConsumeAuthorizationCode.
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time, check RefreshCheck) (*RefreshToken, error)

	// RevokeRefreshToken deletes a refresh token and its paired access token.
	// Returns ErrNotFound if the refresh token does not exist.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Sweeper removes rows whose expiry is at or before now.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (SweepResult, error)
}

// Store is the full persistence contract required by the authorization server.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	Sweeper

	// Close releases any resources held by the store.
	Close() error
}

// SweepResult reports how many rows a sweep removed.
type SweepResult struct {
	Codes         int
	AccessTokens  int
	RefreshTokens int
}

// Total returns the number of rows removed across all tables.
func (r SweepResult) Total() int {
	return r.Codes + r.AccessTokens + r.RefreshTokens
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash"` // bcrypt hash
	ClientName              string    `json:"client_name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// AuthorizationCode represents an issued, not yet redeemed authorization code
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessToken is the short-lived half of a token pair.
type AccessToken struct {
	Token        string    `json:"token"`
	ClientID     string    `json:"client_id"`
	Scope        string    `json:"scope,omitempty"`
	Resource     string    `json:"resource,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

// RefreshToken is the long-lived half of a token pair.
type RefreshToken struct {
	Token       string    `json:"token"`
	ClientID    string    `json:"client_id"`
	Scope       string    `json:"scope,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessToken string    `json:"access_token"`
}

// IsExpired reports whether expiresAt is at or before now.
// A row expiring at T is live for every instant strictly before T.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// CloneClient returns a deep copy so callers never share slices with a store.
func CloneClient(c *Client) *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	return &out
}
