package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/internal/util"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// Grant and response type values (RFC 6749)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// RegistrationRequest carries the optional fields of a dynamic registration.
// Empty fields get defaults.
type RegistrationRequest struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
}

// RegisteredClient is a freshly registered client together with its
// plaintext secret. The secret is never retrievable again.
type RegisteredClient struct {
	*storage.Client
	ClientSecret string
}

// ClientRegistry stores and validates client identities: dynamically
// registered clients plus the optional fallback client from configuration.
type ClientRegistry struct {
	*core
	store storage.ClientStore
}

// identity is one way a client id can be known to the registry.
type identity interface {
	matchesSecret(secret string) bool
	allowsRedirect(uri string) bool
}

type registeredIdentity struct {
	client *storage.Client
}

func (r registeredIdentity) matchesSecret(secret string) bool {
	if r.client.ClientSecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(r.client.ClientSecretHash), []byte(secret)) == nil
}

func (r registeredIdentity) allowsRedirect(uri string) bool {
	return util.ContainsString(r.client.RedirectURIs, uri)
}

type fallbackIdentity struct {
	secret    string
	redirects []string
}

func (f fallbackIdentity) matchesSecret(secret string) bool {
	if f.secret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(f.secret), []byte(secret)) == 1
}

func (f fallbackIdentity) allowsRedirect(uri string) bool {
	return util.ContainsString(f.redirects, uri)
}

// resolve returns every identity known for clientID, registered first.
func (r *ClientRegistry) resolve(ctx context.Context, clientID string) ([]identity, error) {
	if clientID == "" {
		return nil, nil
	}

	var ids []identity
	client, err := r.lookup(ctx, clientID)
	switch {
	case err == nil:
		ids = append(ids, registeredIdentity{client: client})
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	if r.config.FallbackClientID != "" && clientID == r.config.FallbackClientID {
		ids = append(ids, fallbackIdentity{
			secret:    r.config.FallbackClientSecret,
			redirects: r.config.DefaultRedirectURIs,
		})
	}
	return ids, nil
}

func (r *ClientRegistry) lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, cancel := r.config.storeContext(ctx)
	defer cancel()

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, storageFailure(r.logger, "get client", err)
	}
	return client, nil
}

// Register creates a client with a fresh id and secret. It only fails when
// the store does.
func (r *ClientRegistry) Register(ctx context.Context, req RegistrationRequest) (_ *RegisteredClient, err error) {
	ctx, span := r.startSpan(ctx, "register_client")
	defer func() { r.endSpan(span, err) }()

	secret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash client secret: %w", err)
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        string(hash),
		ClientName:              req.ClientName,
		RedirectURIs:            orDefault(req.RedirectURIs, r.config.DefaultRedirectURIs),
		GrantTypes:              orDefault(req.GrantTypes, []string{GrantTypeAuthorizationCode}),
		ResponseTypes:           orDefault(req.ResponseTypes, []string{ResponseTypeCode}),
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		CreatedAt:               r.config.now(),
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = TokenEndpointAuthMethodPost
	}

	if err := r.save(ctx, client); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrAuthMethod, client.TokenEndpointAuthMethod),
	)
	r.inst.Metrics().RecordClientRegistration(ctx, client.TokenEndpointAuthMethod)
	r.logger.Info("Registered new client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_method", client.TokenEndpointAuthMethod,
		"redirect_uris", client.RedirectURIs)

	return &RegisteredClient{Client: client, ClientSecret: secret}, nil
}

func (r *ClientRegistry) save(ctx context.Context, client *storage.Client) error {
	ctx, cancel := r.config.storeContext(ctx)
	defer cancel()

	if err := r.store.SaveClient(ctx, client); err != nil {
		return storageFailure(r.logger, "save client", err)
	}
	return nil
}

// Get returns a registered client, or storage.ErrNotFound.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (*storage.Client, error) {
	return r.lookup(ctx, clientID)
}

// ValidateCredentials reports whether secret authenticates clientID, either
// as a registered client or as the fallback client.
func (r *ClientRegistry) ValidateCredentials(ctx context.Context, clientID, secret string) (bool, error) {
	ids, err := r.resolve(ctx, clientID)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		// keep unknown ids as slow as known ones
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(secret))
		return false, nil
	}
	for _, id := range ids {
		if id.matchesSecret(secret) {
			return true, nil
		}
	}
	return false, nil
}

// ValidateID reports whether clientID is registered or is the fallback id.
// Used for public clients that authenticate with PKCE only.
func (r *ClientRegistry) ValidateID(ctx context.Context, clientID string) (bool, error) {
	ids, err := r.resolve(ctx, clientID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Authenticate is ValidateCredentials (or ValidateID when secret is empty
// and public is true) reported as an error of kind invalid_client.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string, public bool) error {
	var ok bool
	var err error
	if public && secret == "" {
		ok, err = r.ValidateID(ctx, clientID)
	} else {
		ok, err = r.ValidateCredentials(ctx, clientID, secret)
	}
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindInvalidClient, "client authentication failed")
	}
	return nil
}

// AllowsRedirect reports whether uri is one of the client's redirect URIs.
// Unknown clients report false.
func (r *ClientRegistry) AllowsRedirect(ctx context.Context, clientID, uri string) (bool, error) {
	ids, err := r.resolve(ctx, clientID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id.allowsRedirect(uri) {
			return true, nil
		}
	}
	return false, nil
}

// EnsureDefaultClient upserts the fallback client so it is listed alongside
// registered ones. Safe on every start; a no-op without a fallback id.
func (r *ClientRegistry) EnsureDefaultClient(ctx context.Context) error {
	id := r.config.FallbackClientID
	if id == "" {
		return nil
	}

	createdAt := r.config.now()
	existing, err := r.lookup(ctx, id)
	switch {
	case err == nil:
		createdAt = existing.CreatedAt
		if (registeredIdentity{client: existing}).matchesSecret(r.config.FallbackClientSecret) {
			r.logger.Debug("Default client already up to date", "client_id", id)
			return nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	client := &storage.Client{
		ClientID:                id,
		ClientName:              "default",
		RedirectURIs:            r.config.DefaultRedirectURIs,
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ResponseTypes:           []string{ResponseTypeCode},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodPost,
		CreatedAt:               createdAt,
	}
	if r.config.FallbackClientSecret == "" {
		client.TokenEndpointAuthMethod = TokenEndpointAuthMethodNone
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(r.config.FallbackClientSecret), r.config.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash default client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := r.save(ctx, client); err != nil {
		return err
	}
	r.logger.Info("Default client ensured", "client_id", id)
	return nil
}

var (
	dummyHashOnce  sync.Once
	dummyHashValue []byte
)

func dummyHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHashValue, _ = bcrypt.GenerateFromPassword([]byte("dummy-secret-for-timing"), bcrypt.DefaultCost)
	})
	return dummyHashValue
}

func orDefault(values, def []string) []string {
	if len(values) > 0 {
		return append([]string(nil), values...)
	}
	return append([]string(nil), def...)
}
