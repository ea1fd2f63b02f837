package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// TokenPair is a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ClientID         string
	Scope            string
	Resource         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenResponse is the token endpoint success body (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenIssuer mints, validates, rotates and revokes token pairs.
type TokenIssuer struct {
	*core
	store   storage.TokenStore
	sweeper *Sweeper
}

// MintPair issues a linked access/refresh pair and schedules a sweep.
func (t *TokenIssuer) MintPair(ctx context.Context, clientID, scope, resource string) (*TokenPair, error) {
	return t.mint(ctx, Grant{ClientID: clientID, Scope: scope, Resource: resource}, GrantTypeAuthorizationCode)
}

func (t *TokenIssuer) mint(ctx context.Context, grant Grant, grantType string) (_ *TokenPair, err error) {
	ctx, span := t.startSpan(ctx, "mint_token_pair",
		attribute.String(instrumentation.AttrGrantType, grantType))
	defer func() { t.endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, grant.ClientID, grant.Scope, grant.Resource)

	now := t.config.now()
	access := &storage.AccessToken{
		Token:     generateRandomToken(),
		ClientID:  grant.ClientID,
		Scope:     grant.Scope,
		Resource:  grant.Resource,
		ExpiresAt: now.Add(t.config.accessTTL()),
	}
	refresh := &storage.RefreshToken{
		Token:       generateRandomToken(),
		ClientID:    grant.ClientID,
		Scope:       grant.Scope,
		Resource:    grant.Resource,
		ExpiresAt:   now.Add(t.config.refreshTTL()),
		AccessToken: access.Token,
	}
	access.RefreshToken = refresh.Token

	storeCtx, cancel := t.config.storeContext(ctx)
	defer cancel()
	if err := t.store.SaveTokenPair(storeCtx, access, refresh); err != nil {
		return nil, storageFailure(t.logger, "save token pair", err)
	}

	t.inst.Metrics().RecordTokenIssued(ctx, grantType)
	t.logger.Debug("Minted token pair",
		"client_id", grant.ClientID,
		"grant_type", grantType,
		"access_prefix", tokenPrefix(access.Token),
		"access_expires_at", access.ExpiresAt)

	t.sweeper.Trigger()

	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		ClientID:         grant.ClientID,
		Scope:            grant.Scope,
		Resource:         grant.Resource,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// ValidateAccess reports whether token is a live access token. An expired
// row is deleted by the lookup.
func (t *TokenIssuer) ValidateAccess(ctx context.Context, token string) (bool, error) {
	_, err := t.Introspect(ctx, token)
	if err == nil {
		return true, nil
	}
	if IsStorageError(err) {
		return false, err
	}
	return false, nil
}

// Introspect returns the record behind a live access token. Unknown tokens
// are invalid_grant, expired ones expired_grant.
func (t *TokenIssuer) Introspect(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := t.startSpan(ctx, "introspect_access_token")
	defer func() { t.endSpan(span, err) }()

	if token == "" {
		return nil, newError(KindInvalidGrant, "access token is required")
	}

	storeCtx, cancel := t.config.storeContext(ctx)
	defer cancel()
	at, err := t.store.GetAccessToken(storeCtx, token, t.config.now())
	if err != nil {
		return nil, grantLookupError(t.logger, "get access token", "access token", err)
	}
	return at, nil
}

// ValidateRefresh returns the grant bound to a live refresh token so a
// caller can mint a replacement pair.
func (t *TokenIssuer) ValidateRefresh(ctx context.Context, token string) (_ *Grant, err error) {
	ctx, span := t.startSpan(ctx, "validate_refresh_token")
	defer func() {
		t.rejected(ctx, "validate_refresh_token", err)
		t.endSpan(span, err)
	}()

	rt, err := t.getRefresh(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Grant{ClientID: rt.ClientID, Scope: rt.Scope, Resource: rt.Resource}, nil
}

func (t *TokenIssuer) getRefresh(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if token == "" {
		return nil, newError(KindInvalidGrant, "refresh token is required")
	}

	ctx, cancel := t.config.storeContext(ctx)
	defer cancel()
	rt, err := t.store.GetRefreshToken(ctx, token, t.config.now())
	if err != nil {
		return nil, grantLookupError(t.logger, "get refresh token", "refresh token", err)
	}
	return rt, nil
}

// Refresh serves the refresh_token grant for clientID. With rotation
// enabled the presented token and its access token are consumed before the
// replacement pair is minted, so a refresh token works once. Otherwise the
// old pair stays valid until it expires or is revoked.
func (t *TokenIssuer) Refresh(ctx context.Context, refreshToken, clientID string) (_ *TokenPair, err error) {
	rotate := !t.config.DisableRefreshTokenRotation
	ctx, span := t.startSpan(ctx, "refresh_token",
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.Bool(instrumentation.AttrTokenRotate, rotate))
	defer func() {
		t.rejected(ctx, "refresh_token", err)
		t.endSpan(span, err)
	}()

	checkClient := func(rt *storage.RefreshToken) error {
		if rt.ClientID != clientID {
			return newError(KindClientMismatch, "refresh token was issued to another client")
		}
		return nil
	}

	var rt *storage.RefreshToken
	if rotate {
		rt, err = t.consumeRefresh(ctx, refreshToken, checkClient)
	} else {
		rt, err = t.getRefresh(ctx, refreshToken)
		if err == nil {
			err = checkClient(rt)
		}
	}
	if err != nil {
		return nil, err
	}

	pair, err := t.mint(ctx, Grant{ClientID: rt.ClientID, Scope: rt.Scope, Resource: rt.Resource}, GrantTypeRefreshToken)
	if err != nil {
		if rotate {
			t.logger.Error("Refresh token consumed but replacement pair could not be minted",
				"client_id", rt.ClientID,
				"refresh_prefix", tokenPrefix(rt.Token))
		}
		return nil, err
	}

	t.inst.Metrics().RecordTokenRefreshed(ctx, rotate)
	return pair, nil
}

func (t *TokenIssuer) consumeRefresh(ctx context.Context, token string, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	if token == "" {
		return nil, newError(KindInvalidGrant, "refresh token is required")
	}

	ctx, cancel := t.config.storeContext(ctx)
	defer cancel()
	rt, err := t.store.ConsumeRefreshToken(ctx, token, t.config.now(), check)
	if err != nil {
		return nil, grantLookupError(t.logger, "consume refresh token", "refresh token", err)
	}
	return rt, nil
}

// Revoke deletes a refresh token and its paired access token. Unknown
// tokens are not an error (RFC 7009 Section 2.2).
func (t *TokenIssuer) Revoke(ctx context.Context, refreshToken string) (err error) {
	ctx, span := t.startSpan(ctx, "revoke_token")
	defer func() { t.endSpan(span, err) }()

	if refreshToken == "" {
		return nil
	}

	storeCtx, cancel := t.config.storeContext(ctx)
	defer cancel()
	if err := t.store.RevokeRefreshToken(storeCtx, refreshToken); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			t.logger.Debug("Revocation of unknown refresh token ignored",
				"refresh_prefix", tokenPrefix(refreshToken))
			return nil
		}
		return storageFailure(t.logger, "revoke refresh token", err)
	}

	t.inst.Metrics().RecordTokenRevoked(ctx)
	t.logger.Info("Revoked token pair", "refresh_prefix", tokenPrefix(refreshToken))
	return nil
}

// BuildTokenResponse formats a pair for the token endpoint.
func (t *TokenIssuer) BuildTokenResponse(accessToken, refreshToken, scope string) TokenResponse {
	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    t.config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        scope,
	}
}
