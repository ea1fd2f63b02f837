package server

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// IssueRequest describes an authorization already approved by the caller.
type IssueRequest struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
}

// RedeemRequest is a token request for the authorization_code grant.
type RedeemRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Grant is what a redeemed code or a live refresh token authorizes.
type Grant struct {
	ClientID string
	Scope    string
	Resource string
}

// CodeIssuer issues and redeems single-use authorization codes.
type CodeIssuer struct {
	*core
	store storage.CodeStore
}

// Issue persists a new code. The client and redirect URI must already have
// been validated by the caller.
func (c *CodeIssuer) Issue(ctx context.Context, req IssueRequest) (_ string, err error) {
	ctx, span := c.startSpan(ctx, "issue_code",
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod))
	defer func() { c.endSpan(span, err) }()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.Scope, req.Resource)

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		Resource:            req.Resource,
		ExpiresAt:           c.config.now().Add(c.config.codeTTL()),
	}

	storeCtx, cancel := c.config.storeContext(ctx)
	defer cancel()
	if err := c.store.SaveAuthorizationCode(storeCtx, code); err != nil {
		return "", storageFailure(c.logger, "save authorization code", err)
	}

	c.inst.Metrics().RecordCodeIssued(ctx, pkceLabel(req.CodeChallengeMethod))
	c.logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", tokenPrefix(code.Code),
		"pkce", req.CodeChallenge != "",
		"expires_at", code.ExpiresAt)
	return code.Code, nil
}

// Redeem consumes a code. Checks run in this order inside one atomic store
// operation: existence, expiry, owning client, redirect URI, PKCE. A code
// that fails the client, redirect or PKCE check is left in place; a consumed
// code is reported exactly like one that never existed.
func (c *CodeIssuer) Redeem(ctx context.Context, req RedeemRequest) (_ *Grant, err error) {
	ctx, span := c.startSpan(ctx, "redeem_code",
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() {
		c.rejected(ctx, "redeem_code", err)
		c.endSpan(span, err)
	}()

	if req.Code == "" {
		return nil, newError(KindInvalidGrant, "authorization code is required")
	}

	check := func(code *storage.AuthorizationCode) error {
		if code.ClientID != req.ClientID {
			return newError(KindClientMismatch, "authorization code was issued to another client")
		}
		if code.RedirectURI != req.RedirectURI {
			return newError(KindRedirectMismatch, "redirect_uri does not match the authorization request")
		}
		return VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier)
	}

	storeCtx, cancel := c.config.storeContext(ctx)
	defer cancel()
	code, err := c.store.ConsumeAuthorizationCode(storeCtx, req.Code, c.config.now(), check)
	if err != nil {
		return nil, grantLookupError(c.logger, "consume authorization code", "authorization code", err)
	}

	c.inst.Metrics().RecordCodeRedeemed(ctx)
	c.logger.Debug("Redeemed authorization code",
		"client_id", code.ClientID,
		"code_prefix", tokenPrefix(code.Code))
	return &Grant{ClientID: code.ClientID, Scope: code.Scope, Resource: code.Resource}, nil
}

func pkceLabel(method string) string {
	if method == "" {
		return "none"
	}
	return method
}
