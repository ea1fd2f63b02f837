package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/internal/util"
	"github.com/asamzaman87/Git-GPT-App/security"
	"github.com/asamzaman87/Git-GPT-App/server"
)

// Endpoint paths, relative to the issuer
const (
	PathMetadata     = "/.well-known/oauth-authorization-server"
	PathRegister     = "/register"
	PathAuthorize    = "/authorize"
	PathToken        = "/token"
	PathRevoke       = "/revoke"
	basicAuthRealm   = `Basic realm="gitgpt-auth"`
	endpointRegister = "register"
)

// Handler serves the OAuth 2.1 endpoints on top of a server.Server.
type Handler struct {
	server  *server.Server
	config  HandlerConfig
	logger  *slog.Logger
	auditor *security.Auditor
	limiter *security.RateLimiter // nil when registration limiting is disabled
	ips     security.IPResolver
	metrics *HTTPMetrics
}

// NewHandler creates the HTTP facade for srv.
func NewHandler(srv *server.Server, config HandlerConfig) *Handler {
	config.applyDefaults()

	h := &Handler{
		server:  srv,
		config:  config,
		logger:  config.Logger,
		auditor: security.NewAuditor(config.Logger, config.EnableAuditLogging),
		ips: security.IPResolver{
			TrustProxy:        config.RateLimit.TrustProxy,
			TrustedProxyCount: config.RateLimit.TrustedProxyCount,
		},
	}
	if config.RateLimit.RegistrationRate > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit.RegistrationRate, config.RateLimit.RegistrationBurst, config.Logger)
	}
	return h
}

// SetMetrics enables Prometheus HTTP metrics. Call before Routes.
func (h *Handler) SetMetrics(m *HTTPMetrics) {
	h.metrics = m
}

// Close releases the rate limiter state.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns a chi router serving every endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)
	r.Use(h.metrics.Middleware)
	r.Use(security.Headers(h.server.Config.Issuer))

	r.Get(PathMetadata, h.ServeAuthorizationServerMetadata)
	r.Post(PathRegister, h.ServeClientRegistration)
	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathToken, h.ServeToken)
	r.Post(PathRevoke, h.ServeTokenRevocation)
	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return h.server.Instrumentation().Tracer("http").Start(ctx, "oauth.http."+name)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimRight(h.server.Config.Issuer, "/")
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		RegistrationEndpoint:  issuer + PathRegister,
		RevocationEndpoint:    issuer + PathRevoke,
		ScopesSupported:       h.config.ScopesSupported,
		ResponseTypesSupported: []string{
			server.ResponseTypeCode,
		},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
		},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
	})
}

// ServeClientRegistration handles dynamic client registration (RFC 7591).
// An empty body registers a client with every default.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "register")
	defer span.End()

	clientIP := h.ips.Resolve(r)
	if h.limiter != nil && !h.limiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limited", "ip", clientIP)
		h.auditor.LogRateLimitExceeded(clientIP, endpointRegister)
		instrumentation.SetSpanError(span, "rate limited")
		w.Header().Set("Retry-After", "60")
		h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "Too many registration requests", http.StatusTooManyRequests))
		return
	}

	var req ClientRegistrationRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxRequestBody))
	if err != nil {
		h.writeError(w, ErrInvalidRequest("Request body too large or unreadable"))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, NewOAuthError(ErrorCodeInvalidClientMetadata, "Malformed registration request", http.StatusBadRequest))
			return
		}
	}
	if oauthErr := validateRegistration(&req); oauthErr != nil {
		h.logger.Info("Client registration rejected", "ip", clientIP, "reason", oauthErr.Description)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr)
		return
	}

	client, err := h.server.Clients.Register(ctx, server.RegistrationRequest{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, toOAuthError(err))
		return
	}

	span.SetAttributes(attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.auditor.LogClientRegistered(client.ClientID, client.TokenEndpointAuthMethod, clientIP)

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
	})
}

func validateRegistration(req *ClientRegistrationRequest) *OAuthError {
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return ErrInvalidRedirectURI(err.Error())
		}
	}
	switch req.TokenEndpointAuthMethod {
	case "", server.TokenEndpointAuthMethodPost, server.TokenEndpointAuthMethodBasic, server.TokenEndpointAuthMethodNone:
	default:
		return NewOAuthError(ErrorCodeInvalidClientMetadata, "Unsupported token_endpoint_auth_method", http.StatusBadRequest)
	}
	for _, gt := range req.GrantTypes {
		if gt != server.GrantTypeAuthorizationCode && gt != server.GrantTypeRefreshToken {
			return NewOAuthError(ErrorCodeInvalidClientMetadata, "Unsupported grant type: "+gt, http.StatusBadRequest)
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != server.ResponseTypeCode {
			return NewOAuthError(ErrorCodeInvalidClientMetadata, "Unsupported response type: "+rt, http.StatusBadRequest)
		}
	}
	return nil
}

// validateRedirectURI accepts absolute https URIs, and http only for
// loopback hosts (RFC 8252 Section 7.3). Fragments are forbidden.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("redirect_uri must be an absolute URI")
	}
	if u.Fragment != "" {
		return errors.New("redirect_uri must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return errors.New("http redirect_uri is only allowed for loopback hosts")
	default:
		return errors.New("redirect_uri scheme must be https")
	}
}

// ServeAuthorization validates an authorization request and answers with a
// code. Errors found before the redirect URI is trusted are returned as JSON;
// later ones are sent to the client's redirect URI.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "authorize")
	defer span.End()

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	clientIP := h.ips.Resolve(r)

	if clientID == "" || redirectURI == "" {
		h.writeError(w, ErrInvalidRequest("client_id and redirect_uri are required"))
		return
	}
	known, err := h.server.Clients.ValidateID(ctx, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, toOAuthError(err))
		return
	}
	if !known {
		h.auditor.LogAuthFailure(clientID, clientIP, "unknown_client")
		h.writeError(w, ErrInvalidRequest("Unknown client_id"))
		return
	}
	allowed, err := h.server.Clients.AllowsRedirect(ctx, clientID, redirectURI)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, toOAuthError(err))
		return
	}
	if !allowed {
		h.auditor.LogAuthFailure(clientID, clientIP, "redirect_uri_not_registered")
		h.writeError(w, ErrInvalidRedirectURI("redirect_uri is not registered for this client"))
		return
	}

	// redirect URI is trusted from here on
	if rt := q.Get("response_type"); rt != server.ResponseTypeCode {
		h.redirectError(w, r, redirectURI, state, ErrorCodeUnsupportedResponseType, "Only response_type=code is supported")
		return
	}
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge != "" && method != server.PKCEMethodS256 {
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidRequest, "code_challenge_method must be S256")
		return
	}
	if challenge == "" && method != "" {
		h.redirectError(w, r, redirectURI, state, ErrorCodeInvalidRequest, "code_challenge is required with code_challenge_method")
		return
	}

	code, err := h.server.Codes.Issue(ctx, server.IssueRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               q.Get("scope"),
		Resource:            q.Get("resource"),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.redirectError(w, r, redirectURI, state, ErrorCodeServerError, "Temporary storage failure")
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.auditor.LogCodeIssued(clientID, clientIP, method)

	params := url.Values{"code": {code}, "iss": {h.server.Config.Issuer}}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	params := url.Values{"error": {code}, "error_description": {description}}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// clientCredentials carries the credentials presented with a form request.
type clientCredentials struct {
	id     string
	secret string
	basic  bool
}

// readClientCredentials takes credentials from HTTP Basic auth
// (client_secret_basic) or the form body (client_secret_post).
func readClientCredentials(r *http.Request) (clientCredentials, *OAuthError) {
	formID := r.PostForm.Get("client_id")
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 Section 2.3.1: form-encoded credentials in Basic are URL-encoded
		if dec, err := url.QueryUnescape(id); err == nil {
			id = dec
		}
		if dec, err := url.QueryUnescape(secret); err == nil {
			secret = dec
		}
		if formID != "" && formID != id {
			return clientCredentials{}, ErrInvalidRequest("client_id does not match the Authorization header")
		}
		if r.PostForm.Get("client_secret") != "" {
			return clientCredentials{}, ErrInvalidRequest("Multiple client authentication methods used")
		}
		return clientCredentials{id: id, secret: secret, basic: true}, nil
	}
	if formID == "" {
		return clientCredentials{}, ErrInvalidRequest("client_id is required")
	}
	return clientCredentials{id: formID, secret: r.PostForm.Get("client_secret")}, nil
}

// authenticate validates the request's client. Requests without a secret
// are treated as public clients.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (clientCredentials, bool) {
	creds, oauthErr := readClientCredentials(r)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return creds, false
	}

	if err := h.server.Clients.Authenticate(ctx, creds.id, creds.secret, true); err != nil {
		if server.IsStorageError(err) {
			h.writeError(w, toOAuthError(err))
			return creds, false
		}
		h.logger.Warn("Client authentication failed", "client_id", creds.id, "ip", h.ips.Resolve(r))
		h.auditor.LogAuthFailure(creds.id, h.ips.Resolve(r), "client_authentication_failed")
		if creds.basic {
			w.Header().Set("WWW-Authenticate", basicAuthRealm)
		}
		h.writeError(w, ErrInvalidClient("Client authentication failed"))
		return creds, false
	}
	return creds, true
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBody)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return false
	}
	return true
}

// ServeToken handles the token endpoint (authorization_code and refresh_token grants).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	case "":
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
	default:
		h.writeError(w, ErrUnsupportedGrantType("Grant type "+grantType+" is not supported"))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "token_exchange")
	defer span.End()

	code := r.PostForm.Get("code")
	if code == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	creds, ok := h.authenticate(ctx, w, r)
	if !ok {
		instrumentation.SetSpanError(span, "client authentication failed")
		return
	}
	verifier := r.PostForm.Get("code_verifier")
	if creds.secret == "" && verifier == "" {
		h.writeError(w, ErrInvalidRequest("code_verifier is required for public clients"))
		return
	}

	clientIP := h.ips.Resolve(r)
	grant, err := h.server.Codes.Redeem(ctx, server.RedeemRequest{
		Code:         code,
		ClientID:     creds.id,
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: verifier,
	})
	if err != nil {
		h.grantFailed(w, span, creds.id, clientIP, server.GrantTypeAuthorizationCode, err)
		return
	}

	pair, err := h.server.Tokens.MintPair(ctx, grant.ClientID, grant.Scope, grant.Resource)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, toOAuthError(err))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.auditor.LogTokenIssued(creds.id, clientIP, server.GrantTypeAuthorizationCode, pair.Scope)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "token_refresh")
	defer span.End()

	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		h.writeError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	creds, ok := h.authenticate(ctx, w, r)
	if !ok {
		instrumentation.SetSpanError(span, "client authentication failed")
		return
	}

	clientIP := h.ips.Resolve(r)
	pair, err := h.server.Tokens.Refresh(ctx, refreshToken, creds.id)
	if err != nil {
		h.grantFailed(w, span, creds.id, clientIP, server.GrantTypeRefreshToken, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.auditor.LogTokenIssued(creds.id, clientIP, server.GrantTypeRefreshToken, pair.Scope)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) grantFailed(w http.ResponseWriter, span trace.Span, clientID, clientIP, grantType string, err error) {
	if server.IsStorageError(err) {
		instrumentation.RecordError(span, err)
	} else {
		kind, _ := server.KindOf(err)
		instrumentation.SetSpanError(span, kind.String())
		h.auditor.LogGrantRejected(clientID, clientIP, grantType, kind.String())
	}
	h.writeError(w, toOAuthError(err))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	h.writeJSON(w, http.StatusOK, h.server.Tokens.BuildTokenResponse(pair.AccessToken, pair.RefreshToken, pair.Scope))
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Only refresh tokens are revocable; revoking one removes its access token
// too. Unknown tokens and tokens of other clients are answered with 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "token_revocation")
	defer span.End()

	if !h.parseForm(w, r) {
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	creds, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	clientIP := h.ips.Resolve(r)

	grant, err := h.server.Tokens.ValidateRefresh(ctx, token)
	switch {
	case server.IsStorageError(err):
		instrumentation.RecordError(span, err)
		h.writeError(w, toOAuthError(err))
		return
	case err != nil:
		// unknown or expired: nothing to revoke
	case grant.ClientID != creds.id:
		h.logger.Warn("Revocation of another client's token ignored", "client_id", creds.id, "ip", clientIP)
		h.auditor.LogAuthFailure(creds.id, clientIP, "revocation_client_mismatch")
	default:
		if err := h.server.Tokens.Revoke(ctx, token); err != nil {
			instrumentation.RecordError(span, err)
			h.writeError(w, toOAuthError(err))
			return
		}
		h.auditor.LogTokenRevoked(creds.id, clientIP, token)
	}

	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *OAuthError) {
	if e.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", e.Code, "description", e.Description)
	}
	h.writeJSON(w, e.Status, ErrorResponse{Error: e.Code, ErrorDescription: e.Description})
}
