package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/asamzaman87/Git-GPT-App/server"
)

type tokenInfoKey struct{}

// TokenInfo describes the access token that authorized a request.
type TokenInfo struct {
	ClientID  string
	Scope     string
	Resource  string
	ExpiresAt time.Time
}

// TokenInfoFromContext returns the token info stored by RequireBearer.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info, ok
}

// RequireBearer protects next with an access token check (RFC 6750).
// Requests without a live token get 401 with a WWW-Authenticate challenge.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := server.ExtractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			h.bearerChallenge(w, "", "")
			h.writeError(w, ErrInvalidToken("Missing bearer token"))
			return
		}

		at, err := h.server.Tokens.Introspect(r.Context(), token)
		if err != nil {
			if server.IsStorageError(err) {
				h.writeError(w, toOAuthError(err))
				return
			}
			h.bearerChallenge(w, ErrorCodeInvalidToken, "The access token is invalid or expired")
			h.writeError(w, ErrInvalidToken("The access token is invalid or expired"))
			return
		}

		ctx := context.WithValue(r.Context(), tokenInfoKey{}, &TokenInfo{
			ClientID:  at.ClientID,
			Scope:     at.Scope,
			Resource:  at.Resource,
			ExpiresAt: at.ExpiresAt,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) bearerChallenge(w http.ResponseWriter, code, description string) {
	challenge := fmt.Sprintf(`Bearer realm=%q`, h.server.Config.Issuer)
	if code != "" {
		challenge += fmt.Sprintf(`, error=%q, error_description=%q`, code, description)
	}
	w.Header().Set("WWW-Authenticate", challenge)
}
