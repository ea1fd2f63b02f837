package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/memory"
	"github.com/asamzaman87/Git-GPT-App/storage/mock"
)

func TestTokenIssuer_MintPair(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(t, store, nil)
	ctx := context.Background()
	now := srv.Config.now()

	pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "https://mcp.example.com")
	if err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.AccessToken == pair.RefreshToken {
		t.Fatalf("MintPair() = %+v, want two distinct tokens", pair)
	}
	if want := now.Add(time.Hour); !pair.AccessExpiresAt.Equal(want) {
		t.Errorf("AccessExpiresAt = %v, want %v", pair.AccessExpiresAt, want)
	}
	if want := now.Add(30 * 24 * time.Hour); !pair.RefreshExpiresAt.Equal(want) {
		t.Errorf("RefreshExpiresAt = %v, want %v", pair.RefreshExpiresAt, want)
	}

	at, err := store.GetAccessToken(ctx, pair.AccessToken, now)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if at.RefreshToken != pair.RefreshToken {
		t.Errorf("access token links to %q, want %q", at.RefreshToken, pair.RefreshToken)
	}
	rt, err := store.GetRefreshToken(ctx, pair.RefreshToken, now)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if rt.AccessToken != pair.AccessToken {
		t.Errorf("refresh token links to %q, want %q", rt.AccessToken, pair.AccessToken)
	}
	if rt.Scope != "repo" || rt.Resource != "https://mcp.example.com" || rt.ClientID != testClientID {
		t.Errorf("refresh token = %+v, want bound client, scope and resource", rt)
	}
}

func TestTokenIssuer_AccessExpiresBeforeRefresh(t *testing.T) {
	srv, clock := newTestServer(t, memory.New(), nil)
	ctx := context.Background()

	pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "")
	if err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	if ok, err := srv.Tokens.ValidateAccess(ctx, pair.AccessToken); err != nil || !ok {
		t.Fatalf("ValidateAccess() = %v, %v; want true", ok, err)
	}

	clock.Advance(time.Hour)
	if ok, err := srv.Tokens.ValidateAccess(ctx, pair.AccessToken); err != nil || ok {
		t.Errorf("ValidateAccess() after access TTL = %v, %v; want false", ok, err)
	}

	grant, err := srv.Tokens.ValidateRefresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("ValidateRefresh() error = %v", err)
	}
	if grant.ClientID != testClientID || grant.Scope != "repo" {
		t.Errorf("ValidateRefresh() = %+v", grant)
	}

	next, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.AccessToken == pair.AccessToken || next.RefreshToken == pair.RefreshToken {
		t.Error("Refresh() should mint new token values")
	}
	if ok, _ := srv.Tokens.ValidateAccess(ctx, next.AccessToken); !ok {
		t.Error("new access token should be valid")
	}
}

func TestTokenIssuer_ValidateAccessUnknown(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), nil)

	for _, token := range []string{"", "unknown"} {
		ok, err := srv.Tokens.ValidateAccess(context.Background(), token)
		if err != nil || ok {
			t.Errorf("ValidateAccess(%q) = %v, %v; want false, nil", token, ok, err)
		}
	}
}

func TestTokenIssuer_Introspect(t *testing.T) {
	srv, clock := newTestServer(t, memory.New(), nil)
	srv.Sweeper.Stop() // keep expired rows for the lookup to find
	ctx := context.Background()

	pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "https://mcp.example.com")
	if err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	at, err := srv.Tokens.Introspect(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if at.ClientID != testClientID || at.Resource != "https://mcp.example.com" {
		t.Errorf("Introspect() = %+v", at)
	}

	clock.Advance(time.Hour)
	if _, err := srv.Tokens.Introspect(ctx, pair.AccessToken); !errors.Is(err, ErrExpiredGrant) {
		t.Errorf("Introspect() expired error = %v, want ErrExpiredGrant", err)
	}
	if _, err := srv.Tokens.Introspect(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Introspect() after lazy delete error = %v, want ErrInvalidGrant", err)
	}
}

func TestTokenIssuer_RefreshRotation(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), nil)
	ctx := context.Background()

	pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "")
	if err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	next, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.Scope != "repo" || next.ClientID != testClientID {
		t.Errorf("Refresh() = %+v, want scope and client carried over", next)
	}

	if ok, _ := srv.Tokens.ValidateAccess(ctx, pair.AccessToken); ok {
		t.Error("old access token should be retired by rotation")
	}
	if _, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("reusing rotated refresh token error = %v, want ErrInvalidGrant", err)
	}
	if _, err := srv.Tokens.Refresh(ctx, next.RefreshToken, testClientID); err != nil {
		t.Errorf("Refresh() with new token error = %v", err)
	}
}

func TestTokenIssuer_RefreshWithoutRotation(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), func(c *Config) {
		c.DisableRefreshTokenRotation = true
	})
	ctx := context.Background()

	pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "")
	if err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	if _, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if ok, _ := srv.Tokens.ValidateAccess(ctx, pair.AccessToken); !ok {
		t.Error("old access token should stay valid without rotation")
	}
	if _, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID); err != nil {
		t.Errorf("old refresh token should stay usable without rotation: %v", err)
	}
}

func TestTokenIssuer_RefreshRejections(t *testing.T) {
	for _, rotate := range []bool{true, false} {
		name := "rotation"
		if !rotate {
			name = "no rotation"
		}
		t.Run(name, func(t *testing.T) {
			srv, clock := newTestServer(t, memory.New(), func(c *Config) {
				c.DisableRefreshTokenRotation = !rotate
			})
			srv.Sweeper.Stop()
			ctx := context.Background()

			pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "")
			if err != nil {
				t.Fatalf("MintPair() error = %v", err)
			}

			if _, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, "client-2"); !errors.Is(err, ErrClientMismatch) {
				t.Errorf("Refresh() by other client error = %v, want ErrClientMismatch", err)
			}
			if _, err := srv.Tokens.Refresh(ctx, "", testClientID); !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("Refresh() empty token error = %v, want ErrInvalidGrant", err)
			}
			if _, err := srv.Tokens.Refresh(ctx, "unknown", testClientID); !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("Refresh() unknown token error = %v, want ErrInvalidGrant", err)
			}

			clock.Advance(time.Duration(srv.Config.RefreshTokenTTL) * time.Second)
			if _, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID); !errors.Is(err, ErrExpiredGrant) {
				t.Errorf("Refresh() expired token error = %v, want ErrExpiredGrant", err)
			}
			if _, err := srv.Tokens.ValidateRefresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("ValidateRefresh() after expiry delete error = %v, want ErrInvalidGrant", err)
			}
		})
	}
}

func TestTokenIssuer_Revoke(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), nil)
	ctx := context.Background()

	pair, err := srv.Tokens.MintPair(ctx, testClientID, "repo", "")
	if err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	if err := srv.Tokens.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if ok, _ := srv.Tokens.ValidateAccess(ctx, pair.AccessToken); ok {
		t.Error("access token should be invalid after revoke")
	}
	if _, err := srv.Tokens.ValidateRefresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("ValidateRefresh() after revoke error = %v, want ErrInvalidGrant", err)
	}
	if _, err := srv.Tokens.Refresh(ctx, pair.RefreshToken, testClientID); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Refresh() after revoke error = %v, want ErrInvalidGrant", err)
	}

	// unknown and repeated revocations succeed
	if err := srv.Tokens.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Errorf("second Revoke() error = %v", err)
	}
	if err := srv.Tokens.Revoke(ctx, ""); err != nil {
		t.Errorf("Revoke(\"\") error = %v", err)
	}
}

func TestTokenIssuer_BuildTokenResponse(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), func(c *Config) {
		c.AccessTokenTTL = 900
	})

	tests := []struct {
		name  string
		scope string
	}{
		{name: "with scope", scope: "repo"},
		{name: "without scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.Tokens.BuildTokenResponse("at", "rt", tt.scope)
			want := TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 900, RefreshToken: "rt", Scope: tt.scope}
			if resp != want {
				t.Errorf("BuildTokenResponse() = %+v, want %+v", resp, want)
			}
		})
	}
}

func TestTokenIssuer_StorageErrors(t *testing.T) {
	store := mock.New()
	store.SaveTokenPairFunc = func(context.Context, *storage.AccessToken, *storage.RefreshToken) error {
		return errors.New("connection refused")
	}
	store.GetAccessTokenFunc = func(context.Context, string, time.Time) (*storage.AccessToken, error) {
		return nil, errors.New("connection refused")
	}
	store.RevokeRefreshTokenFunc = func(context.Context, string) error {
		return errors.New("connection refused")
	}
	srv, _ := newTestServer(t, store, nil)
	ctx := context.Background()

	if _, err := srv.Tokens.MintPair(ctx, testClientID, "", ""); !errors.Is(err, ErrStorage) {
		t.Errorf("MintPair() error = %v, want ErrStorage", err)
	}
	if ok, err := srv.Tokens.ValidateAccess(ctx, "token"); ok || !errors.Is(err, ErrStorage) {
		t.Errorf("ValidateAccess() = %v, %v; want false, ErrStorage", ok, err)
	}
	if err := srv.Tokens.Revoke(ctx, "token"); !errors.Is(err, ErrStorage) {
		t.Errorf("Revoke() error = %v, want ErrStorage", err)
	}
}
