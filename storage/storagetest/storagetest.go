// Package storagetest holds a conformance suite that every storage.Store
// implementation runs from its own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asamzaman87/Git-GPT-App/internal/testutil"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// Factory returns a fresh, empty store. The suite closes it when done.
type Factory func(t *testing.T) storage.Store

var errCheckFailed = errors.New("check failed")

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"ClientRoundTrip", testClientRoundTrip},
		{"ClientUpsert", testClientUpsert},
		{"ClientNotFound", testClientNotFound},
		{"ListClients", testListClients},
		{"ConsumeCode", testConsumeCode},
		{"ConsumeCodeExpiryBoundary", testConsumeCodeExpiryBoundary},
		{"ConsumeCodeCheckFailureKeepsCode", testConsumeCodeCheckFailure},
		{"ConsumeCodeConcurrent", testConsumeCodeConcurrent},
		{"TokenPair", testTokenPair},
		{"TokenExpiry", testTokenExpiry},
		{"ConsumeRefresh", testConsumeRefresh},
		{"ConsumeRefreshCheckFailure", testConsumeRefreshCheckFailure},
		{"RevokeRefresh", testRevokeRefresh},
		{"DeleteExpired", testDeleteExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newCode(code string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Scope:               "repo",
		Resource:            "https://api.example.com",
		ExpiresAt:           expiresAt,
	}
}

func newPair(access, refresh string, accessExp, refreshExp time.Time) (*storage.AccessToken, *storage.RefreshToken) {
	return &storage.AccessToken{
			Token:        access,
			ClientID:     "client-1",
			Scope:        "repo",
			ExpiresAt:    accessExp,
			RefreshToken: refresh,
		}, &storage.RefreshToken{
			Token:       refresh,
			ClientID:    "client-1",
			Scope:       "repo",
			ExpiresAt:   refreshExp,
			AccessToken: access,
		}
}

func testClientRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := &storage.Client{
		ClientID:                "client-1",
		ClientSecretHash:        "$2a$04$hash",
		ClientName:              "Test",
		RedirectURIs:            []string{"https://a.example.com/cb", "https://b.example.com/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_post",
		CreatedAt:               testutil.FixedTime,
	}

	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientSecretHash != client.ClientSecretHash {
		t.Errorf("ClientSecretHash = %q, want %q", got.ClientSecretHash, client.ClientSecretHash)
	}
	if len(got.RedirectURIs) != 2 || got.RedirectURIs[1] != "https://b.example.com/cb" {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
	if got.TokenEndpointAuthMethod != "client_secret_post" {
		t.Errorf("TokenEndpointAuthMethod = %q", got.TokenEndpointAuthMethod)
	}
	if !got.CreatedAt.Equal(client.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, client.CreatedAt)
	}
}

func testClientUpsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c := &storage.Client{ClientID: "client-1", ClientName: "first", CreatedAt: testutil.FixedTime}
	if err := s.SaveClient(ctx, c); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	c.ClientName = "second"
	if err := s.SaveClient(ctx, c); err != nil {
		t.Fatalf("SaveClient() second call error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "second" {
		t.Errorf("ClientName = %q, want %q", got.ClientName, "second")
	}
}

func testClientNotFound(t *testing.T, s storage.Store) {
	_, err := s.GetClient(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient() error = %v, want ErrNotFound", err)
	}
}

func testListClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, id := range []string{"c-b", "c-a", "c-c"} {
		c := &storage.Client{ClientID: id, CreatedAt: testutil.FixedTime.Add(time.Duration(i) * time.Second)}
		if err := s.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", id, err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 {
		t.Fatalf("len(ListClients()) = %d, want 3", len(clients))
	}
	if clients[0].ClientID != "c-b" || clients[2].ClientID != "c-c" {
		t.Errorf("ListClients() not ordered by creation: %s, %s, %s",
			clients[0].ClientID, clients[1].ClientID, clients[2].ClientID)
	}
}

func testConsumeCode(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime

	if err := s.SaveAuthorizationCode(ctx, newCode("code-1", now.Add(10*time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-1", now, nil)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != "client-1" || got.Resource != "https://api.example.com" {
		t.Errorf("consumed code = %+v", got)
	}

	_, err = s.ConsumeAuthorizationCode(ctx, "code-1", now, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrNotFound", err)
	}
}

func testConsumeCodeExpiryBoundary(t *testing.T, s storage.Store) {
	ctx := context.Background()
	exp := testutil.FixedTime.Add(10 * time.Minute)

	if err := s.SaveAuthorizationCode(ctx, newCode("live", exp)); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := s.SaveAuthorizationCode(ctx, newCode("dead", exp)); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "live", exp.Add(-time.Millisecond), nil); err != nil {
		t.Errorf("consume just before expiry error = %v, want nil", err)
	}

	_, err := s.ConsumeAuthorizationCode(ctx, "dead", exp, nil)
	if !errors.Is(err, storage.ErrExpired) {
		t.Fatalf("consume at expiry error = %v, want ErrExpired", err)
	}

	// An expired code is deleted as part of the failed lookup.
	_, err = s.ConsumeAuthorizationCode(ctx, "dead", exp.Add(-time.Minute), nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("consume after expired lookup error = %v, want ErrNotFound", err)
	}
}

func testConsumeCodeCheckFailure(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime

	if err := s.SaveAuthorizationCode(ctx, newCode("code-1", now.Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := s.ConsumeAuthorizationCode(ctx, "code-1", now, func(*storage.AuthorizationCode) error {
		return errCheckFailed
	})
	if !errors.Is(err, errCheckFailed) {
		t.Fatalf("ConsumeAuthorizationCode() error = %v, want check error", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "code-1", now, nil); err != nil {
		t.Errorf("code should survive a failed check, got %v", err)
	}
}

func testConsumeCodeConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime

	if err := s.SaveAuthorizationCode(ctx, newCode("race", now.Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "race", now, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful concurrent consumes = %d, want 1", got)
	}
}

func testTokenPair(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime
	access, refresh := newPair("at-1", "rt-1", now.Add(time.Hour), now.Add(24*time.Hour))

	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	at, err := s.GetAccessToken(ctx, "at-1", now)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if at.RefreshToken != "rt-1" {
		t.Errorf("AccessToken.RefreshToken = %q, want rt-1", at.RefreshToken)
	}

	rt, err := s.GetRefreshToken(ctx, "rt-1", now)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if rt.AccessToken != "at-1" || rt.Scope != "repo" {
		t.Errorf("RefreshToken = %+v", rt)
	}

	if _, err := s.GetAccessToken(ctx, "missing", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessToken(missing) error = %v, want ErrNotFound", err)
	}
}

func testTokenExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime
	access, refresh := newPair("at-1", "rt-1", now.Add(time.Hour), now.Add(24*time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	if _, err := s.GetAccessToken(ctx, "at-1", now.Add(time.Hour)); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("GetAccessToken() at expiry error = %v, want ErrExpired", err)
	}
	if _, err := s.GetAccessToken(ctx, "at-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired access token should be deleted, got %v", err)
	}

	// The refresh half outlives its access token.
	if _, err := s.GetRefreshToken(ctx, "rt-1", now.Add(2*time.Hour)); err != nil {
		t.Errorf("GetRefreshToken() error = %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "rt-1", now.Add(24*time.Hour)); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("GetRefreshToken() at expiry error = %v, want ErrExpired", err)
	}
}

func testConsumeRefresh(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime
	access, refresh := newPair("at-1", "rt-1", now.Add(time.Hour), now.Add(24*time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	rt, err := s.ConsumeRefreshToken(ctx, "rt-1", now, nil)
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if rt.ClientID != "client-1" {
		t.Errorf("ClientID = %q", rt.ClientID)
	}

	if _, err := s.GetAccessToken(ctx, "at-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("paired access token should be gone, got %v", err)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "rt-1", now, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeRefreshToken() error = %v, want ErrNotFound", err)
	}
}

func testConsumeRefreshCheckFailure(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime
	access, refresh := newPair("at-1", "rt-1", now.Add(time.Hour), now.Add(24*time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	_, err := s.ConsumeRefreshToken(ctx, "rt-1", now, func(*storage.RefreshToken) error {
		return errCheckFailed
	})
	if !errors.Is(err, errCheckFailed) {
		t.Fatalf("ConsumeRefreshToken() error = %v, want check error", err)
	}
	if _, err := s.GetAccessToken(ctx, "at-1", now); err != nil {
		t.Errorf("access token should survive a failed check, got %v", err)
	}
}

func testRevokeRefresh(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime
	access, refresh := newPair("at-1", "rt-1", now.Add(time.Hour), now.Add(24*time.Hour))
	if err := s.SaveTokenPair(ctx, access, refresh); err != nil {
		t.Fatalf("SaveTokenPair() error = %v", err)
	}

	if err := s.RevokeRefreshToken(ctx, "rt-1"); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if _, err := s.GetAccessToken(ctx, "at-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("paired access token should be revoked, got %v", err)
	}
	if err := s.RevokeRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second RevokeRefreshToken() error = %v, want ErrNotFound", err)
	}
}

func testDeleteExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := testutil.FixedTime

	mustSaveCode := func(code string, exp time.Time) {
		if err := s.SaveAuthorizationCode(ctx, newCode(code, exp)); err != nil {
			t.Fatalf("SaveAuthorizationCode(%s) error = %v", code, err)
		}
	}
	mustSaveCode("old", now.Add(-time.Second))
	mustSaveCode("edge", now)
	mustSaveCode("fresh", now.Add(time.Minute))

	a1, r1 := newPair("at-old", "rt-old", now.Add(-time.Minute), now.Add(-time.Second))
	a2, r2 := newPair("at-new", "rt-new", now.Add(-time.Minute), now.Add(time.Hour))
	for _, p := range [][2]any{{a1, r1}, {a2, r2}} {
		if err := s.SaveTokenPair(ctx, p[0].(*storage.AccessToken), p[1].(*storage.RefreshToken)); err != nil {
			t.Fatalf("SaveTokenPair() error = %v", err)
		}
	}

	res, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if res.Codes != 2 || res.AccessTokens != 2 || res.RefreshTokens != 1 {
		t.Errorf("DeleteExpired() = %+v, want 2 codes, 2 access, 1 refresh", res)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "fresh", now, nil); err != nil {
		t.Errorf("fresh code should survive the sweep, got %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "rt-new", now); err != nil {
		t.Errorf("live refresh token should survive the sweep, got %v", err)
	}

	res, err = s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("second DeleteExpired() error = %v", err)
	}
	if res.Total() != 0 {
		t.Errorf("second DeleteExpired() removed %d rows, want 0", res.Total())
	}
}
