package memory

import (
	"context"
	"testing"
	"time"

	"github.com/asamzaman87/Git-GPT-App/internal/testutil"
	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/storagetest"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := New()
		s.SetLogger(testutil.DiscardLogger())
		return s
	})
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store := New()

	if err := store.SaveClient(context.Background(), nil); err == nil {
		t.Error("SaveClient(nil) should return error")
	}
	if err := store.SaveClient(context.Background(), &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ID should return error")
	}
}

func TestStore_GetClient_ReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.SaveClient(ctx, &storage.Client{
		ClientID:     "client-1",
		RedirectURIs: []string{"https://a.example.com/cb"},
	}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, _ := store.GetClient(ctx, "client-1")
	got.RedirectURIs[0] = "https://evil.example.com"

	again, _ := store.GetClient(ctx, "client-1")
	if again.RedirectURIs[0] != "https://a.example.com/cb" {
		t.Errorf("store leaked internal slice, RedirectURIs = %v", again.RedirectURIs)
	}
}

func TestStore_SaveTokenPair_Invalid(t *testing.T) {
	store := New()
	ctx := context.Background()

	tests := []struct {
		name    string
		access  *storage.AccessToken
		refresh *storage.RefreshToken
	}{
		{"nil access", nil, &storage.RefreshToken{Token: "r"}},
		{"nil refresh", &storage.AccessToken{Token: "a"}, nil},
		{"empty access", &storage.AccessToken{}, &storage.RefreshToken{Token: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveTokenPair(ctx, tt.access, tt.refresh); err == nil {
				t.Error("SaveTokenPair() should return error")
			}
		})
	}
}

func TestStore_RevokeKeepsRotatedAccessToken(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := testutil.FixedTime

	// Access token now belongs to a different refresh token.
	_ = store.SaveTokenPair(ctx,
		&storage.AccessToken{Token: "at", RefreshToken: "rt-2", ExpiresAt: now.Add(time.Hour)},
		&storage.RefreshToken{Token: "rt-1", AccessToken: "at", ExpiresAt: now.Add(time.Hour)},
	)

	if err := store.RevokeRefreshToken(ctx, "rt-1"); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "at", now); err != nil {
		t.Errorf("access token linked to another refresh token was removed: %v", err)
	}
}

func TestStore_SetLogger_Nil(t *testing.T) {
	store := New()
	store.SetLogger(nil)
	if store.logger == nil {
		t.Error("SetLogger(nil) should keep the existing logger")
	}
}

func TestStore_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	now := testutil.FixedTime

	src := New()
	_ = src.SaveClient(ctx, &storage.Client{ClientID: "client-1", RedirectURIs: []string{"https://a.example.com/cb"}})
	_ = src.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "code-1", ClientID: "client-1", ExpiresAt: now.Add(time.Minute)})
	_ = src.SaveTokenPair(ctx,
		&storage.AccessToken{Token: "at", RefreshToken: "rt", ExpiresAt: now.Add(time.Hour)},
		&storage.RefreshToken{Token: "rt", AccessToken: "at", ExpiresAt: now.Add(24 * time.Hour)},
	)

	dst := New()
	dst.Restore(src.Snapshot())

	if _, err := dst.GetClient(ctx, "client-1"); err != nil {
		t.Errorf("restored GetClient() error = %v", err)
	}
	if _, err := dst.ConsumeAuthorizationCode(ctx, "code-1", now, nil); err != nil {
		t.Errorf("restored ConsumeAuthorizationCode() error = %v", err)
	}
	if _, err := dst.GetAccessToken(ctx, "at", now); err != nil {
		t.Errorf("restored GetAccessToken() error = %v", err)
	}

	// Restoring must not alias the source store.
	if _, err := src.ConsumeAuthorizationCode(ctx, "code-1", now, nil); err != nil {
		t.Errorf("source code was consumed through the restored copy: %v", err)
	}
}
