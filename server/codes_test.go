package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/memory"
	"github.com/asamzaman87/Git-GPT-App/storage/mock"
)

const (
	testClientID    = "client-1"
	testRedirectURI = "https://chatgpt.com/connector_platform_oauth_redirect"
)

func issueTestCode(t *testing.T, srv *Server, verifier string) string {
	t.Helper()

	req := IssueRequest{
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		Scope:       "repo read:user",
		Resource:    "https://mcp.example.com",
	}
	if verifier != "" {
		req.CodeChallenge = s256(verifier)
		req.CodeChallengeMethod = PKCEMethodS256
	}

	code, err := srv.Codes.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return code
}

func TestCodeIssuer_IssueAndRedeemWithPKCE(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), nil)
	ctx := context.Background()

	code := issueTestCode(t, srv, "verifier123")

	grant, err := srv.Codes.Redeem(ctx, RedeemRequest{
		Code:         code,
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: "verifier123",
	})
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if grant.Scope != "repo read:user" || grant.Resource != "https://mcp.example.com" {
		t.Errorf("Redeem() grant = %+v, want issued scope and resource", grant)
	}
	if grant.ClientID != testClientID {
		t.Errorf("grant.ClientID = %q, want %q", grant.ClientID, testClientID)
	}

	_, err = srv.Codes.Redeem(ctx, RedeemRequest{
		Code:         code,
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: "verifier123",
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second Redeem() error = %v, want ErrInvalidGrant", err)
	}
}

func TestCodeIssuer_RedeemWithoutPKCE(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), nil)

	code := issueTestCode(t, srv, "")
	if _, err := srv.Codes.Redeem(context.Background(), RedeemRequest{
		Code:        code,
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
	}); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
}

func TestCodeIssuer_ExpiryBoundary(t *testing.T) {
	srv, clock := newTestServer(t, memory.New(), nil)
	ctx := context.Background()
	ttl := time.Duration(srv.Config.AuthorizationCodeTTL) * time.Second

	early := issueTestCode(t, srv, "")
	late := issueTestCode(t, srv, "")
	redeem := func(code string) error {
		_, err := srv.Codes.Redeem(ctx, RedeemRequest{Code: code, ClientID: testClientID, RedirectURI: testRedirectURI})
		return err
	}

	clock.Advance(ttl - time.Millisecond)
	if err := redeem(early); err != nil {
		t.Fatalf("Redeem() just before expiry error = %v", err)
	}

	clock.Advance(time.Millisecond)
	if err := redeem(late); !errors.Is(err, ErrExpiredGrant) {
		t.Fatalf("Redeem() at expiry error = %v, want ErrExpiredGrant", err)
	}
	// the expired row was deleted, so it now looks like it never existed
	if err := redeem(late); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Redeem() after expiry error = %v, want ErrInvalidGrant", err)
	}
}

func TestCodeIssuer_RedeemRejections(t *testing.T) {
	tests := []struct {
		name    string
		req     func(code string) RedeemRequest
		wantErr error
	}{
		{
			name: "unknown code",
			req: func(string) RedeemRequest {
				return RedeemRequest{Code: "nope", ClientID: testClientID, RedirectURI: testRedirectURI, CodeVerifier: "verifier123"}
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "empty code",
			req: func(string) RedeemRequest {
				return RedeemRequest{ClientID: testClientID, RedirectURI: testRedirectURI, CodeVerifier: "verifier123"}
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "different client",
			req: func(code string) RedeemRequest {
				return RedeemRequest{Code: code, ClientID: "client-2", RedirectURI: testRedirectURI, CodeVerifier: "verifier123"}
			},
			wantErr: ErrClientMismatch,
		},
		{
			name: "different redirect uri",
			req: func(code string) RedeemRequest {
				return RedeemRequest{Code: code, ClientID: testClientID, RedirectURI: "https://evil.example.com", CodeVerifier: "verifier123"}
			},
			wantErr: ErrRedirectMismatch,
		},
		{
			name: "missing verifier",
			req: func(code string) RedeemRequest {
				return RedeemRequest{Code: code, ClientID: testClientID, RedirectURI: testRedirectURI}
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "wrong verifier",
			req: func(code string) RedeemRequest {
				return RedeemRequest{Code: code, ClientID: testClientID, RedirectURI: testRedirectURI, CodeVerifier: "verifier124"}
			},
			wantErr: ErrPKCEMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, memory.New(), nil)
			ctx := context.Background()
			code := issueTestCode(t, srv, "verifier123")

			_, err := srv.Codes.Redeem(ctx, tt.req(code))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Redeem() error = %v, want %v", err, tt.wantErr)
			}

			// a rejected attempt must not burn the code for its rightful owner
			if _, err := srv.Codes.Redeem(ctx, RedeemRequest{
				Code:         code,
				ClientID:     testClientID,
				RedirectURI:  testRedirectURI,
				CodeVerifier: "verifier123",
			}); err != nil {
				t.Errorf("rightful Redeem() after rejection error = %v", err)
			}
		})
	}
}

func TestCodeIssuer_ConcurrentRedeem(t *testing.T) {
	srv, _ := newTestServer(t, memory.New(), nil)
	code := issueTestCode(t, srv, "verifier123")

	const attempts = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		invalid  int
		start    = make(chan struct{})
		ctx      = context.Background()
		redeemer = RedeemRequest{
			Code:         code,
			ClientID:     testClientID,
			RedirectURI:  testRedirectURI,
			CodeVerifier: "verifier123",
		}
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.Codes.Redeem(ctx, redeemer)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrInvalidGrant):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if success != 1 {
		t.Errorf("successful redemptions = %d, want 1", success)
	}
	if invalid != attempts-1 {
		t.Errorf("invalid_grant results = %d, want %d", invalid, attempts-1)
	}
}

func TestCodeIssuer_StorageErrors(t *testing.T) {
	t.Run("save fails", func(t *testing.T) {
		store := mock.New()
		store.SaveAuthorizationCodeFunc = func(context.Context, *storage.AuthorizationCode) error {
			return errors.New("disk full")
		}
		srv, _ := newTestServer(t, store, nil)

		_, err := srv.Codes.Issue(context.Background(), IssueRequest{ClientID: testClientID, RedirectURI: testRedirectURI})
		if !errors.Is(err, ErrStorage) {
			t.Errorf("Issue() error = %v, want ErrStorage", err)
		}
	})

	t.Run("consume times out", func(t *testing.T) {
		store := mock.New()
		store.ConsumeAuthorizationCodeFunc = func(ctx context.Context, _ string, _ time.Time, _ storage.CodeCheck) (*storage.AuthorizationCode, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		srv, _ := newTestServer(t, store, func(c *Config) {
			c.StoreTimeout = 10 * time.Millisecond
		})

		_, err := srv.Codes.Redeem(context.Background(), RedeemRequest{Code: "code", ClientID: testClientID, RedirectURI: testRedirectURI})
		if !errors.Is(err, ErrStorage) {
			t.Fatalf("Redeem() error = %v, want ErrStorage", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Redeem() error = %v, want wrapped deadline exceeded", err)
		}
		if kind, _ := KindOf(err); kind != KindStorage {
			t.Errorf("KindOf() = %v, want %v", kind, KindStorage)
		}
	})
}
