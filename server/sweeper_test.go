package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/memory"
	"github.com/asamzaman87/Git-GPT-App/storage/mock"
)

func TestSweeper_RemovesOnlyExpired(t *testing.T) {
	store := memory.New()
	srv, _ := newTestServer(t, store, nil)
	ctx := context.Background()
	now := srv.Config.now()

	expired := &storage.AuthorizationCode{
		Code:        "expired-code",
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		ExpiresAt:   now.Add(-time.Second),
	}
	live := &storage.AuthorizationCode{
		Code:        "live-code",
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		ExpiresAt:   now.Add(time.Hour),
	}
	for _, c := range []*storage.AuthorizationCode{expired, live} {
		if err := store.SaveAuthorizationCode(ctx, c); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}
	}

	res, err := srv.Sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Codes != 1 || res.Total() != 1 {
		t.Errorf("Sweep() = %+v, want exactly one code removed", res)
	}

	// idempotent
	res, err = srv.Sweeper.Sweep(ctx)
	if err != nil || res.Total() != 0 {
		t.Errorf("second Sweep() = %+v, %v; want nothing removed", res, err)
	}

	if _, err := srv.Codes.Redeem(ctx, RedeemRequest{Code: "live-code", ClientID: testClientID, RedirectURI: testRedirectURI}); err != nil {
		t.Errorf("live code should still redeem after sweep: %v", err)
	}
	if _, err := srv.Codes.Redeem(ctx, RedeemRequest{Code: "expired-code", ClientID: testClientID, RedirectURI: testRedirectURI}); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("swept code error = %v, want ErrInvalidGrant", err)
	}
}

func TestSweeper_RemovesExpiredPairs(t *testing.T) {
	srv, clock := newTestServer(t, memory.New(), nil)
	srv.Sweeper.Stop()
	ctx := context.Background()

	if _, err := srv.Tokens.MintPair(ctx, testClientID, "", ""); err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}

	clock.Advance(time.Hour)
	res, err := srv.Sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.AccessTokens != 1 || res.RefreshTokens != 0 {
		t.Errorf("Sweep() after access TTL = %+v, want one access token", res)
	}

	clock.Advance(time.Duration(srv.Config.RefreshTokenTTL) * time.Second)
	res, err = srv.Sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.RefreshTokens != 1 {
		t.Errorf("Sweep() after refresh TTL = %+v, want one refresh token", res)
	}
}

func TestSweeper_MintTriggersSweepAndSuppressesFailure(t *testing.T) {
	store := mock.New()
	var calls atomic.Int32
	store.DeleteExpiredFunc = func(context.Context, time.Time) (storage.SweepResult, error) {
		calls.Add(1)
		return storage.SweepResult{}, errors.New("connection refused")
	}
	srv, _ := newTestServer(t, store, nil)

	if _, err := srv.Tokens.MintPair(context.Background(), testClientID, "", ""); err != nil {
		t.Fatalf("MintPair() should not surface sweep failures: %v", err)
	}

	// Stop waits for the triggered sweep
	srv.Sweeper.Stop()
	if calls.Load() != 1 {
		t.Errorf("DeleteExpired called %d times, want 1", calls.Load())
	}

	if _, err := srv.Tokens.MintPair(context.Background(), testClientID, "", ""); err != nil {
		t.Fatalf("MintPair() error = %v", err)
	}
	srv.Sweeper.Stop()
	if calls.Load() != 1 {
		t.Errorf("stopped sweeper ran again: %d calls", calls.Load())
	}
}

func TestSweeper_SweepReportsStorageError(t *testing.T) {
	store := mock.New()
	store.DeleteExpiredFunc = func(context.Context, time.Time) (storage.SweepResult, error) {
		return storage.SweepResult{}, errors.New("connection refused")
	}
	srv, _ := newTestServer(t, store, nil)

	if _, err := srv.Sweeper.Sweep(context.Background()); !errors.Is(err, ErrStorage) {
		t.Errorf("Sweep() error = %v, want ErrStorage", err)
	}
}

func TestSweeper_StartRunsOnInterval(t *testing.T) {
	store := mock.New()
	ran := make(chan struct{}, 16)
	store.DeleteExpiredFunc = func(context.Context, time.Time) (storage.SweepResult, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return storage.SweepResult{}, nil
	}
	srv, _ := newTestServer(t, store, func(c *Config) {
		c.SweepInterval = 5 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Sweeper.Start(ctx)
	srv.Sweeper.Start(ctx) // second start is a no-op

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("periodic sweep %d did not run", i+1)
		}
	}

	stopped := make(chan struct{})
	go func() {
		srv.Sweeper.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
}
