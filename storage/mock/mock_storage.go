// Package mock provides a storage.Store for tests that need to inject
// failures or count calls. Unset hooks delegate to an in-memory store.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/memory"
)

// Store is a mock implementation of storage.Store
type Store struct {
	mem *memory.Store

	mu         sync.Mutex
	callCounts map[string]int

	SaveClientFunc               func(ctx context.Context, client *storage.Client) error
	GetClientFunc                func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc              func(ctx context.Context) ([]*storage.Client, error)
	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string, now time.Time, check storage.CodeCheck) (*storage.AuthorizationCode, error)
	SaveTokenPairFunc            func(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error
	GetAccessTokenFunc           func(ctx context.Context, token string, now time.Time) (*storage.AccessToken, error)
	GetRefreshTokenFunc          func(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error)
	ConsumeRefreshTokenFunc      func(ctx context.Context, token string, now time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error)
	RevokeRefreshTokenFunc       func(ctx context.Context, token string) error
	DeleteExpiredFunc            func(ctx context.Context, now time.Time) (storage.SweepResult, error)
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store backed by a fresh memory.Store
func New() *Store {
	return &Store{
		mem:        memory.New(),
		callCounts: make(map[string]int),
	}
}

// Memory exposes the backing store so tests can seed or inspect state
func (m *Store) Memory() *memory.Store {
	return m.mem
}

// CallCount returns how many times the named method was invoked
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.mem.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.mem.GetClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.mem.ListClients(ctx)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.mem.SaveAuthorizationCode(ctx, code)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time, check storage.CodeCheck) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code, now, check)
	}
	return m.mem.ConsumeAuthorizationCode(ctx, code, now, check)
}

func (m *Store) SaveTokenPair(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	m.record("SaveTokenPair")
	if m.SaveTokenPairFunc != nil {
		return m.SaveTokenPairFunc(ctx, access, refresh)
	}
	return m.mem.SaveTokenPair(ctx, access, refresh)
}

func (m *Store) GetAccessToken(ctx context.Context, token string, now time.Time) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token, now)
	}
	return m.mem.GetAccessToken(ctx, token, now)
}

func (m *Store) GetRefreshToken(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token, now)
	}
	return m.mem.GetRefreshToken(ctx, token, now)
}

func (m *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	if m.ConsumeRefreshTokenFunc != nil {
		return m.ConsumeRefreshTokenFunc(ctx, token, now, check)
	}
	return m.mem.ConsumeRefreshToken(ctx, token, now, check)
}

func (m *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	m.record("RevokeRefreshToken")
	if m.RevokeRefreshTokenFunc != nil {
		return m.RevokeRefreshTokenFunc(ctx, token)
	}
	return m.mem.RevokeRefreshToken(ctx, token)
}

func (m *Store) DeleteExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	m.record("DeleteExpired")
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx, now)
	}
	return m.mem.DeleteExpired(ctx, now)
}

func (m *Store) Close() error {
	return m.mem.Close()
}
