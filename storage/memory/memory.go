// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/internal/util"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8

	storageType = "memory"
)

// Store is an in-memory implementation of storage.Store.
// Every operation runs under a single mutex, which makes code consumption,
// lazy expiry and pair revocation atomic with respect to each other.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new, empty in-memory store.
func New() *Store {
	return &Store{
		clients:       make(map[string]*storage.Client),
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) startOp(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOp) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	return instrumentation.StartStorageOp(ctx, inst, storageType, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, op := s.startOp(ctx, "save_client")
	var err error
	defer func() { op.End(ctx, err) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = storage.CloneClient(client)
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, op := s.startOp(ctx, "get_client")
	defer op.End(ctx, nil)

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CloneClient(client), nil
}

// ListClients lists all registered clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, op := s.startOp(ctx, "list_clients")
	defer op.End(ctx, nil)

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, storage.CloneClient(c))
	}
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ClientID < clients[j].ClientID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, op := s.startOp(ctx, "save_authorization_code")
	var err error
	defer func() { op.End(ctx, err) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = &c
	return nil
}

// ConsumeAuthorizationCode atomically validates and deletes an authorization code.
// The lookup, expiry check, caller check and delete all happen under one lock.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time, check storage.CodeCheck) (*storage.AuthorizationCode, error) {
	ctx, op := s.startOp(ctx, "consume_authorization_code")
	defer op.End(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if storage.IsExpired(authCode.ExpiresAt, now) {
		delete(s.codes, code)
		s.logger.Debug("Deleted expired authorization code",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return nil, storage.ErrExpired
	}

	if check != nil {
		if err := check(authCode); err != nil {
			return nil, err
		}
	}

	delete(s.codes, code)
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	c := *authCode
	return &c, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenPair stores both halves of a token pair under one lock
func (s *Store) SaveTokenPair(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	ctx, op := s.startOp(ctx, "save_token_pair")
	var err error
	defer func() { op.End(ctx, err) }()

	if access == nil || refresh == nil || access.Token == "" || refresh.Token == "" {
		err = fmt.Errorf("invalid token pair")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, r := *access, *refresh
	s.accessTokens[a.Token] = &a
	s.refreshTokens[r.Token] = &r

	s.logger.Debug("Saved token pair",
		"client_id", access.ClientID,
		"access_prefix", util.SafeTruncate(a.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken returns a live access token, deleting it if expired
func (s *Store) GetAccessToken(ctx context.Context, token string, now time.Time) (*storage.AccessToken, error) {
	ctx, op := s.startOp(ctx, "get_access_token")
	defer op.End(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.IsExpired(at.ExpiresAt, now) {
		delete(s.accessTokens, token)
		return nil, storage.ErrExpired
	}

	out := *at
	return &out, nil
}

// GetRefreshToken returns a live refresh token, deleting it if expired
func (s *Store) GetRefreshToken(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error) {
	ctx, op := s.startOp(ctx, "get_refresh_token")
	defer op.End(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.IsExpired(rt.ExpiresAt, now) {
		delete(s.refreshTokens, token)
		return nil, storage.ErrExpired
	}

	out := *rt
	return &out, nil
}

// ConsumeRefreshToken atomically removes a live refresh token and its paired access token
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	ctx, op := s.startOp(ctx, "consume_refresh_token")
	defer op.End(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.IsExpired(rt.ExpiresAt, now) {
		delete(s.refreshTokens, token)
		return nil, storage.ErrExpired
	}

	if check != nil {
		if err := check(rt); err != nil {
			return nil, err
		}
	}

	s.deletePairLocked(rt)
	out := *rt
	return &out, nil
}

// RevokeRefreshToken deletes a refresh token and its paired access token
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	ctx, op := s.startOp(ctx, "revoke_refresh_token")
	defer op.End(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return storage.ErrNotFound
	}

	s.deletePairLocked(rt)
	s.logger.Debug("Revoked token pair",
		"client_id", rt.ClientID,
		"refresh_prefix", util.SafeTruncate(token, tokenIDLogLength))
	return nil
}

// deletePairLocked removes a refresh token and, if it still points at one,
// its access token. Caller must hold s.mu.
func (s *Store) deletePairLocked(rt *storage.RefreshToken) {
	delete(s.refreshTokens, rt.Token)
	if at, ok := s.accessTokens[rt.AccessToken]; ok && at.RefreshToken == rt.Token {
		delete(s.accessTokens, rt.AccessToken)
	}
}

// ============================================================
// Sweeper Implementation
// ============================================================

// DeleteExpired removes every code and token whose expiry is at or before now
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	ctx, op := s.startOp(ctx, "delete_expired")
	defer op.End(ctx, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	var res storage.SweepResult

	for code, c := range s.codes {
		if storage.IsExpired(c.ExpiresAt, now) {
			delete(s.codes, code)
			res.Codes++
		}
	}
	for token, at := range s.accessTokens {
		if storage.IsExpired(at.ExpiresAt, now) {
			delete(s.accessTokens, token)
			res.AccessTokens++
		}
	}
	for token, rt := range s.refreshTokens {
		if storage.IsExpired(rt.ExpiresAt, now) {
			delete(s.refreshTokens, token)
			res.RefreshTokens++
		}
	}

	if res.Total() > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"codes", res.Codes,
			"access_tokens", res.AccessTokens,
			"refresh_tokens", res.RefreshTokens)
	}
	return res, nil
}

// ============================================================
// Snapshots
// ============================================================

// Snapshot is a point-in-time copy of every row held by a Store.
type Snapshot struct {
	Clients       []*storage.Client            `json:"clients"`
	Codes         []*storage.AuthorizationCode `json:"codes"`
	AccessTokens  []*storage.AccessToken       `json:"access_tokens"`
	RefreshTokens []*storage.RefreshToken      `json:"refresh_tokens"`
}

// Snapshot copies the current contents of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Clients:       make([]*storage.Client, 0, len(s.clients)),
		Codes:         make([]*storage.AuthorizationCode, 0, len(s.codes)),
		AccessTokens:  make([]*storage.AccessToken, 0, len(s.accessTokens)),
		RefreshTokens: make([]*storage.RefreshToken, 0, len(s.refreshTokens)),
	}
	for _, c := range s.clients {
		snap.Clients = append(snap.Clients, storage.CloneClient(c))
	}
	for _, c := range s.codes {
		cp := *c
		snap.Codes = append(snap.Codes, &cp)
	}
	for _, at := range s.accessTokens {
		cp := *at
		snap.AccessTokens = append(snap.AccessTokens, &cp)
	}
	for _, rt := range s.refreshTokens {
		cp := *rt
		snap.RefreshTokens = append(snap.RefreshTokens, &cp)
	}
	return snap
}

// Restore replaces the contents of the store with snap.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[string]*storage.Client, len(snap.Clients))
	s.codes = make(map[string]*storage.AuthorizationCode, len(snap.Codes))
	s.accessTokens = make(map[string]*storage.AccessToken, len(snap.AccessTokens))
	s.refreshTokens = make(map[string]*storage.RefreshToken, len(snap.RefreshTokens))

	for _, c := range snap.Clients {
		if c != nil && c.ClientID != "" {
			s.clients[c.ClientID] = storage.CloneClient(c)
		}
	}
	for _, c := range snap.Codes {
		if c != nil && c.Code != "" {
			cp := *c
			s.codes[c.Code] = &cp
		}
	}
	for _, at := range snap.AccessTokens {
		if at != nil && at.Token != "" {
			cp := *at
			s.accessTokens[at.Token] = &cp
		}
	}
	for _, rt := range snap.RefreshTokens {
		if rt != nil && rt.Token != "" {
			cp := *rt
			s.refreshTokens[rt.Token] = &cp
		}
	}
}
