// Package redis provides a Redis implementation of storage.Store using go-redis.
//
// Records are stored as JSON strings. Expiry is tracked in one sorted set per
// record kind, scored by expiry time in microseconds, which DeleteExpired
// scans. Keys carry no native TTL, so an expired code is still readable until
// a lookup or sweep removes it and can be reported as expired rather than
// unknown.
//
// Code and refresh-token consumption use WATCH/MULTI optimistic transactions.
// A losing writer retries and then observes the key as gone.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

const (
	storageType = "redis"

	// DefaultPrefix namespaces every key written by the store
	DefaultPrefix = "gitgpt:"

	// maxTxRetries bounds optimistic transaction retries under contention
	maxTxRetries = 8
)

// errRedis marks errors raised by the Redis client.
var errRedis = errors.New("redis")

// Config holds connection settings for the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is a Redis implementation of storage.Store.
type Store struct {
	client *goredis.Client
	prefix string

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", errRedis, cfg.Addr, err)
	}

	return NewFromClient(client, cfg.Prefix, logger), nil
}

// NewFromClient wraps an existing client. An empty prefix selects DefaultPrefix.
func NewFromClient(client *goredis.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) startOp(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOp) {
	return instrumentation.StartStorageOp(ctx, s.instrumentation, storageType, operation)
}

// Key layout
func (s *Store) clientKey(id string) string     { return s.prefix + "client:" + id }
func (s *Store) clientsSetKey() string          { return s.prefix + "clients" }
func (s *Store) codeKey(code string) string     { return s.prefix + "code:" + code }
func (s *Store) accessKey(token string) string  { return s.prefix + "access:" + token }
func (s *Store) refreshKey(token string) string { return s.prefix + "refresh:" + token }
func (s *Store) expiryKey(kind string) string   { return s.prefix + "expiry:" + kind }

const (
	kindCode    = "code"
	kindAccess  = "access"
	kindRefresh = "refresh"
)

func expiryScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errRedis, op, err)
}

func isBackendError(err error) bool {
	return errors.Is(err, errRedis)
}

// ============================================================
// ClientStore
// ============================================================

func (s *Store) SaveClient(ctx context.Context, c *storage.Client) error {
	ctx, op := s.startOp(ctx, "save_client")
	var err error
	defer func() { op.End(ctx, err) }()

	if c == nil || c.ClientID == "" {
		err = errors.New("invalid client")
		return err
	}

	data, merr := json.Marshal(c)
	if merr != nil {
		err = fmt.Errorf("marshal client: %w", merr)
		return err
	}

	_, perr := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.clientKey(c.ClientID), data, 0)
		pipe.SAdd(ctx, s.clientsSetKey(), c.ClientID)
		return nil
	})
	if perr != nil {
		err = backendErr("save client", perr)
	}
	return err
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, op := s.startOp(ctx, "get_client")
	var err error
	defer func() { op.End(ctx, err) }()

	data, gerr := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if errors.Is(gerr, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if gerr != nil {
		err = backendErr("get client", gerr)
		return nil, err
	}

	var c storage.Client
	if uerr := json.Unmarshal(data, &c); uerr != nil {
		err = fmt.Errorf("unmarshal client: %w", uerr)
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, op := s.startOp(ctx, "list_clients")
	var err error
	defer func() { op.End(ctx, err) }()

	ids, serr := s.client.SMembers(ctx, s.clientsSetKey()).Result()
	if serr != nil {
		err = backendErr("list clients", serr)
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.clientKey(id)
	}
	vals, merr := s.client.MGet(ctx, keys...).Result()
	if merr != nil {
		err = backendErr("list clients", merr)
		return nil, err
	}

	out := make([]*storage.Client, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var c storage.Client
		if uerr := json.Unmarshal([]byte(str), &c); uerr != nil {
			s.logger.Warn("Skipping undecodable client record", "error", uerr)
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ============================================================
// CodeStore
// ============================================================

func (s *Store) SaveAuthorizationCode(ctx context.Context, c *storage.AuthorizationCode) error {
	ctx, op := s.startOp(ctx, "save_authorization_code")
	var err error
	defer func() { op.End(ctx, err) }()

	if c == nil || c.Code == "" {
		err = errors.New("invalid authorization code")
		return err
	}

	data, merr := json.Marshal(c)
	if merr != nil {
		err = fmt.Errorf("marshal authorization code: %w", merr)
		return err
	}

	_, perr := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.codeKey(c.Code), data, 0)
		pipe.ZAdd(ctx, s.expiryKey(kindCode), goredis.Z{Score: expiryScore(c.ExpiresAt), Member: c.Code})
		return nil
	})
	if perr != nil {
		err = backendErr("save authorization code", perr)
	}
	return err
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time, check storage.CodeCheck) (*storage.AuthorizationCode, error) {
	ctx, op := s.startOp(ctx, "consume_authorization_code")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	key := s.codeKey(code)
	var out *storage.AuthorizationCode

	err := s.watchWithRetry(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return backendErr("get code", err)
		}

		var c storage.AuthorizationCode
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("unmarshal authorization code: %w", err)
		}

		expired := storage.IsExpired(c.ExpiresAt, now)
		if !expired && check != nil {
			if err := check(&c); err != nil {
				return err
			}
		}

		if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.expiryKey(kindCode), code)
			return nil
		}); err != nil {
			return err
		}

		if expired {
			return storage.ErrExpired
		}
		out = &c
		return nil
	}, key)
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return out, nil
}

// watchWithRetry runs fn under WATCH on keys, retrying when another client
// modified a watched key before EXEC.
func (s *Store) watchWithRetry(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return backendErr("watch", goredis.TxFailedErr)
}

// ============================================================
// TokenStore
// ============================================================

func (s *Store) SaveTokenPair(ctx context.Context, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	ctx, op := s.startOp(ctx, "save_token_pair")
	var err error
	defer func() { op.End(ctx, err) }()

	if access == nil || refresh == nil || access.Token == "" || refresh.Token == "" {
		err = errors.New("invalid token pair")
		return err
	}

	accessData, merr := json.Marshal(access)
	if merr != nil {
		err = fmt.Errorf("marshal access token: %w", merr)
		return err
	}
	refreshData, merr := json.Marshal(refresh)
	if merr != nil {
		err = fmt.Errorf("marshal refresh token: %w", merr)
		return err
	}

	_, perr := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.accessKey(access.Token), accessData, 0)
		pipe.ZAdd(ctx, s.expiryKey(kindAccess), goredis.Z{Score: expiryScore(access.ExpiresAt), Member: access.Token})
		pipe.Set(ctx, s.refreshKey(refresh.Token), refreshData, 0)
		pipe.ZAdd(ctx, s.expiryKey(kindRefresh), goredis.Z{Score: expiryScore(refresh.ExpiresAt), Member: refresh.Token})
		return nil
	})
	if perr != nil {
		err = backendErr("save token pair", perr)
	}
	return err
}

func (s *Store) GetAccessToken(ctx context.Context, token string, now time.Time) (*storage.AccessToken, error) {
	ctx, op := s.startOp(ctx, "get_access_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	var at storage.AccessToken
	err := s.getLive(ctx, s.accessKey(token), kindAccess, token, now, &at, func() time.Time { return at.ExpiresAt })
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return &at, nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error) {
	ctx, op := s.startOp(ctx, "get_refresh_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	var rt storage.RefreshToken
	err := s.getLive(ctx, s.refreshKey(token), kindRefresh, token, now, &rt, func() time.Time { return rt.ExpiresAt })
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return &rt, nil
}

// getLive decodes key into dst and deletes it if expired at now.
func (s *Store) getLive(ctx context.Context, key, kind, member string, now time.Time, dst any, expiresAt func() time.Time) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return backendErr("get "+kind, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", kind, err)
	}

	if storage.IsExpired(expiresAt(), now) {
		if _, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.expiryKey(kind), member)
			return nil
		}); err != nil {
			return backendErr("delete expired "+kind, err)
		}
		return storage.ErrExpired
	}
	return nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	ctx, op := s.startOp(ctx, "consume_refresh_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	rt, err := s.removePair(ctx, token, &now, check)
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return rt, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	ctx, op := s.startOp(ctx, "revoke_refresh_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	_, err := s.removePair(ctx, token, nil, nil)
	if err != nil && isBackendError(err) {
		opErr = err
	}
	return err
}

// removePair deletes a refresh token and its linked access token in one
// optimistic transaction. When now is nil expiry is not checked.
func (s *Store) removePair(ctx context.Context, token string, now *time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	key := s.refreshKey(token)
	var out *storage.RefreshToken

	err := s.watchWithRetry(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return backendErr("get refresh token", err)
		}

		var rt storage.RefreshToken
		if err := json.Unmarshal(data, &rt); err != nil {
			return fmt.Errorf("unmarshal refresh token: %w", err)
		}

		if now != nil && storage.IsExpired(rt.ExpiresAt, *now) {
			if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.expiryKey(kindRefresh), token)
				return nil
			}); err != nil {
				return err
			}
			return storage.ErrExpired
		}

		if check != nil {
			if err := check(&rt); err != nil {
				return err
			}
		}

		if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.expiryKey(kindRefresh), token)
			if rt.AccessToken != "" {
				pipe.Del(ctx, s.accessKey(rt.AccessToken))
				pipe.ZRem(ctx, s.expiryKey(kindAccess), rt.AccessToken)
			}
			return nil
		}); err != nil {
			return err
		}

		out = &rt
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================
// Sweeper
// ============================================================

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	ctx, op := s.startOp(ctx, "delete_expired")
	var err error
	defer func() { op.End(ctx, err) }()

	var res storage.SweepResult
	if res.Codes, err = s.sweepKind(ctx, kindCode, s.codeKey, now); err != nil {
		return res, err
	}
	if res.AccessTokens, err = s.sweepKind(ctx, kindAccess, s.accessKey, now); err != nil {
		return res, err
	}
	if res.RefreshTokens, err = s.sweepKind(ctx, kindRefresh, s.refreshKey, now); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) sweepKind(ctx context.Context, kind string, keyFn func(string) string, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.expiryKey(kind), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, backendErr("scan expired "+kind, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	keys := make([]string, len(members))
	zmembers := make([]any, len(members))
	for i, m := range members {
		keys[i] = keyFn(m)
		zmembers[i] = m
	}

	var del *goredis.IntCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.expiryKey(kind), zmembers...)
		return nil
	}); err != nil {
		return 0, backendErr("delete expired "+kind, err)
	}
	return int(del.Val()), nil
}
