// Package postgres provides a PostgreSQL implementation of storage.Store
// built on pgx connection pools.
//
// Single-use semantics rely on row locks: consuming a code or refresh token
// selects the row FOR UPDATE and deletes it in the same transaction, so two
// instances racing on the same code cannot both succeed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// errPostgres marks errors raised by the database itself.
var errPostgres = errors.New("postgres")

const (
	storageType = "postgres"

	// DefaultMaxConns is used when Config.MaxConns is zero
	DefaultMaxConns = 8
)

// Config holds connection settings for the PostgreSQL store.
type Config struct {
	// DSN is a libpq-style connection string or postgres:// URL.
	DSN string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a PostgreSQL implementation of storage.Store.
type Store struct {
	pool            *pgxpool.Pool
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New opens a pool and verifies connectivity. It does not run migrations.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %w", errPostgres, err)
	}
	pcfg.MaxConns = DefaultMaxConns
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open pool: %w", errPostgres, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", errPostgres, err)
	}

	logger.Info("PostgreSQL pool ready", "max_conns", pcfg.MaxConns)
	return &Store{pool: pool, logger: logger}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Pool exposes the underlying pool for metrics collection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) startOp(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOp) {
	return instrumentation.StartStorageOp(ctx, s.instrumentation, storageType, operation)
}

// inTx runs fn in a transaction. fn decides whether to commit by returning
// commit=true; its error is returned either way. This lets an expired row be
// deleted and committed while still reporting ErrExpired.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) (commit bool, err error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", errPostgres, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	commit, fnErr := fn(tx)
	if commit {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: commit: %w", errPostgres, err)
		}
	}
	return fnErr
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, client_name, redirect_uris,
			grant_types, response_types, token_endpoint_auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_name = EXCLUDED.client_name,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			response_types = EXCLUDED.response_types,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method`,
		c.ClientID, c.ClientSecretHash, c.ClientName, nonNil(c.RedirectURIs),
		nonNil(c.GrantTypes), nonNil(c.ResponseTypes), c.TokenEndpointAuthMethod, c.CreatedAt)
	if err != nil {
		err = fmt.Errorf("%w: save client: %w", errPostgres, err)
	}
	return err
}

const clientColumns = `client_id, client_secret_hash, client_name, redirect_uris,
	grant_types, response_types, token_endpoint_auth_method, created_at`

func scanClient(row pgx.Row) (*storage.Client, error) {
	var c storage.Client
	err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.RedirectURIs,
		&c.GrantTypes, &c.ResponseTypes, &c.TokenEndpointAuthMethod, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, op := s.startOp(ctx, "get_client")
	var err error
	defer func() { op.End(ctx, err) }()

	c, qerr := scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID))
	if errors.Is(qerr, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if qerr != nil {
		err = fmt.Errorf("%w: get client: %w", errPostgres, qerr)
		return nil, err
	}
	return c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, op := s.startOp(ctx, "list_clients")
	var err error
	defer func() { op.End(ctx, err) }()

	rows, qerr := s.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients ORDER BY created_at, client_id`)
	if qerr != nil {
		err = fmt.Errorf("%w: list clients: %w", errPostgres, qerr)
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Client
	for rows.Next() {
		c, serr := scanClient(rows)
		if serr != nil {
			err = fmt.Errorf("%w: scan client: %w", errPostgres, serr)
			return nil, err
		}
		out = append(out, c)
	}
	if rerr := rows.Err(); rerr != nil {
		err = fmt.Errorf("%w: list clients: %w", errPostgres, rerr)
		return nil, err
	}
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_authorization_codes (code, client_id, redirect_uri, code_challenge,
			code_challenge_method, scope, resource, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.Code, c.ClientID, c.RedirectURI, c.CodeChallenge, c.CodeChallengeMethod,
		c.Scope, c.Resource, c.ExpiresAt)
	if err != nil {
		err = fmt.Errorf("%w: save authorization code: %w", errPostgres, err)
	}
	return err
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time, check storage.CodeCheck) (*storage.AuthorizationCode, error) {
	ctx, op := s.startOp(ctx, "consume_authorization_code")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	var out *storage.AuthorizationCode
	err := s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		var c storage.AuthorizationCode
		err := tx.QueryRow(ctx, `
			SELECT code, client_id, redirect_uri, code_challenge, code_challenge_method,
				scope, resource, expires_at
			FROM oauth_authorization_codes WHERE code = $1 FOR UPDATE`, code).
			Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.CodeChallenge,
				&c.CodeChallengeMethod, &c.Scope, &c.Resource, &c.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("%w: select code: %w", errPostgres, err)
		}

		if storage.IsExpired(c.ExpiresAt, now) {
			if _, err := tx.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE code = $1`, code); err != nil {
				return false, fmt.Errorf("%w: delete expired code: %w", errPostgres, err)
			}
			return true, storage.ErrExpired
		}

		if check != nil {
			if err := check(&c); err != nil {
				return false, err
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE code = $1`, code); err != nil {
			return false, fmt.Errorf("%w: delete code: %w", errPostgres, err)
		}
		out = &c
		return true, nil
	})
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return out, nil
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

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO oauth_access_tokens (token, client_id, scope, resource, expires_at, refresh_token)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			access.Token, access.ClientID, access.Scope, access.Resource, access.ExpiresAt, access.RefreshToken); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO oauth_refresh_tokens (token, client_id, scope, resource, expires_at, access_token)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			refresh.Token, refresh.ClientID, refresh.Scope, refresh.Resource, refresh.ExpiresAt, refresh.AccessToken)
		return err
	})
	if err != nil {
		err = fmt.Errorf("%w: save token pair: %w", errPostgres, err)
	}
	return err
}

func (s *Store) GetAccessToken(ctx context.Context, token string, now time.Time) (*storage.AccessToken, error) {
	ctx, op := s.startOp(ctx, "get_access_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	var out *storage.AccessToken
	err := s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		var at storage.AccessToken
		err := tx.QueryRow(ctx, `
			SELECT token, client_id, scope, resource, expires_at, refresh_token
			FROM oauth_access_tokens WHERE token = $1`, token).
			Scan(&at.Token, &at.ClientID, &at.Scope, &at.Resource, &at.ExpiresAt, &at.RefreshToken)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("%w: select access token: %w", errPostgres, err)
		}
		if storage.IsExpired(at.ExpiresAt, now) {
			if _, err := tx.Exec(ctx, `DELETE FROM oauth_access_tokens WHERE token = $1`, token); err != nil {
				return false, fmt.Errorf("%w: delete expired access token: %w", errPostgres, err)
			}
			return true, storage.ErrExpired
		}
		out = &at
		return false, nil
	})
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return out, nil
}

const refreshColumns = `token, client_id, scope, resource, expires_at, access_token`

func scanRefresh(row pgx.Row) (*storage.RefreshToken, error) {
	var rt storage.RefreshToken
	if err := row.Scan(&rt.Token, &rt.ClientID, &rt.Scope, &rt.Resource, &rt.ExpiresAt, &rt.AccessToken); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token string, now time.Time) (*storage.RefreshToken, error) {
	ctx, op := s.startOp(ctx, "get_refresh_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	var out *storage.RefreshToken
	err := s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		rt, err := scanRefresh(tx.QueryRow(ctx,
			`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token = $1`, token))
		if errors.Is(err, pgx.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("%w: select refresh token: %w", errPostgres, err)
		}
		if storage.IsExpired(rt.ExpiresAt, now) {
			if _, err := tx.Exec(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = $1`, token); err != nil {
				return false, fmt.Errorf("%w: delete expired refresh token: %w", errPostgres, err)
			}
			return true, storage.ErrExpired
		}
		out = rt
		return false, nil
	})
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time, check storage.RefreshCheck) (*storage.RefreshToken, error) {
	ctx, op := s.startOp(ctx, "consume_refresh_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	var out *storage.RefreshToken
	err := s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		rt, err := scanRefresh(tx.QueryRow(ctx,
			`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token = $1 FOR UPDATE`, token))
		if errors.Is(err, pgx.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("%w: select refresh token: %w", errPostgres, err)
		}
		if storage.IsExpired(rt.ExpiresAt, now) {
			if _, err := tx.Exec(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = $1`, token); err != nil {
				return false, fmt.Errorf("%w: delete expired refresh token: %w", errPostgres, err)
			}
			return true, storage.ErrExpired
		}
		if check != nil {
			if err := check(rt); err != nil {
				return false, err
			}
		}
		if err := deletePair(ctx, tx, rt); err != nil {
			return false, err
		}
		out = rt
		return true, nil
	})
	if err != nil {
		if isBackendError(err) {
			opErr = err
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	ctx, op := s.startOp(ctx, "revoke_refresh_token")
	var opErr error
	defer func() { op.End(ctx, opErr) }()

	err := s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		rt, err := scanRefresh(tx.QueryRow(ctx,
			`SELECT `+refreshColumns+` FROM oauth_refresh_tokens WHERE token = $1 FOR UPDATE`, token))
		if errors.Is(err, pgx.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("%w: select refresh token: %w", errPostgres, err)
		}
		if err := deletePair(ctx, tx, rt); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil && isBackendError(err) {
		opErr = err
	}
	return err
}

// deletePair removes a refresh token and the access token still linked to it.
func deletePair(ctx context.Context, tx pgx.Tx, rt *storage.RefreshToken) error {
	if _, err := tx.Exec(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = $1`, rt.Token); err != nil {
		return fmt.Errorf("%w: delete refresh token: %w", errPostgres, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM oauth_access_tokens WHERE token = $1 AND refresh_token = $2`,
		rt.AccessToken, rt.Token); err != nil {
		return fmt.Errorf("%w: delete access token: %w", errPostgres, err)
	}
	return nil
}

// ============================================================
// Sweeper
// ============================================================

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	ctx, op := s.startOp(ctx, "delete_expired")
	var err error
	defer func() { op.End(ctx, err) }()

	var res storage.SweepResult
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		res.Codes = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM oauth_access_tokens WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		res.AccessTokens = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM oauth_refresh_tokens WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		res.RefreshTokens = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		err = fmt.Errorf("%w: delete expired: %w", errPostgres, err)
		return storage.SweepResult{}, err
	}
	return res, nil
}

// truncateAll empties every table. Used by integration tests.
func (s *Store) truncateAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE oauth_clients, oauth_authorization_codes,
		oauth_access_tokens, oauth_refresh_tokens`)
	return err
}

// isBackendError reports whether err came from the database rather than
// from a domain outcome such as not found, expired, or a failed check.
func isBackendError(err error) bool {
	return err != nil &&
		!errors.Is(err, storage.ErrNotFound) &&
		!errors.Is(err, storage.ErrExpired) &&
		errors.Is(err, errPostgres)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
