package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	oauth "github.com/asamzaman87/Git-GPT-App"
	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/internal/config"
	"github.com/asamzaman87/Git-GPT-App/server"
	"github.com/asamzaman87/Git-GPT-App/storage"
	"github.com/asamzaman87/Git-GPT-App/storage/cached"
	"github.com/asamzaman87/Git-GPT-App/storage/file"
	"github.com/asamzaman87/Git-GPT-App/storage/memory"
	"github.com/asamzaman87/Git-GPT-App/storage/postgres"
	"github.com/asamzaman87/Git-GPT-App/storage/redis"
)

// openedStore is a store plus the Prometheus collectors it exposes.
type openedStore struct {
	storage.Store
	postgres   *postgres.Store
	collectors []prometheus.Collector
}

// openStore connects the configured storage driver, optionally behind the
// client cache. The caller owns Close.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (*openedStore, error) {
	sc := cfg.Storage
	out := &openedStore{}

	switch sc.Driver {
	case config.DriverMemory:
		m := memory.New()
		m.SetLogger(logger)
		m.SetInstrumentation(inst)
		out.Store = m

	case config.DriverFile:
		f, err := file.Open(sc.File.Path, logger)
		if err != nil {
			return nil, err
		}
		f.SetInstrumentation(inst)
		out.Store = f

	case config.DriverPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             sc.Postgres.DSN,
			MaxConns:        sc.Postgres.MaxConns,
			MinConns:        sc.Postgres.MinConns,
			MaxConnLifetime: sc.Postgres.MaxConnLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		pg.SetInstrumentation(inst)
		if sc.Postgres.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		out.Store = pg
		out.postgres = pg
		out.collectors = append(out.collectors, pg.NewPoolCollector())

	case config.DriverRedis:
		rs, err := redis.New(ctx, redis.Config{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		rs.SetInstrumentation(inst)
		out.Store = rs

	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}

	if sc.Cache.Enabled {
		out.Store = cached.New(out.Store, sc.Cache.TTL)
	}
	logger.Info("Storage ready", "driver", sc.Driver, "client_cache", sc.Cache.Enabled)
	return out, nil
}

func serverConfig(cfg *config.Config) *server.Config {
	return &server.Config{
		Issuer:                      cfg.Server.Issuer,
		AuthorizationCodeTTL:        int64(cfg.OAuth.AuthorizationCodeTTL.Seconds()),
		AccessTokenTTL:              int64(cfg.OAuth.AccessTokenTTL.Seconds()),
		RefreshTokenTTL:             int64(cfg.OAuth.RefreshTokenTTL.Seconds()),
		DisableRefreshTokenRotation: cfg.OAuth.DisableRefreshTokenRotation,
		SweepInterval:               cfg.OAuth.SweepInterval,
		StoreTimeout:                cfg.OAuth.StoreTimeout,
		FallbackClientID:            cfg.OAuth.ClientID,
		FallbackClientSecret:        cfg.OAuth.ClientSecret,
		DefaultRedirectURIs:         cfg.OAuth.DefaultRedirectURIs,
	}
}

func handlerConfig(cfg *config.Config, logger *slog.Logger) oauth.HandlerConfig {
	return oauth.HandlerConfig{
		ScopesSupported:    cfg.Server.Scopes,
		EnableAuditLogging: cfg.Server.AuditLogging,
		Logger:             logger,
		RateLimit: oauth.RateLimitConfig{
			RegistrationRate:  cfg.Server.RegistrationRate(),
			TrustProxy:        cfg.Server.TrustProxy,
			TrustedProxyCount: cfg.Server.TrustedProxyCount,
		},
	}
}

// newServer opens storage and builds the authorization server on top of it.
func (a *app) newServer(ctx context.Context, inst *instrumentation.Instrumentation) (*server.Server, *openedStore, error) {
	store, err := openStore(ctx, a.cfg, a.logger, inst)
	if err != nil {
		return nil, nil, err
	}
	srv, err := server.New(store, serverConfig(a.cfg), a.logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	srv.SetInstrumentation(inst)
	return srv, store, nil
}
