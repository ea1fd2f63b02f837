package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/internal/util"
	"github.com/asamzaman87/Git-GPT-App/storage"
)

// core is shared by every component of one Server.
type core struct {
	config *Config
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

func (c *core) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.inst.Tracer("server").Start(ctx, "oauth."+name, trace.WithAttributes(attrs...))
}

// endSpan closes span, marking it failed for storage errors only.
// Domain rejections are expected outcomes and only tagged with their kind.
func (c *core) endSpan(span trace.Span, err error) {
	if err == nil {
		instrumentation.SetSpanSuccess(span)
	} else if kind, ok := KindOf(err); ok && kind != KindStorage {
		span.SetAttributes(attribute.String(instrumentation.AttrErrorKind, kind.String()))
	} else {
		instrumentation.RecordError(span, err)
	}
	span.End()
}

// rejected records a domain rejection of a code or refresh token.
func (c *core) rejected(ctx context.Context, op string, err error) {
	kind, ok := KindOf(err)
	if !ok || kind == KindStorage {
		return
	}
	c.inst.Metrics().RecordGrantRejected(ctx, kind.String())
	c.logger.Info("Grant rejected", "operation", op, "kind", kind.String(), "reason", err.Error())
}

// generateRandomToken returns a URL-safe value with 256 bits of entropy.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

func tokenPrefix(token string) string {
	return util.SafeTruncate(token, 8)
}

// Server wires the authorization server components to one store.
type Server struct {
	Clients *ClientRegistry
	Codes   *CodeIssuer
	Tokens  *TokenIssuer
	Sweeper *Sweeper

	Config *Config
	Logger *slog.Logger

	core *core
}

// New creates a new OAuth server. The store stays owned by the caller and
// must be closed by it after Shutdown.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config)
	if err := config.validate(logger); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &core{config: config, logger: logger}
	sweeper := newSweeper(c, store)
	srv := &Server{
		Clients: &ClientRegistry{core: c, store: store},
		Codes:   &CodeIssuer{core: c, store: store},
		Tokens:  &TokenIssuer{core: c, store: store, sweeper: sweeper},
		Sweeper: sweeper,
		Config:  config,
		Logger:  logger,
		core:    c,
	}
	return srv, nil
}

// SetInstrumentation enables tracing and metrics. Call before Start.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.core.inst = inst
}

// Instrumentation returns the configured instrumentation, possibly nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.core.inst
}

// Start seeds the fallback client and launches the periodic sweeper.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Clients.EnsureDefaultClient(ctx); err != nil {
		return err
	}
	s.Sweeper.Start(ctx)
	s.Logger.Info("Authorization server started",
		"issuer", s.Config.Issuer,
		"code_ttl_seconds", s.Config.AuthorizationCodeTTL,
		"access_ttl_seconds", s.Config.AccessTokenTTL,
		"refresh_ttl_seconds", s.Config.RefreshTokenTTL,
		"refresh_rotation", !s.Config.DisableRefreshTokenRotation,
		"sweep_interval", s.Config.SweepInterval)
	return nil
}

// Shutdown stops background work. It returns ctx.Err() if the sweeper does
// not finish before ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Sweeper.Stop()
		close(done)
	}()

	select {
	case <-done:
		s.Logger.Info("Authorization server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// IsStorageError reports whether err is a storage failure, as opposed to a
// rejection of the presented client or grant.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}
