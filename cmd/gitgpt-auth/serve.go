package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/asamzaman87/Git-GPT-App"
	"github.com/asamzaman87/Git-GPT-App/instrumentation"
	"github.com/asamzaman87/Git-GPT-App/server"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) newInstrumentation() (*instrumentation.Instrumentation, error) {
	return instrumentation.New(instrumentation.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Enabled:     a.cfg.Telemetry.Enabled,
	})
}

// serve runs until ctx is cancelled, then drains HTTP and stops the sweeper.
func (a *app) serve(ctx context.Context) error {
	inst, err := a.newInstrumentation()
	if err != nil {
		return err
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	srv, store, err := a.newServer(ctx, inst)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Error("Failed to close storage", "error", err)
		}
	}()

	handler := oauth.NewHandler(srv, handlerConfig(a.cfg, a.logger))
	defer handler.Close()

	router, err := a.router(srv, handler, store)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           router,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Listening", "addr", httpServer.Addr, "issuer", a.cfg.Server.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}

// router mounts the OAuth endpoints plus health and metrics.
func (a *app) router(srv *server.Server, handler *oauth.Handler, store *openedStore) (chi.Router, error) {
	var reg *prometheus.Registry
	if a.cfg.Server.Metrics {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		for _, c := range store.collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
		m, err := oauth.NewHTTPMetrics(reg)
		if err != nil {
			return nil, err
		}
		handler.SetMetrics(m)
	}

	r := handler.Routes()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if store.postgres != nil {
		r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := context.WithTimeout(req.Context(), srv.Config.StoreTimeout)
			defer cancel()
			if err := store.postgres.Pool().Ping(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
	}
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return r, nil
}
