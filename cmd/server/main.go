// Package main is the entrypoint for the reviewpipe API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/reviewpipe/internal/api"
	"github.com/kiranshivaraju/reviewpipe/internal/api/handler"
	mw "github.com/kiranshivaraju/reviewpipe/internal/api/middleware"
	"github.com/kiranshivaraju/reviewpipe/internal/api/response"
	"github.com/kiranshivaraju/reviewpipe/internal/app"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/internal/producer"
	"github.com/kiranshivaraju/reviewpipe/internal/status"
	"github.com/kiranshivaraju/reviewpipe/internal/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"queue", cfg.Queue.Backend,
		"ai_provider", cfg.AI.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	prod := producer.New(deps.Store, deps.Queue, cfg.Queue.PriorityThreshold)
	statusSvc := status.NewService(deps.Store, status.WithMirror(deps.Cache))

	router := api.NewRouter(api.Dependencies{
		Identity:  mw.NewIdentity(deps.Store),
		RateLimit: mw.NewRateLimit(deps.Cache, cfg.Server.RequestsPerMin),

		HealthHandler: healthHandler(map[string]pinger{
			"database": deps.Store,
			"cache":    deps.Cache,
			"queue":    deps.Queue,
		}),
		SubmitHandler: handler.NewSubmitHandler(prod),
		GetHandler:    handler.NewGetHandler(statusSvc),
		ListHandler:   handler.NewListHandler(statusSvc),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Long-poll requests hold the connection for up to status.MaxTimeout.
		WriteTimeout: status.MaxTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// A memory queue lives in this process only, so its consumers must too.
	var pool *worker.Pool
	if cfg.Queue.Backend == "memory" {
		p, err := app.NewPipeline(cfg, deps.Store, deps.Cache)
		if err != nil {
			return err
		}
		pool = worker.New(deps.Queue, p, deps.Store, app.WorkerConfig(cfg))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
		slog.Info("embedded workers enabled", "concurrency", cfg.Worker.Concurrency)
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler pings every dependency and reports each one as ok or degraded.
func healthHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		degraded := false
		for name, dep := range deps {
			checks[name] = "ok"
			if err := dep.Ping(ctx); err != nil {
				slog.Warn("health check failed", "dependency", name, "error", err)
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
