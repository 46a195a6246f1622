// Package app wires the shared infrastructure used by every binary: the job
// store, the Redis client behind the queue and cache, and the pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/reviewpipe/internal/ai"
	"github.com/kiranshivaraju/reviewpipe/internal/ai/provider"
	"github.com/kiranshivaraju/reviewpipe/internal/cache"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/internal/pipeline"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/staticanalysis"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Deps holds the opened infrastructure. Close releases it in reverse order.
type Deps struct {
	Store store.Store
	Queue queue.Backend
	Cache *cache.RedisCache

	closers []func() error
}

// Open connects the store (running migrations for Postgres), Redis and the
// queue backend selected by cfg.
func Open(ctx context.Context, cfg *config.Config) (*Deps, error) {
	d := &Deps{}

	st, err := openStore(ctx, cfg.Database, d)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = st

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	d.closers = append(d.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d.Cache = cache.NewRedisCacheFromClient(client)
	slog.Info("redis connected")

	switch cfg.Queue.Backend {
	case "memory":
		mem := queue.NewMemoryBackend(QueueOptions(cfg.Queue))
		d.closers = append(d.closers, mem.Close)
		d.Queue = mem
	default:
		// Shares the client, whose Close is already registered.
		d.Queue = queue.NewRedisBackendFromClient(client, QueueOptions(cfg.Queue))
	}
	slog.Info("queue ready", "backend", cfg.Queue.Backend)

	return d, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, d *Deps) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		d.closers = append(d.closers, st.Close)
		slog.Info("sqlite store opened", "path", cfg.SQLitePath)
		return st, nil
	default:
		pool, err := store.Connect(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		d.closers = append(d.closers, func() error { pool.Close(); return nil })
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.URL, cfg.MigrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		return store.NewPostgresStore(pool), nil
	}
}

// Close releases everything Open acquired. It is safe on a partially opened Deps.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// QueueOptions maps queue config onto backend options.
func QueueOptions(cfg config.QueueConfig) queue.Options {
	return queue.Options{
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
		},
		PriorityThreshold: cfg.PriorityThreshold,
		KeepCompleted:     cfg.KeepCompleted,
		KeepFailed:        cfg.KeepFailed,
	}
}

// NewPipeline builds the static analyzer and AI reviewer selected by cfg.
func NewPipeline(cfg *config.Config, st store.Store, ca cache.Cache) (*pipeline.Pipeline, error) {
	analyzer, err := staticanalysis.New(cfg.Static)
	if err != nil {
		return nil, fmt.Errorf("create static analyzer: %w", err)
	}

	p, err := provider.New(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	reviewer := ai.NewReviewer(p, cfg.AI.InferenceTimeout, cfg.AI.MaxInputTokens)
	slog.Info("pipeline initialized",
		"static_analyzer", analyzer.Name(),
		"ai_provider", p.Name())

	return pipeline.New(st, analyzer, reviewer, ca, cfg.Static.Timeout), nil
}

// WorkerConfig maps process config onto worker pool settings.
func WorkerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		DequeueWait:  cfg.Queue.DequeueWait,
		DrainTimeout: cfg.Worker.DrainTimeout,
		Retention:    cfg.Worker.Retention,
		SweepEvery:   cfg.Worker.RetentionSweepEvery,
	}
}
