// Package main is reviewctl, the operator CLI for reviewpipe.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/reviewpipe/internal/app"
	"github.com/kiranshivaraju/reviewpipe/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := newRootCmd(openFromEnv).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (*backends, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.Backend == "memory" {
		slog.Warn("QUEUE_BACKEND=memory: queue commands see an empty, private queue")
	}
	deps, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &backends{
		store:             deps.Store,
		queue:             deps.Queue,
		close:             deps.Close,
		priorityThreshold: cfg.Queue.PriorityThreshold,
	}, nil
}
