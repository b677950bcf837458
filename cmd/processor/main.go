package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"doc-rag/internal/app"
	"doc-rag/internal/httputil"
	"doc-rag/internal/lifecycle"
	"doc-rag/internal/queue"
)

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()
	deps.Log.Info("processor starting", "queue", deps.Config.QueueProvider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Run queue worker
	g.Go(func() error {
		return consume(ctx, deps, deps.Lifecycle())
	})

	// Run health check server
	g.Go(func() error {
		return httputil.ServeHealth(ctx, deps.Log, deps.Config.Port, "processor")
	})

	// Wait for either to fail
	if err := g.Wait(); err != nil {
		deps.Log.Error("processor stopped", "err", err)
	}
}

// consume drives process tasks through the lifecycle manager until ctx is done.
func consume(ctx context.Context, deps app.Deps, mgr *lifecycle.Manager) error {
	if deps.Config.QueueProvider == "local" {
		deps.Log.Warn("local queue in a standalone processor only sees its own tasks")
	}
	return deps.Queue.Worker(ctx, queue.TaskTypeProcess, mgr.HandleTask)
}
