package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/api"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/log"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/orchestrator"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/store"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/toolchain"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/warm"
	"github.com/forever8896/web3summit-hackaton-pop-server/internal/workspace"
)

const shutdownGrace = 15 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx,
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)

	tc := toolchain.New(config.Toolchain, nil)
	ws := workspace.NewManager(config.Workspace.Root)
	st := store.New(config.Jobs.RetainBytes)
	orch := orchestrator.New(ctx, st, ws, tc, config.Jobs.MaxConcurrent)

	warmer, err := warm.New(ctx, config.Warm, tc, ws)
	if err != nil {
		return fmt.Errorf("configuring cache warming: %w", err)
	}
	if warmer != nil {
		warmer.Start()
		defer func() {
			if err := warmer.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "stopping cache warming", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:        config.Listen,
		Handler:     api.NewServer(st, orch, tc, ws).Router(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", config.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.ErrorContext(ctx, "http shutdown", "error", err)
	}

	// running jobs observe the root context and fail as canceled
	orch.Wait()
	return nil
}

func doWarm(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx,
		slog.String("cmd", "warm"),
		slog.Int("pid", os.Getpid()),
	)

	tc := toolchain.New(config.Toolchain, nil)
	ws := workspace.NewManager(config.Workspace.Root)
	return warm.Once(ctx, tc, ws)
}
