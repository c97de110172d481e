package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jihu_proxy/internal/httpapi"
	"jihu_proxy/internal/utils"
)

const shutdownTimeout = 30 * time.Second

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd)
		},
	}
}

func (a *app) runServe(cmd *cobra.Command) error {
	logger := utils.NewLogger("server")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := httpapi.NewDependencies(ctx, a.cfg)
	if err != nil {
		return err
	}

	deps.Accounts.StartSessionSweeper(ctx, a.cfg.Auth.SessionCleanupInterval)

	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 30 * time.Second,
		// no WriteTimeout: streamed completions can outlive any fixed bound
		IdleTimeout: 120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("jihu-proxy listening", "addr", server.Addr, "coderider", a.cfg.Upstream.CodeRiderHost)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		_ = deps.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "err", err)
	}
	// flushes the usage log before the database goes away
	if err := deps.Close(shutdownCtx); err != nil {
		logger.Error("failed to release dependencies", "err", err)
	}

	logger.Info("server exited")
	return nil
}
