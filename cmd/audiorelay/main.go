package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/audiorelay/internal/app"
	"github.com/ent0n29/audiorelay/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger := app.NewLogger(cfg, os.Stderr)

	built, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("build failed", "error", err)
		os.Exit(1)
	}
	cfg = built.Config
	logger.Info("providers resolved", "mode", built.Providers.Mode, "detail", built.Providers.Detail)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"recordings_dir", cfg.RecordingsDir,
			"max_message_bytes", cfg.MaxMessageBytes,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("listen error", "error", err)
		exitCode = 1
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	// Hijacked websocket connections are not tracked by http.Server; Cleanup
	// closes them and waits for their recordings to be finalized.
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
