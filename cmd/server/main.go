// Package main is the entry point for the Herald notification server.
//
// Import Path: herald.io/herald/cmd/server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"herald.io/herald/internal/app"
	"herald.io/herald/internal/config"
	"herald.io/herald/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "herald: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// The application context outlives the signal so that River and the
	// delivery pools drain after the listener has stopped.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	application, err := app.Bootstrap(appCtx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := application.Start(appCtx); err != nil {
		shutdownApp(cfg, application)
		return fmt.Errorf("start background services: %w", err)
	}
	logger.Info("Herald started",
		zap.Int("port", cfg.Server.Port),
		zap.String("dedupe_backend", cfg.Dedupe.Backend),
		zap.Bool("ingest_enabled", cfg.Ingest.Enabled),
		zap.Any("pools", application.Pools.Metrics()),
	)

	sigCtx, stop := signal.NotifyContext(appCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	serveErr := serve(sigCtx, cfg, &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      application.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	shutdownApp(cfg, application)
	logger.Info("Herald stopped")
	return serveErr
}

// serve runs srv until ctx is cancelled or the listener fails, then stops
// accepting requests and waits for in-flight handlers.
func serve(ctx context.Context, cfg *config.Config, srv *http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP listener started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Stopping HTTP listener")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func shutdownApp(cfg *config.Config, application *app.Application) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	application.Shutdown(ctx)
}
