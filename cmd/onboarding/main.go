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

	"github.com/boddenberg/payee-onboarding-go/internal/app"
	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"

	"go.uber.org/zap"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	_ = config.LoadDotEnv(".env")
	cfg := config.Load()

	logger := observability.NewLogger(cfg.LogLevel)
	err := run(cfg, logger)
	if err != nil {
		logger.Error("payee onboarding exited", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("provider_api_url", cfg.ProviderAPIURL),
		zap.Duration("provider_timeout", cfg.ProviderTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("readiness_freshness", cfg.ReadinessFreshness),
	)

	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "payee-onboarding")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracer(ctx)
	}()

	// A mismatched server key pair fails here, before any traffic is accepted.
	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	application, err := app.New(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	defer application.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           application.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
