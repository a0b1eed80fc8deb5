// Package app wires configuration, stores, the provider client and the
// services together. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/handler"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/cache"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/client"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/memstore"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/postgres"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/resilience"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/supabase"
	"github.com/boddenberg/payee-onboarding-go/internal/port"
	"github.com/boddenberg/payee-onboarding-go/internal/service"
	"github.com/boddenberg/payee-onboarding-go/internal/versiongate"

	"go.uber.org/zap"
)

// App is the assembled object graph.
type App struct {
	Config  *config.Config
	Flags   config.Flags
	Logger  *zap.Logger
	Metrics *observability.Metrics

	Store    port.MirrorStore
	Users    port.UserDirectory
	Provider port.PaymentProvider

	Guard      *service.EnvironmentGuard
	Lifecycle  *service.AccountLifecycle
	Broker     *service.SessionBroker
	Evaluator  *service.ReadinessEvaluator
	Onboarding *service.OnboardingService
	Verifier   *service.TokenVerifier
	Gate       *versiongate.Gate

	closers []func()
}

// Option overrides a collaborator, mainly for tests.
type Option func(*App)

// WithStore uses the given stores instead of the configured backend.
func WithStore(store port.MirrorStore, users port.UserDirectory) Option {
	return func(a *App) {
		a.Store = store
		a.Users = users
	}
}

// WithProvider uses the given provider instead of the HTTP client.
func WithProvider(p port.PaymentProvider) Option {
	return func(a *App) { a.Provider = p }
}

// New builds the application. Key/environment mismatches are fatal here:
// a server whose own keys disagree never starts.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	flags, err := config.LoadFlags(cfg.FlagsFile)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Flags:   flags,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.Guard, err = service.NewEnvironmentGuard(cfg.ProviderPublishableKey, cfg.ProviderSecretKey, a.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("provider keys: %w", err)
	}

	rcfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	if a.Store == nil {
		if err := a.openStore(ctx, httpClient, rcfg); err != nil {
			a.Close()
			return nil, err
		}
	}
	if a.Provider == nil {
		a.Provider = client.NewProviderClient(
			&http.Client{Timeout: cfg.ProviderTimeout},
			cfg.ProviderAPIURL,
			cfg.ProviderSecretKey,
			cfg.ProviderAPIVersion,
			client.NewBreaker(),
			rcfg,
			a.Metrics,
			logger,
		)
	}

	userCache := cache.New[int64, *domain.PlatformUser](cfg.UserCacheSize, cfg.UserCacheTTL)
	createFlight, reconcileFlight := flightTimeouts(cfg, rcfg)
	a.Lifecycle = service.NewAccountLifecycle(a.Store, a.Users, a.Provider, userCache,
		service.LifecycleTimeouts{Flight: createFlight, Persist: cfg.StoreTimeout}, a.Metrics, logger)
	a.Broker = service.NewSessionBroker(a.Provider, flags, a.Metrics, logger)
	a.Evaluator = service.NewReadinessEvaluator(a.Store, a.Provider, time.Now, cfg.ReconcileMaxRetries, reconcileFlight, a.Metrics, logger)
	a.Onboarding = service.NewOnboardingService(a.Guard, a.Lifecycle, a.Broker, a.Evaluator, a.Store,
		flags, cfg.ReadinessFreshness, time.Now, logger)
	a.Verifier = service.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	a.Gate = versiongate.Default(a.Metrics, logger)

	logger.Info("application wired",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("provider_mode", string(a.Guard.Mode())),
		zap.Duration("create_flight_timeout", createFlight),
		zap.Duration("reconcile_flight_timeout", reconcileFlight),
		zap.Any("flags", flags.Map()),
	)
	return a, nil
}

// flightTimeouts sizes the detached create and reconcile flights. Each must
// outlast every provider retry, or a single hung attempt would use up the
// whole flight. A reconcile may also re-run after lost version races.
func flightTimeouts(cfg *config.Config, rcfg resilience.Config) (create, reconcile time.Duration) {
	if cfg.ProviderFlightTimeout > 0 {
		return cfg.ProviderFlightTimeout, cfg.ProviderFlightTimeout
	}
	perRun := rcfg.Budget(cfg.ProviderTimeout) + cfg.StoreTimeout
	return perRun, time.Duration(max(cfg.ReconcileMaxRetries, 0)+1) * perRun
}

func (a *App) openStore(ctx context.Context, httpClient *http.Client, rcfg resilience.Config) error {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.DatabaseURL, a.Logger); err != nil {
				return err
			}
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		a.Store = postgres.NewMirrorStore(pool)
		a.Users = postgres.NewUserDirectory(pool)

	case config.BackendSupabase:
		sb := supabase.NewClient(httpClient, cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseServiceKey,
			supabase.NewBreaker(), rcfg, a.Logger)
		a.Store = sb
		a.Users = sb

	case config.BackendMemory:
		a.Logger.Warn("using in-memory store; mirrors are lost on restart")
		mem := memstore.New()
		a.Store = mem
		a.Users = mem

	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

// Router returns the HTTP handler for the server binary.
func (a *App) Router() http.Handler {
	return handler.NewRouter(a.Onboarding, a.Verifier, a.Gate, a.Store, a.Metrics, a.Logger)
}

// Poller returns a readiness poller configured from the environment.
func (a *App) Poller() *service.ReadinessPoller {
	return service.NewReadinessPoller(a.Onboarding, service.PollConfig{
		MaxAttempts: a.Config.PollMaxAttempts,
		Interval:    a.Config.PollInterval,
		Multiplier:  1.5,
		MaxInterval: a.Config.PollMaxInterval,
	}, a.Logger)
}

// Close releases pooled resources.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
