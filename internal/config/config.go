package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Payment provider
	ProviderAPIURL         string
	ProviderSecretKey      string
	ProviderPublishableKey string
	ProviderAPIVersion     string
	ProviderTimeout        time.Duration

	// ProviderFlightTimeout bounds one shared create or reconcile, retries
	// included. Zero derives it from ProviderTimeout and the retry policy.
	ProviderFlightTimeout time.Duration

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Storage
	StoreBackend string
	DatabaseURL  string
	AutoMigrate  bool
	StoreTimeout time.Duration

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// User directory cache
	UserCacheSize int
	UserCacheTTL  time.Duration

	// Readiness
	ReadinessFreshness  time.Duration
	PollMaxAttempts     int
	PollInterval        time.Duration
	PollMaxInterval     time.Duration
	ReconcileMaxRetries int

	// Observability
	OTLPEndpoint string

	// JWT issued by the identity subsystem
	JWTSecret string
	JWTIssuer string

	// Feature flags file (YAML); empty means defaults.
	FlagsFile string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ProviderAPIURL:         getEnv("PROVIDER_API_URL", "https://api.stripe.com"),
		ProviderSecretKey:      getEnv("PROVIDER_SECRET_KEY", ""),
		ProviderPublishableKey: getEnv("PROVIDER_PUBLISHABLE_KEY", ""),
		ProviderAPIVersion:     getEnv("PROVIDER_API_VERSION", "2024-06-20"),
		ProviderTimeout:        getEnvDuration("PROVIDER_TIMEOUT", 8*time.Second),
		ProviderFlightTimeout:  getEnvDuration("PROVIDER_FLIGHT_TIMEOUT", 0),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AutoMigrate:  getEnvBool("AUTO_MIGRATE", true),
		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 5*time.Second),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),

		UserCacheSize: getEnvInt("USER_CACHE_SIZE", 10000),
		UserCacheTTL:  getEnvDuration("USER_CACHE_TTL", 5*time.Minute),

		ReadinessFreshness:  getEnvDuration("READINESS_FRESHNESS", 15*time.Minute),
		PollMaxAttempts:     getEnvInt("POLL_MAX_ATTEMPTS", 20),
		PollInterval:        getEnvDuration("POLL_INTERVAL", 3*time.Second),
		PollMaxInterval:     getEnvDuration("POLL_MAX_INTERVAL", 30*time.Second),
		ReconcileMaxRetries: getEnvInt("RECONCILE_MAX_RETRIES", 2),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		JWTSecret: getEnv("JWT_SECRET", "onboarding-default-dev-secret-change-me"),
		JWTIssuer: getEnv("JWT_ISSUER", "platform-identity"),

		FlagsFile: getEnv("FLAGS_FILE", ""),
	}
}

// Validate reports every problem at once so a misconfigured deploy fails with
// the full list rather than one field at a time.
func (c *Config) Validate() error {
	var errs []error
	if c.ProviderSecretKey == "" {
		errs = append(errs, errors.New("PROVIDER_SECRET_KEY is required"))
	}
	if c.ProviderPublishableKey == "" {
		errs = append(errs, errors.New("PROVIDER_PUBLISHABLE_KEY is required"))
	}
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for the supabase backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.ProviderFlightTimeout != 0 && c.ProviderFlightTimeout < c.ProviderTimeout {
		errs = append(errs, errors.New("PROVIDER_FLIGHT_TIMEOUT must be at least PROVIDER_TIMEOUT"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.PollMaxAttempts < 1 {
		errs = append(errs, errors.New("POLL_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
