// Command onboardctl is the operator CLI for the payee onboarding service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/boddenberg/payee-onboarding-go/internal/app"
	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

var (
	envFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "onboardctl",
		Short:         "Operate the payee onboarding service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkKeysCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(awaitReadyCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(seedUserCmd())
	return rootCmd
}

// loadConfig reads the same configuration the server does.
func loadConfig() *config.Config {
	_ = config.LoadDotEnv(envFile)
	return config.Load()
}

func newLogger() *zap.Logger {
	return observability.NewLogger(logLevel)
}

// openApp wires the full application against the configured backend.
func openApp(ctx context.Context) (*app.App, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, newLogger())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
