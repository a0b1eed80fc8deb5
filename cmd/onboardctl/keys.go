package main

import (
	"fmt"

	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/service"

	"github.com/spf13/cobra"
)

func checkKeysCmd() *cobra.Command {
	var clientKey string
	cmd := &cobra.Command{
		Use:   "check-keys",
		Short: "Verify the configured provider keys target one environment",
		Long: `Check that PROVIDER_PUBLISHABLE_KEY and PROVIDER_SECRET_KEY belong to the
same environment (sandbox or production). With --client, also check a client
publishable key against the server's environment.

Key values are never printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			guard, err := service.NewEnvironmentGuard(cfg.ProviderPublishableKey, cfg.ProviderSecretKey, observability.NewMetrics(), newLogger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server keys ok: %s\n", guard.Mode())

			if clientKey == "" {
				return nil
			}
			if err := guard.Check(clientKey); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "client key ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&clientKey, "client", "", "client publishable key to check")
	return cmd
}
