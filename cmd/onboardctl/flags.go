package main

import (
	"github.com/boddenberg/payee-onboarding-go/internal/config"

	"github.com/spf13/cobra"
)

func flagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "Print the effective feature flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			flags, err := config.LoadFlags(cfg.FlagsFile)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), flags.Map())
		},
	}
}
