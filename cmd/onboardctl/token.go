package main

import (
	"fmt"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/service"

	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		role      string
		tokenType string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Mint a token for local testing",
		Long: `Mint a token signed with JWT_SECRET. Production tokens come from the
identity subsystem; this is for local development only.

Examples:
  onboardctl token 42 --role contractor
  onboardctl token disbursements --type service`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenType != service.TokenTypeAccess && tokenType != service.TokenTypeService {
				return fmt.Errorf("unknown token type %q", tokenType)
			}
			cfg := loadConfig()
			v := service.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
			tok, err := v.Sign(args[0], role, tokenType, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role claim (contractor, business)")
	cmd.Flags().StringVar(&tokenType, "type", service.TokenTypeAccess, "token type (access, service)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
