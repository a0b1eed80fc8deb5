package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return id, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [user-id]",
		Short: "Show a payee's stored readiness (no provider call)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			ready, err := a.Onboarding.IsPaymentReady(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ready)
		},
	}
}

func reconcileCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Re-validate a payee's readiness against the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if maxAge > 0 {
				snap, err := a.Onboarding.EnsureFreshReadiness(ctx, userID, maxAge)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			}
			snap, err := a.Onboarding.Reconcile(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "skip the provider call when the mirror is younger than this")
	return cmd
}

func awaitReadyCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "await-ready [user-id]",
		Short: "Poll until a payee becomes payment-ready or the budget runs out",
		Long: `Reconcile repeatedly with exponential backoff (POLL_INTERVAL, POLL_MAX_INTERVAL,
POLL_MAX_ATTEMPTS) until the payee is payment-ready. Exits non-zero when the
attempt budget or --timeout is exhausted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.Poller().Await(ctx, userID)
			if snap != nil {
				if perr := printJSON(cmd.OutOrStdout(), snap); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall deadline")
	return cmd
}
