package main

import (
	"errors"
	"fmt"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/postgres"

	"github.com/spf13/cobra"
)

func seedUserCmd() *cobra.Command {
	var u domain.PlatformUser
	var role string
	cmd := &cobra.Command{
		Use:   "seed-user [user-id]",
		Short: "Insert or update a platform user in a local Postgres database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			u.ID = id
			u.Role = domain.Role(role)
			if _, err := u.AccountKind(); err != nil {
				return err
			}
			if u.Email == "" {
				return errors.New("--email is required")
			}

			url, err := databaseURL()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, url, newLogger())
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.NewUserDirectory(pool).UpsertUser(ctx, &u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d saved\n", u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleContractor), "platform role (contractor, business)")
	cmd.Flags().StringVar(&u.Email, "email", "", "email address")
	cmd.Flags().StringVar(&u.FirstName, "first-name", "", "first name (contractors)")
	cmd.Flags().StringVar(&u.LastName, "last-name", "", "last name (contractors)")
	cmd.Flags().StringVar(&u.CompanyName, "company", "", "company name (businesses)")
	return cmd
}
