package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending PostgreSQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.Database.Driver == DriverBolt {
			return errors.New("migrations only apply to the postgres driver")
		}
		return db.RunMigrations(config.Database.Url, config.Database.Schema)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.Database.Driver == DriverBolt {
			return errors.New("migrations only apply to the postgres driver")
		}
		return db.MigrationStatus(config.Database.Url, config.Database.Schema)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage enrollment tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a one-time enrollment token",
	Long: `Create a one-time enrollment token for an organization.

The secret is printed once and cannot be recovered later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		label, _ := cmd.Flags().GetString("label")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		createdBy, _ := cmd.Flags().GetString("created-by")

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		app, err := newApplication(ctx, config)
		if err != nil {
			return err
		}
		defer app.Close()

		token, secret, err := app.provisioning.CreateToken(ctx, orgID, label, createdBy, ttl)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Token ID:   %s\n", token.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Org ID:     %s\n", token.OrgID)
		fmt.Fprintf(cmd.OutOrStdout(), "Expires at: %s\n", token.ExpiresAt.Format(time.RFC3339))
		fmt.Fprintf(cmd.OutOrStdout(), "Secret:     %s\n", secret)
		return nil
	},
}

var operatorTokenCmd = &cobra.Command{
	Use:   "operator-token",
	Short: "Sign an operator API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		orgID, _ := cmd.Flags().GetString("org")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if role != auth.RoleAdmin && role != auth.RoleOperator {
			return fmt.Errorf("invalid role %q (valid: %s, %s)", role, auth.RoleAdmin, auth.RoleOperator)
		}
		if userID == "" {
			userID = uuid.NewString()
		}

		token, err := auth.SignToken(config.Auth, userID, orgID, role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)

	tokenCreateCmd.Flags().String("org", "", "organization the token enrolls nodes into")
	tokenCreateCmd.Flags().String("label", "", "free-form label")
	tokenCreateCmd.Flags().Duration("ttl", 0, "token lifetime (default enrollment.default_ttl)")
	tokenCreateCmd.Flags().String("created-by", "cli", "creator recorded on the token")
	_ = tokenCreateCmd.MarkFlagRequired("org")
	tokenCmd.AddCommand(tokenCreateCmd)

	operatorTokenCmd.Flags().String("user", "", "user id (random when empty)")
	operatorTokenCmd.Flags().String("org", "", "organization the operator acts for")
	operatorTokenCmd.Flags().String("role", auth.RoleOperator, "admin or operator")
	operatorTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = operatorTokenCmd.MarkFlagRequired("org")
}
