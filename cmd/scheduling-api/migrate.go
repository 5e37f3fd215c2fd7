package main

import (
	"context"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/befree-health/scheduling-api/pkg/config"
	"github.com/befree-health/scheduling-api/pkg/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
				if err := database.MigrateUp(m); err != nil {
					return err
				}
				fmt.Println("Migrations applied.")
				return nil
			})
		},
	})

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			return withMigrator(cmd.Context(), func(m *migrate.Migrate) error {
				if err := database.MigrateDown(m, steps); err != nil {
					return err
				}
				fmt.Printf("Rolled back %d migration(s).\n", steps)
				return nil
			})
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(downCmd)

	return cmd
}

func withMigrator(ctx context.Context, fn func(*migrate.Migrate) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	m, err := database.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer m.Close() //nolint:errcheck

	return fn(m)
}
