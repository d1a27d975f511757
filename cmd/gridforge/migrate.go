package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/GridForge/internal/adapter/postgres"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := postgres.RunMigrations(context.Background(), cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		cmd.Println("migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := postgres.RollbackMigrations(context.Background(), cfg.Postgres.DSN, migrateSteps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		cmd.Printf("rolled back %d migration(s)\n", migrateSteps)
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		cmd.Println(v)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "Number of migrations to roll back")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}
