package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/salonkit/salonsync/internal/store/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the local database schema",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending schema versions",
	Args:  cobra.NoArgs,
	RunE:  runMigrateStatus,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll the schema back to a target version",
	Long: `Down reverses applied migrations from the head until the schema is at
--to. Rolling back drops the tables those migrations created, including
any queued operations and cached records they hold.`,
	Args: cobra.NoArgs,
	RunE: runMigrateDown,
}

var migrateDownTo int64

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd, migrateUpCmd, migrateDownCmd)

	migrateDownCmd.Flags().Int64Var(&migrateDownTo, "to", 0,
		"Target schema version (0 reverses everything)")
}

func newRunner() (*migrate.Runner, error) {
	return migrate.NewRunner(apiClient.Store.DB(), migrate.Builtin(), logger)
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	runner, err := newRunner()
	if err != nil {
		return err
	}

	applied, err := runner.Applied(ctx)
	if err != nil {
		return err
	}
	current, err := runner.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	appliedSet := make(map[int64]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"current": current,
			"applied": applied,
		})
		return nil
	}

	printInfo("Current schema version: %d", current)
	for _, m := range migrate.Builtin() {
		if appliedSet[m.Version] {
			printSuccess("  [x] %3d %s", m.Version, m.Name)
		} else {
			printWarning("  [ ] %3d %s", m.Version, m.Name)
		}
	}
	return nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	runner, err := newRunner()
	if err != nil {
		return err
	}

	start := time.Now()
	applied, err := runner.ApplyPending(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"applied":  applied,
			"duration": time.Since(start).String(),
		})
		return nil
	}

	if len(applied) == 0 {
		printSuccess("Schema already current")
		return nil
	}
	for _, rec := range applied {
		printSuccess("Applied %3d %s", rec.Version, rec.Name)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	runner, err := newRunner()
	if err != nil {
		return err
	}

	current, err := runner.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if migrateDownTo >= current {
		return fmt.Errorf("schema is at version %d, nothing to roll back", current)
	}

	if err := runner.Rollback(ctx, migrateDownTo); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "version": migrateDownTo})
		return nil
	}
	printSuccess("Schema rolled back to version %d", migrateDownTo)
	return nil
}
