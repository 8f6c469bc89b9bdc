package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/salonkit/salonsync/internal/models"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state, checkpoints, and local record counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false,
		"keep printing state transitions until interrupted")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := printStatus(ctx, apiClient.Sync.State()); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}

	states, unsubscribe := apiClient.Sync.Subscribe()
	defer unsubscribe()
	// Drop the snapshot Subscribe delivers; it was just printed.
	<-states

	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}
			fmt.Println()
			if err := printStatus(ctx, state); err != nil {
				return err
			}
		}
	}
}

func printStatus(ctx context.Context, state models.SyncState) error {
	checkpoints, err := apiClient.Store.Checkpoints(ctx)
	if err != nil {
		return err
	}

	counts := make(map[models.EntityType]int64, len(models.AllEntityTypes))
	for _, entity := range models.AllEntityTypes {
		n, err := apiClient.Store.CountRecords(ctx, entity)
		if err != nil {
			return err
		}
		counts[entity] = n
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"state":       state,
			"checkpoints": checkpoints,
			"records":     counts,
		})
		return nil
	}

	printInfo("Store:   %s", cfg.StoreID)
	printInfo("Status:  %s", state.Status)
	if !state.LastSyncAt.IsZero() {
		printInfo("Last sync: %s", state.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		printInfo("Last sync: never")
	}
	printInfo("Pending operations: %d", state.PendingCount)
	if state.OpenConflicts > 0 {
		printWarning("Open conflicts: %d", state.OpenConflicts)
	}
	if state.LastError != "" {
		printWarning("Last error: %s", state.LastError)
	}

	fmt.Println()
	printInfo("%-12s %10s %12s", "ENTITY", "RECORDS", "CHECKPOINT")
	for _, entity := range models.AllEntityTypes {
		printInfo("%-12s %10d %12d", entity, counts[entity], checkpoints[entity])
	}
	return nil
}
