package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/salonkit/salonsync/internal/models"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a push-then-pull cycle against the backend",
	Long: `Sync drains the local operation queue to the server, then pulls
server-side changes since the last checkpoint. With --watch the cycle
repeats on the configured interval until interrupted.`,
	Example: `  salonsync sync
  salonsync sync --entity appointment
  salonsync sync --watch --interval 15s`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncEntity   string
	syncWatch    bool
	syncInterval time.Duration
	syncFull     bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncEntity, "entity", "e", "",
		"Limit the pull phase to one entity type")
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep syncing on an interval until interrupted")
	syncCmd.Flags().DurationVar(&syncInterval, "interval", 0,
		"Cycle interval for --watch (default from config)")
	syncCmd.Flags().BoolVar(&syncFull, "full", false,
		"Discard checkpoints and re-pull every entity from scratch")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if syncFull {
		if err := apiClient.Store.ResetCheckpoints(ctx); err != nil {
			return fmt.Errorf("reset checkpoints: %w", err)
		}
		if !jsonOutput {
			printWarning("Checkpoints cleared, pulling full history")
		}
	}

	if syncWatch {
		return runSyncWatch(ctx)
	}
	return runSyncOnce(ctx)
}

func runSyncOnce(ctx context.Context) error {
	start := time.Now()
	var err error
	if syncEntity != "" {
		err = apiClient.Sync.SyncEntity(ctx, models.EntityType(syncEntity))
	} else {
		err = apiClient.Sync.SyncAll(ctx)
	}

	state := apiClient.Sync.State()
	if jsonOutput {
		result := map[string]interface{}{
			"success":  err == nil,
			"duration": time.Since(start).String(),
			"state":    state,
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
		return err
	}

	if err != nil {
		return err
	}

	printSuccess("Sync completed in %s", time.Since(start).Round(time.Millisecond))
	if state.PendingCount > 0 {
		printWarning("%d operation(s) still pending", state.PendingCount)
	}
	if state.OpenConflicts > 0 {
		printWarning("%d conflict(s) need manual resolution, see 'salonsync conflicts'",
			state.OpenConflicts)
	}
	return nil
}

func runSyncWatch(ctx context.Context) error {
	states, unsubscribe := apiClient.Sync.Subscribe()
	defer unsubscribe()

	go func() {
		for state := range states {
			if jsonOutput {
				printJSON(state)
				continue
			}
			line := fmt.Sprintf("status=%s pending=%d", state.Status, state.PendingCount)
			if state.OpenConflicts > 0 {
				line += fmt.Sprintf(" conflicts=%d", state.OpenConflicts)
			}
			if state.LastError != "" {
				line += " error=" + state.LastError
			}
			printInfo("%s", line)
		}
	}()

	apiClient.Sync.StartAutoSync(syncInterval)
	apiClient.Sync.StartNotifier(ctx)

	<-ctx.Done()
	if !jsonOutput {
		printWarning("Interrupted, stopping")
	}
	apiClient.Sync.StopAutoSync()
	return nil
}
