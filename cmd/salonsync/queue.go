package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/salonkit/salonsync/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the local operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show operations awaiting delivery, in drain order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Show operations that exhausted their retry budget",
	Args:  cobra.NoArgs,
	RunE:  runQueueFailed,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Put a failed operation back in play with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueListLimit int

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueFailedCmd, queueRetryCmd)

	queueListCmd.Flags().IntVarP(&queueListLimit, "limit", "n", 50,
		"Maximum operations to show (0 for all)")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	ops, err := apiClient.Queue.Pending(ctx, queueListLimit)
	if err != nil {
		return err
	}
	return printOperations(ops, "No pending operations")
}

func runQueueFailed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	ops, err := apiClient.Queue.Failed(ctx)
	if err != nil {
		return err
	}
	return printOperations(ops, "No failed operations")
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	id := args[0]
	if err := apiClient.Queue.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "id": id})
		return nil
	}
	printSuccess("Operation %s queued for retry", id)
	return nil
}

func printOperations(ops []*models.SyncOperation, emptyMsg string) error {
	if jsonOutput {
		printJSON(ops)
		return nil
	}

	if len(ops) == 0 {
		printInfo("%s", emptyMsg)
		return nil
	}

	printInfo("%-36s %-12s %-8s %-8s %5s %7s  %s",
		"ID", "ENTITY", "ACTION", "STATUS", "PRIO", "RETRIES", "QUEUED")
	for _, op := range ops {
		line := fmt.Sprintf("%-36s %-12s %-8s %-8s %5d %3d/%-3d  %s",
			op.ID, op.Entity, op.Action, op.Status, op.Priority,
			op.RetryCount, op.MaxRetries,
			op.CreatedAt.Local().Format(time.DateTime))
		if op.Status == models.StatusFailed {
			printWarning("%s", line)
			if op.ErrorMessage != "" {
				printWarning("  %s", op.ErrorMessage)
			}
		} else {
			printInfo("%s", line)
		}
	}
	return nil
}
