package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/salonkit/salonsync/internal/models"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve conflicts awaiting a manual decision",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity> <entity-id>",
	Short: "Resolve an open conflict",
	Long: `Resolve applies a decision to a conflict surfaced by a previous sync.
The decision is one of client_wins, server_wins, latest_wins, or manual.
A manual decision requires --data with the merged record JSON.`,
	Example: `  salonsync resolve appointment apt-91 --decision client_wins
  salonsync resolve ticket tkt-17 --decision manual --data merged.json`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

var (
	resolveDecision string
	resolveDataFile string
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveDecision, "decision", "d", "",
		"Resolution strategy (required)")
	resolveCmd.Flags().StringVar(&resolveDataFile, "data", "",
		"File with merged record JSON, required for --decision manual")

	_ = resolveCmd.MarkFlagRequired("decision")
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Conflicts are detected during a cycle, so run one first.
	if err := apiClient.Sync.SyncAll(ctx); err != nil {
		printWarning("Sync failed, showing conflicts found so far: %v", err)
	}

	conflicts := apiClient.Sync.Conflicts()
	if jsonOutput {
		printJSON(conflicts)
		return nil
	}

	if len(conflicts) == 0 {
		printSuccess("No open conflicts")
		return nil
	}

	for _, c := range conflicts {
		printWarning("%s/%s  local v%d vs server v%d  (suggested: %s)",
			c.Entity, c.EntityID, c.ClientVersion, c.ServerVersion, c.Suggested)
		printInfo("  local:  %s", compactJSON(c.ClientData))
		printInfo("  server: %s", compactJSON(c.ServerData))
	}
	printInfo("\nResolve with: salonsync resolve <entity> <entity-id> --decision <strategy>")
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	decision := models.ConflictStrategy(resolveDecision)
	if !decision.Valid() {
		return fmt.Errorf("invalid decision: %s", resolveDecision)
	}

	var merged json.RawMessage
	if resolveDataFile != "" {
		data, err := os.ReadFile(resolveDataFile)
		if err != nil {
			return fmt.Errorf("read merged data: %w", err)
		}
		merged = data
	}

	entity, entityID := models.EntityType(args[0]), args[1]

	var target *models.Conflict
	for _, c := range apiClient.Sync.Conflicts() {
		if c.Entity == entity && c.EntityID == entityID {
			conflict := c
			target = &conflict
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no open conflict for %s/%s (run 'salonsync conflicts' first)",
			entity, entityID)
	}

	err := apiClient.Sync.ResolveConflict(ctx, &models.ResolveRequest{
		Conflict:   *target,
		Resolution: decision,
		MergedData: merged,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":   true,
			"entity":    entity,
			"entity_id": entityID,
			"decision":  decision,
		})
		return nil
	}
	printSuccess("Conflict on %s/%s resolved (%s)", entity, entityID, decision)
	return nil
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(deleted)"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	out := buf.String()
	if len(out) > 120 {
		return out[:117] + "..."
	}
	return out
}
