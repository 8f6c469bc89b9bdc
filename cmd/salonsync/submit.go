package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/salonkit/salonsync/internal/models"
)

var submitCmd = &cobra.Command{
	Use:   "submit <entity> <action> [entity-id]",
	Short: "Queue a local mutation for delivery",
	Long: `Submit records a create, update, or delete locally and appends it to
the operation queue. The payload is read from --file or stdin for
creates and updates. Mostly useful for scripting and testing; POS
screens call the same API in process.`,
	Example: `  salonsync submit client create < new-client.json
  salonsync submit appointment update apt-91 --file apt.json --base-version 3
  salonsync submit service delete svc-12 --base-version 1`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSubmit,
}

var (
	submitFile        string
	submitBaseVersion int64
	submitPriority    int
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "",
		"Payload JSON file (default stdin)")
	submitCmd.Flags().Int64Var(&submitBaseVersion, "base-version", 0,
		"Version of the record the mutation is based on")
	submitCmd.Flags().IntVar(&submitPriority, "priority", models.PriorityDefault,
		"Drain priority, lower first")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := apiClient.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	entity := models.EntityType(args[0])
	action := models.Action(args[1])
	var entityID string
	if len(args) == 3 {
		entityID = args[2]
	}

	var payload json.RawMessage
	if action != models.ActionDelete {
		data, err := readPayload()
		if err != nil {
			return err
		}
		payload = data
	}

	op := models.NewOperation(entity, action, entityID, payload, submitBaseVersion)
	op.Priority = submitPriority

	// Creates without an id get a provisional one so the local record
	// is usable immediately. Push rewrites it to the server's id.
	if action == models.ActionCreate && op.EntityID == "" {
		op.EntityID = op.ID
	}

	if err := apiClient.Submit(ctx, op); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":      true,
			"operation_id": op.ID,
			"entity_id":    op.EntityID,
		})
		return nil
	}
	printSuccess("Queued %s %s as operation %s", action, entity, op.ID)
	return nil
}

func readPayload() (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if submitFile != "" {
		data, err = os.ReadFile(submitFile)
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}
