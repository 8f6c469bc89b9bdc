package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of mutation an operation carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// OperationStatus tracks a queued operation's lifecycle.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusSyncing   OperationStatus = "syncing"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Operation priorities. Lower value drains first.
const (
	PriorityPayment  = 0  // payment completion, refunds
	PriorityCheckout = 10 // ticket open/close
	PriorityDefault  = 50
	PriorityMetadata = 90 // background edits, notes
)

// DefaultMaxRetries bounds server-error retries before an operation is
// parked as failed.
const DefaultMaxRetries = 5

// SyncOperation is one queued local mutation. The ID doubles as the
// idempotency key on the wire; the record never changes after Enqueue,
// retries resend it verbatim.
type SyncOperation struct {
	ID          string          `json:"id"`
	Entity      EntityType      `json:"entity"`
	Action      Action          `json:"action"`
	EntityID    string          `json:"entity_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	ClientTime  time.Time       `json:"client_time"`

	// Queue bookkeeping, not sent to the server.
	Priority     int             `json:"-"`
	Status       OperationStatus `json:"-"`
	ErrorMessage string          `json:"-"`
	RetryCount   int             `json:"-"`
	MaxRetries   int             `json:"-"`
	CreatedAt    time.Time       `json:"-"`
	UpdatedAt    time.Time       `json:"-"`
	CompletedAt  *time.Time      `json:"-"`
}

// NewOperation builds a pending operation with a fresh idempotency key.
// MaxRetries is left zero; the configured budget is stamped when the
// operation is submitted or enqueued.
func NewOperation(entity EntityType, action Action, entityID string, payload json.RawMessage, baseVersion int64) *SyncOperation {
	now := time.Now().UTC()
	return &SyncOperation{
		ID:          uuid.NewString(),
		Entity:      entity,
		Action:      action,
		EntityID:    entityID,
		Payload:     payload,
		BaseVersion: baseVersion,
		ClientTime:  now,
		Priority:    PriorityDefault,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the operation invariants before it is accepted into
// the queue.
func (op *SyncOperation) Validate() error {
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("operation id is required")
	}
	if !op.Entity.Valid() {
		return fmt.Errorf("unknown entity type: %s", op.Entity)
	}

	switch op.Action {
	case ActionCreate:
		if len(op.Payload) == 0 {
			return fmt.Errorf("create operation requires a payload")
		}
	case ActionUpdate:
		if op.EntityID == "" {
			return fmt.Errorf("update operation requires an entity id")
		}
		if len(op.Payload) == 0 {
			return fmt.Errorf("update operation requires a payload")
		}
	case ActionDelete:
		if op.EntityID == "" {
			return fmt.Errorf("delete operation requires an entity id")
		}
	default:
		return fmt.Errorf("unknown action: %s", op.Action)
	}

	if len(op.Payload) > 0 {
		if _, err := DecodePayload(op.Entity, op.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Terminal reports whether the operation has left the queue's active set.
func (op *SyncOperation) Terminal() bool {
	return op.Status == StatusCompleted || op.Status == StatusFailed
}

// OperationResult is the per-operation outcome of a push attempt.
type OperationResult struct {
	OperationID string        `json:"operation_id"`
	Success     bool          `json:"success"`
	EntityID    string        `json:"entity_id,omitempty"`
	SyncVersion int64         `json:"sync_version,omitempty"`
	Error       *SyncAPIError `json:"error,omitempty"`
	Conflict    *Conflict     `json:"conflict,omitempty"`
}

// PushRequest ships a batch of queued operations to the backend.
type PushRequest struct {
	StoreID    string           `json:"store_id"`
	DeviceID   string           `json:"device_id,omitempty"`
	Operations []*SyncOperation `json:"operations"`
}

// PushResponse reports the outcome for every operation in the batch.
type PushResponse struct {
	Results         []OperationResult `json:"results"`
	Success         bool              `json:"success"`
	SuccessCount    int               `json:"success_count"`
	FailureCount    int               `json:"failure_count"`
	ConflictCount   int               `json:"conflict_count"`
	ServerTimestamp time.Time         `json:"server_timestamp"`
}

// PullRequest asks for remote changes since per-entity checkpoints.
type PullRequest struct {
	StoreID  string               `json:"store_id"`
	DeviceID string               `json:"device_id,omitempty"`
	Since    map[EntityType]int64 `json:"since,omitempty"`
	Entities []EntityType         `json:"entities,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
}

// PullResponse carries one delta per requested entity type.
type PullResponse struct {
	Changes          []EntityChanges `json:"changes"`
	ServerTimestamp  time.Time       `json:"server_timestamp"`
	LastSyncAt       time.Time       `json:"last_sync_at,omitempty"`
	RequiresFullSync bool            `json:"requires_full_sync,omitempty"`
}

// ResolveRequest escalates a manual conflict decision to the backend.
// MergedData is set only when the caller hand-edited a merge.
type ResolveRequest struct {
	Conflict   Conflict         `json:"conflict"`
	Resolution ConflictStrategy `json:"resolution"`
	MergedData json.RawMessage  `json:"merged_data,omitempty"`
}

// ResolveResponse acknowledges a resolution and carries the version the
// resolved record now has server-side.
type ResolveResponse struct {
	Success     bool  `json:"success"`
	SyncVersion int64 `json:"sync_version"`
}
