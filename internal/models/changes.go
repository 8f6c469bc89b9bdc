package models

import (
	"encoding/json"
	"time"
)

// VersionedRecord is one entity row on the wire: the server-assigned id,
// the record fields, the sync version the server stamped on its last
// accepted write, and when that write happened.
type VersionedRecord struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data"`
	SyncVersion int64           `json:"sync_version"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// EntityChanges is one entity type's delta since a checkpoint.
type EntityChanges struct {
	Entity      EntityType        `json:"entity"`
	Created     []VersionedRecord `json:"created,omitempty"`
	Updated     []VersionedRecord `json:"updated,omitempty"`
	DeletedIDs  []string          `json:"deleted_ids,omitempty"`
	SyncVersion int64             `json:"sync_version"`
	HasMore     bool              `json:"has_more,omitempty"`
}

// Empty reports whether the delta carries no work.
func (c *EntityChanges) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.DeletedIDs) == 0
}

// Count returns the number of records in the delta.
func (c *EntityChanges) Count() int {
	return len(c.Created) + len(c.Updated) + len(c.DeletedIDs)
}
