package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConflictStrategy selects how a version clash is resolved.
type ConflictStrategy string

const (
	// StrategyClientWins keeps local data but adopts the server's version
	// number, so the same conflict does not recur on the next cycle.
	StrategyClientWins ConflictStrategy = "client_wins"

	// StrategyServerWins replaces local data with the server's copy and
	// completes the local operation without effect.
	StrategyServerWins ConflictStrategy = "server_wins"

	// StrategyLatestWins keeps whichever side wrote later.
	StrategyLatestWins ConflictStrategy = "latest_wins"

	// StrategyManual surfaces the conflict for a human decision. The
	// triggering operation stays pending until resolved.
	StrategyManual ConflictStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyLatestWins, StrategyManual:
		return true
	}
	return false
}

// Conflict records a divergence between the local and server copies of
// one entity. Produced by the backend during push or by the pull path
// when a pulled record also has pending local edits.
type Conflict struct {
	Entity         EntityType       `json:"entity"`
	EntityID       string           `json:"entity_id"`
	ClientVersion  int64            `json:"client_version"`
	ServerVersion  int64            `json:"server_version"`
	ClientData     json.RawMessage  `json:"client_data,omitempty"`
	ServerData     json.RawMessage  `json:"server_data,omitempty"`
	ClientTime     time.Time        `json:"client_time,omitempty"`
	ServerModified time.Time        `json:"server_modified,omitempty"`
	Suggested      ConflictStrategy `json:"suggested,omitempty"`

	// OperationID links back to the queue entry that triggered the
	// conflict, when one exists.
	OperationID string `json:"operation_id,omitempty"`
}

func (c *Conflict) String() string {
	return fmt.Sprintf("conflict %s/%s: client v%d vs server v%d",
		c.Entity, c.EntityID, c.ClientVersion, c.ServerVersion)
}
