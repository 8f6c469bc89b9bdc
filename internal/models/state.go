package models

import "time"

// SyncStatus is the orchestrator's coarse status.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncErrored SyncStatus = "error"
	SyncOffline SyncStatus = "offline"
)

// SyncState is the observable snapshot of the engine. The engine owns
// the single mutable instance; observers receive value copies on every
// transition, so a snapshot is safe to read without locking.
type SyncState struct {
	Status       SyncStatus `json:"status"`
	Online       bool       `json:"online"`
	LastSyncAt   time.Time  `json:"last_sync_at,omitempty"`
	PendingCount int        `json:"pending_count"`
	LastError    string     `json:"last_error,omitempty"`

	// Conflicts awaiting a manual decision in the current session.
	OpenConflicts int `json:"open_conflicts,omitempty"`
}

// Syncing reports whether a cycle is in flight.
func (s SyncState) Syncing() bool { return s.Status == SyncSyncing }

// Clean reports whether everything local has been acknowledged remotely.
func (s SyncState) Clean() bool {
	return s.PendingCount == 0 && s.LastError == "" && s.OpenConflicts == 0
}
