package models

import (
	"errors"
	"fmt"
	"time"
)

// Protocol error codes returned by the backend per operation or request.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeServerError      = "SERVER_ERROR"
	ErrCodeNetwork          = "NETWORK_ERROR"
	ErrCodeVersionMismatch  = "VERSION_MISMATCH"
)

// Sentinel errors
var (
	ErrEngineOffline    = errors.New("engine is offline")
	ErrNotInitialized   = errors.New("engine not initialized")
	ErrSchemaNotCurrent = errors.New("local schema is not current")
	ErrRecordNotFound   = errors.New("record not found")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// SyncAPIError is a structured error from the backend, attached to a
// failed operation result or returned for a whole request.
type SyncAPIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Field      string `json:"field,omitempty"`

	// RetryAfter carries a server-supplied delay for RATE_LIMITED.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *SyncAPIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("sync error [%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("sync error [%s]: %s", e.Code, e.Message)
}

// Retryable reports whether the error class is worth retrying with
// backoff. Validation and permission failures are permanent; conflicts
// are routed to the resolver, not retried.
func (e *SyncAPIError) Retryable() bool {
	switch e.Code {
	case ErrCodeRateLimited, ErrCodeServerError, ErrCodeNetwork:
		return true
	}
	return false
}

// Transient reports whether the failure reflects connectivity rather
// than operation validity. Transient failures do not consume an
// operation's retry budget.
func (e *SyncAPIError) Transient() bool {
	return e.Code == ErrCodeNetwork
}

// IsConflict reports whether the error is a version clash at the
// protocol level.
func (e *SyncAPIError) IsConflict() bool {
	return e.Code == ErrCodeConflict || e.Code == ErrCodeVersionMismatch
}

// NetworkError wraps a transport failure so it classifies as
// NETWORK_ERROR in the taxonomy.
func NetworkError(err error) *SyncAPIError {
	return &SyncAPIError{
		Code:    ErrCodeNetwork,
		Message: err.Error(),
	}
}

// MigrationError is fatal: the engine refuses to queue or sync against a
// partially migrated schema.
type MigrationError struct {
	Version int64
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
	}
	return fmt.Sprintf("migration %d: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// SyncError annotates a failure with the cycle phase it happened in.
type SyncError struct {
	Phase  string // "push", "pull", "checkpoint"
	Entity EntityType
	Err    error
}

func (e *SyncError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("sync %s %s: %v", e.Phase, e.Entity, e.Err)
	}
	return fmt.Sprintf("sync %s: %v", e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
