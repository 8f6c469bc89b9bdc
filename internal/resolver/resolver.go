// Package resolver adjudicates version clashes between local and remote
// copies of an entity. It is pure decision logic with no I/O; both the
// push and pull paths feed it conflicts.
package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/salonkit/salonsync/internal/models"
)

// Winner names the side whose data survives a resolution.
type Winner string

const (
	WinnerClient Winner = "client"
	WinnerServer Winner = "server"
	WinnerNone   Winner = "none" // awaiting a human decision
)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Winner Winner

	// Data is the record content to store locally. Nil when the
	// conflict still needs confirmation.
	Data json.RawMessage

	// SyncVersion is the version to stamp on the local record. Always
	// the server's version, even when the client's data wins, so the
	// same conflict cannot loop forever.
	SyncVersion int64

	// NeedsConfirmation marks the conflict as unresolved: it must be
	// surfaced to a human and the triggering operation stays pending.
	NeedsConfirmation bool
}

// Resolver applies a configured default strategy.
type Resolver struct {
	defaultStrategy models.ConflictStrategy
}

// New creates a resolver. An invalid or empty default falls back to
// manual, the safe choice for diverged writes.
func New(defaultStrategy models.ConflictStrategy) *Resolver {
	if !defaultStrategy.Valid() {
		defaultStrategy = models.StrategyManual
	}
	return &Resolver{defaultStrategy: defaultStrategy}
}

// DefaultStrategy returns the configured default.
func (r *Resolver) DefaultStrategy() models.ConflictStrategy {
	return r.defaultStrategy
}

// StrategyFor picks the effective strategy for a conflict. Financial
// entities always require a manual decision: silently dropping a
// monetary correction is unacceptable, whatever the configured default.
func (r *Resolver) StrategyFor(c models.Conflict, requested models.ConflictStrategy) models.ConflictStrategy {
	if c.Entity.Financial() {
		return models.StrategyManual
	}
	if requested.Valid() {
		return requested
	}
	return r.defaultStrategy
}

// Resolve applies a strategy to a conflict. Strategy is taken through
// StrategyFor, so a financial conflict resolves manually even when the
// caller asks for an automatic strategy.
func (r *Resolver) Resolve(c models.Conflict, requested models.ConflictStrategy) (Resolution, error) {
	strategy := r.StrategyFor(c, requested)

	switch strategy {
	case models.StrategyClientWins:
		return Resolution{
			Winner:      WinnerClient,
			Data:        c.ClientData,
			SyncVersion: c.ServerVersion,
		}, nil

	case models.StrategyServerWins:
		return Resolution{
			Winner:      WinnerServer,
			Data:        c.ServerData,
			SyncVersion: c.ServerVersion,
		}, nil

	case models.StrategyLatestWins:
		// Ties go to the server: its copy is already durable there.
		if c.ClientTime.After(c.ServerModified) {
			return Resolution{
				Winner:      WinnerClient,
				Data:        c.ClientData,
				SyncVersion: c.ServerVersion,
			}, nil
		}
		return Resolution{
			Winner:      WinnerServer,
			Data:        c.ServerData,
			SyncVersion: c.ServerVersion,
		}, nil

	case models.StrategyManual:
		return Resolution{
			Winner:            WinnerNone,
			SyncVersion:       c.ServerVersion,
			NeedsConfirmation: true,
		}, nil

	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy: %s", strategy)
	}
}

// ApplyManual turns a human decision into a resolution. MergedData is
// required only when the decision is manual with a hand-edited merge.
func (r *Resolver) ApplyManual(c models.Conflict, decision models.ConflictStrategy, mergedData json.RawMessage) (Resolution, error) {
	if decision == models.StrategyManual {
		if len(mergedData) == 0 {
			return Resolution{}, fmt.Errorf("manual resolution requires merged data")
		}
		if !json.Valid(mergedData) {
			return Resolution{}, fmt.Errorf("merged data is not valid JSON")
		}
		return Resolution{
			Winner:      WinnerClient,
			Data:        mergedData,
			SyncVersion: c.ServerVersion,
		}, nil
	}

	if !decision.Valid() {
		return Resolution{}, fmt.Errorf("unknown conflict strategy: %s", decision)
	}

	// Explicit human decisions bypass the financial-entity guard.
	switch decision {
	case models.StrategyClientWins:
		return Resolution{Winner: WinnerClient, Data: c.ClientData, SyncVersion: c.ServerVersion}, nil
	case models.StrategyServerWins:
		return Resolution{Winner: WinnerServer, Data: c.ServerData, SyncVersion: c.ServerVersion}, nil
	case models.StrategyLatestWins:
		if c.ClientTime.After(c.ServerModified) {
			return Resolution{Winner: WinnerClient, Data: c.ClientData, SyncVersion: c.ServerVersion}, nil
		}
		return Resolution{Winner: WinnerServer, Data: c.ServerData, SyncVersion: c.ServerVersion}, nil
	}

	return Resolution{}, fmt.Errorf("unknown conflict strategy: %s", decision)
}

// Detect reports whether a local record with pending edits and an
// incoming remote record actually diverge. Identical data is not a
// conflict, whatever the versions say.
func Detect(c models.Conflict) bool {
	if c.ClientVersion == c.ServerVersion {
		return false
	}
	if len(c.ClientData) > 0 && len(c.ServerData) > 0 &&
		jsonEqual(c.ClientData, c.ServerData) {
		return false
	}
	return true
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return deepEqual(va, vb)
}

func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
