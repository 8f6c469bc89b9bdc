// Package transport speaks the sync protocol to the remote backend.
package transport

import (
	"context"

	"github.com/salonkit/salonsync/internal/models"
)

// Transport is the backend protocol surface the sync engine depends on.
// Classified failures come back as *models.SyncAPIError; anything else
// is a transport fault the caller treats as NETWORK_ERROR.
type Transport interface {
	// Push ships a batch of queued operations.
	Push(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error)

	// Pull requests remote changes since per-entity checkpoints.
	Pull(ctx context.Context, req *models.PullRequest) (*models.PullResponse, error)

	// Resolve escalates a manual conflict decision.
	Resolve(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResponse, error)

	// Close releases connections.
	Close() error
}

// Notifier delivers server-side change announcements. The engine uses
// them to schedule a cycle ahead of the interval timer.
type Notifier interface {
	// Notifications returns a channel of entity types the server
	// reported as changed. The channel closes when the stream ends.
	Notifications(ctx context.Context) (<-chan models.EntityType, error)

	Close() error
}
