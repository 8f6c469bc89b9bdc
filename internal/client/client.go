// Package client assembles the storage, queue, transport, and sync
// layers into the high-level API the CLI and embedding applications
// use.
package client

import (
	"context"
	"fmt"

	"github.com/salonkit/salonsync/internal/config"
	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/queue"
	"github.com/salonkit/salonsync/internal/services/sync"
	"github.com/salonkit/salonsync/internal/store"
	"github.com/salonkit/salonsync/internal/transport"
)

// Client provides the high-level API for salonsync operations.
type Client struct {
	Sync  *sync.Engine
	Queue *queue.Queue
	Store *store.Store

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
}

// New builds a client from configuration. Initialize must be called
// before queueing or syncing.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	st, err := store.Open(cfg.Storage.DBFile, logger)
	if err != nil {
		return nil, err
	}

	q := queue.New(st, logger)
	transportClient := transport.NewHTTPClient(&cfg.API, logger)

	var notifier transport.Notifier
	if cfg.API.NotifyURL != "" {
		notifier = transport.NewChangeNotifier(&cfg.API, logger)
	}

	engine := sync.NewEngine(cfg, st, q, transportClient, notifier, logger)

	return &Client{
		Sync:      engine,
		Queue:     q,
		Store:     st,
		config:    cfg,
		logger:    logger,
		transport: transportClient,
	}, nil
}

// Initialize migrates the local schema and readies the engine.
// Queueing and syncing refuse to run until this succeeds.
func (c *Client) Initialize(ctx context.Context) error {
	return c.Sync.Initialize(ctx, c.config.StoreID)
}

// Submit records a local mutation and schedules it for delivery.
func (c *Client) Submit(ctx context.Context, op *models.SyncOperation) error {
	return c.Sync.Submit(ctx, op)
}

// Close releases background workers and the database handle.
func (c *Client) Close() error {
	err := c.Sync.Close()
	if cerr := c.Store.Close(); err == nil {
		err = cerr
	}
	return err
}
