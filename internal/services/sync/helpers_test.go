package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/salonkit/salonsync/internal/config"
	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/queue"
	"github.com/salonkit/salonsync/internal/resolver"
	"github.com/salonkit/salonsync/internal/store"
	"github.com/salonkit/salonsync/internal/store/migrate"
	"github.com/salonkit/salonsync/internal/transport"
)

// testEnv bundles a migrated store, its queue, and a mock transport.
type testEnv struct {
	store     *store.Store
	queue     *queue.Queue
	transport *transport.MockTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sync_test.db")
	st, err := store.Open(path, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner, err := migrate.NewRunner(st.DB(), migrate.Builtin(), events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(context.Background())
	require.NoError(t, err)

	return &testEnv{
		store:     st,
		queue:     queue.New(st, events.Discard()),
		transport: transport.NewMockTransport(),
	}
}

func (e *testEnv) pusher(strategy models.ConflictStrategy) *Pusher {
	return NewPusher(e.queue, e.store, e.transport, resolver.New(strategy),
		"store-1", "dev-1", 50, events.Discard())
}

func (e *testEnv) puller(strategy models.ConflictStrategy) *Puller {
	return NewPuller(e.store, e.queue, e.transport, resolver.New(strategy),
		"store-1", "dev-1", 200, events.Discard())
}

// engine builds a fully wired Engine over the env's mock transport.
func (e *testEnv) engine(t *testing.T, strategy models.ConflictStrategy) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.StoreID = "store-1"
	cfg.DeviceID = "dev-1"
	cfg.Sync.Strategy = string(strategy)

	eng := NewEngine(cfg, e.store, e.queue, e.transport, nil, events.Discard())
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// enqueue stores the record locally (as Submit would) and queues the op.
func (e *testEnv) enqueue(t *testing.T, op *models.SyncOperation) {
	t.Helper()
	ctx := context.Background()

	if op.Action != models.ActionDelete && op.EntityID != "" {
		require.NoError(t, e.store.PutRecord(ctx, op.Entity, op.EntityID, op.Payload, op.BaseVersion))
	}
	require.NoError(t, e.queue.Enqueue(ctx, op))
}

func createOp(entity models.EntityType, payload string) *models.SyncOperation {
	op := models.NewOperation(entity, models.ActionCreate, "", json.RawMessage(payload), 0)
	op.EntityID = op.ID // provisional local id
	return op
}

func updateOp(entity models.EntityType, id, payload string, baseVersion int64) *models.SyncOperation {
	return models.NewOperation(entity, models.ActionUpdate, id, json.RawMessage(payload), baseVersion)
}

// successResults scripts the mock to accept every operation, assigning
// server ids for creates.
func successResults(serverIDs map[string]string, version int64) func(context.Context, *models.PushRequest) (*models.PushResponse, error) {
	return func(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error) {
		resp := &models.PushResponse{Success: true}
		for _, op := range req.Operations {
			result := models.OperationResult{
				OperationID: op.ID,
				Success:     true,
				EntityID:    op.EntityID,
				SyncVersion: version,
			}
			if id, ok := serverIDs[op.ID]; ok {
				result.EntityID = id
			}
			resp.Results = append(resp.Results, result)
		}
		return resp, nil
	}
}
