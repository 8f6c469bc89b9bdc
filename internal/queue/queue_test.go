package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/store"
	"github.com/salonkit/salonsync/internal/store/migrate"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()

	path := filepath.Join(t.TempDir(), "queue_test.db")
	st, err := store.Open(path, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner, err := migrate.NewRunner(st.DB(), migrate.Builtin(), events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(context.Background())
	require.NoError(t, err)

	return New(st, events.Discard())
}

func clientPayload() json.RawMessage {
	return json.RawMessage(`{"first_name":"Dana","last_name":"Reyes"}`)
}

func TestEnqueueValidates(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionCreate, "", nil, 0)
	assert.Error(t, q.Enqueue(ctx, op), "create without payload must be rejected")

	op = models.NewOperation("widget", models.ActionCreate, "", clientPayload(), 0)
	assert.Error(t, q.Enqueue(ctx, op), "unknown entity must be rejected")

	op = models.NewOperation(models.EntityClient, models.ActionUpdate, "", clientPayload(), 1)
	assert.Error(t, q.Enqueue(ctx, op), "update without entity id must be rejected")
}

func TestEnqueueDurableImmediately(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionCreate, "cli-1", clientPayload(), 0)
	require.NoError(t, q.Enqueue(ctx, op))

	// The row must be readable right after Enqueue returns, not
	// eventually.
	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, op.Entity, got.Entity)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDequeueOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	note := models.NewOperation(models.EntityClient, models.ActionUpdate, "cli-1", clientPayload(), 1)
	note.Priority = models.PriorityMetadata
	require.NoError(t, q.Enqueue(ctx, note))

	first := models.NewOperation(models.EntityAppointment, models.ActionCreate, "apt-1", json.RawMessage(`{"status":"booked"}`), 0)
	require.NoError(t, q.Enqueue(ctx, first))

	second := models.NewOperation(models.EntityAppointment, models.ActionCreate, "apt-2", json.RawMessage(`{"status":"booked"}`), 0)
	require.NoError(t, q.Enqueue(ctx, second))

	payment := models.NewOperation(models.EntityTransaction, models.ActionCreate, "txn-1", json.RawMessage(`{"total_cents":4500,"method":"card","status":"captured"}`), 0)
	payment.Priority = models.PriorityPayment
	require.NoError(t, q.Enqueue(ctx, payment))

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	// Payment drains first, then the two defaults in enqueue order,
	// then metadata.
	assert.Equal(t, payment.ID, batch[0].ID)
	assert.Equal(t, first.ID, batch[1].ID)
	assert.Equal(t, second.ID, batch[2].ID)
	assert.Equal(t, note.ID, batch[3].ID)
}

func TestDequeueClaims(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionDelete, "cli-1", nil, 2)
	require.NoError(t, q.Enqueue(ctx, op))

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Claimed rows are invisible to a second dequeue.
	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// But still count as pending work.
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Release makes them claimable again.
	require.NoError(t, q.Release(ctx, []string{op.ID}))
	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestMarkCompleted(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionCreate, "cli-1", clientPayload(), 0)
	require.NoError(t, q.Enqueue(ctx, op))
	_, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, q.MarkCompleted(ctx, op.ID))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Completed rows stay readable for audit.
	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionCreate, "cli-1", clientPayload(), 0)
	op.MaxRetries = 2
	require.NoError(t, q.Enqueue(ctx, op))

	// First failure returns it to pending.
	_, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, op.ID, "server error"))

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Second failure exhausts the budget.
	_, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, op.ID, "server error again"))

	got, err = q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "server error again", got.ErrorMessage)

	// Failed operations never re-enter a batch.
	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, op.ID, failed[0].ID)
}

func TestFailPermanently(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionCreate, "cli-1", clientPayload(), 0)
	require.NoError(t, q.Enqueue(ctx, op))
	_, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, q.FailPermanently(ctx, op.ID, "validation rejected"))

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount, "permanent failure spends no retries")
}

func TestRecoverStale(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	claimed := models.NewOperation(models.EntityClient, models.ActionCreate, "cli-1", clientPayload(), 0)
	require.NoError(t, q.Enqueue(ctx, claimed))
	failed := models.NewOperation(models.EntityClient, models.ActionUpdate, "cli-2", clientPayload(), 1)
	require.NoError(t, q.Enqueue(ctx, failed))

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, q.FailPermanently(ctx, failed.ID, "rejected"))

	// The process dies here without releasing the claim. Recovery gives
	// the claimed operation back without touching terminal rows.
	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, claimed.ID, batch[0].ID)
	assert.Zero(t, batch[0].RetryCount, "recovery spends no retries")

	got, err := q.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestRequeue(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := models.NewOperation(models.EntityClient, models.ActionCreate, "cli-1", clientPayload(), 0)
	require.NoError(t, q.Enqueue(ctx, op))
	_, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.FailPermanently(ctx, op.ID, "rejected"))

	require.NoError(t, q.Requeue(ctx, op.ID))

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)

	// Requeueing a non-failed operation is an error.
	assert.ErrorIs(t, q.Requeue(ctx, op.ID), models.ErrRecordNotFound)
}

func TestPendingForEntity(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	edit := models.NewOperation(models.EntityAppointment, models.ActionUpdate, "apt-1", json.RawMessage(`{"status":"checked_in"}`), 2)
	require.NoError(t, q.Enqueue(ctx, edit))

	other := models.NewOperation(models.EntityAppointment, models.ActionUpdate, "apt-2", json.RawMessage(`{"status":"cancelled"}`), 1)
	require.NoError(t, q.Enqueue(ctx, other))

	pending, err := q.PendingForEntity(ctx, models.EntityAppointment, "apt-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, edit.ID, pending[0].ID)

	pending, err = q.PendingForEntity(ctx, models.EntityClient, "apt-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingList(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		op := models.NewOperation(models.EntityClient, models.ActionCreate, "", clientPayload(), 0)
		op.EntityID = op.ID
		require.NoError(t, q.Enqueue(ctx, op))
	}

	ops, err := q.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = q.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}
