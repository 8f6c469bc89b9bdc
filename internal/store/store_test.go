package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/store/migrate"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store_test.db")
	st, err := Open(path, events.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner, err := migrate.NewRunner(st.DB(), migrate.Builtin(), events.Discard())
	require.NoError(t, err)
	_, err = runner.ApplyPending(context.Background())
	require.NoError(t, err)

	return st
}

func TestPutAndGetRecord(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	data := json.RawMessage(`{"first_name":"Dana","last_name":"Reyes"}`)
	require.NoError(t, st.PutRecord(ctx, models.EntityClient, "cli-1", data, 3))

	rec, err := st.GetRecord(ctx, models.EntityClient, "cli-1")
	require.NoError(t, err)
	assert.Equal(t, "cli-1", rec.ID)
	assert.Equal(t, int64(3), rec.SyncVersion)
	assert.JSONEq(t, string(data), string(rec.Data))
}

func TestGetRecordNotFound(t *testing.T) {
	st := testStore(t)

	_, err := st.GetRecord(context.Background(), models.EntityClient, "nope")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestUpsertIfNewer(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, models.EntityService, "svc-1",
		json.RawMessage(`{"name":"Cut","version":"local"}`), 5))

	// Older incoming copy is skipped.
	applied, err := st.UpsertIfNewer(ctx, models.EntityService, models.VersionedRecord{
		ID:          "svc-1",
		Data:        json.RawMessage(`{"name":"Cut","version":"stale"}`),
		SyncVersion: 4,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := st.GetRecord(ctx, models.EntityService, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.SyncVersion)
	assert.Contains(t, string(rec.Data), "local")

	// Newer incoming copy wins.
	applied, err = st.UpsertIfNewer(ctx, models.EntityService, models.VersionedRecord{
		ID:          "svc-1",
		Data:        json.RawMessage(`{"name":"Cut","version":"remote"}`),
		SyncVersion: 6,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err = st.GetRecord(ctx, models.EntityService, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.SyncVersion)
	assert.Contains(t, string(rec.Data), "remote")
}

func TestUpsertIfNewerIdempotentReplay(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := models.VersionedRecord{
		ID:          "apt-1",
		Data:        json.RawMessage(`{"status":"booked"}`),
		SyncVersion: 2,
	}

	// Replaying the same page twice, as after a crash mid-chain, must
	// converge on the same row.
	applied, err := st.UpsertIfNewer(ctx, models.EntityAppointment, rec)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = st.UpsertIfNewer(ctx, models.EntityAppointment, rec)
	require.NoError(t, err)
	assert.False(t, applied)

	n, err := st.CountRecords(ctx, models.EntityAppointment)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeleteRecordIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutRecord(ctx, models.EntityClient, "cli-1",
		json.RawMessage(`{}`), 1))

	require.NoError(t, st.DeleteRecord(ctx, models.EntityClient, "cli-1"))
	require.NoError(t, st.DeleteRecord(ctx, models.EntityClient, "cli-1"))

	_, err := st.GetRecord(ctx, models.EntityClient, "cli-1")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestAdoptServerID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	data := json.RawMessage(`{"first_name":"Maya"}`)
	require.NoError(t, st.PutRecord(ctx, models.EntityClient, "local-tmp", data, 0))

	require.NoError(t, st.AdoptServerID(ctx, models.EntityClient, "local-tmp", "cli-900", 1))

	_, err := st.GetRecord(ctx, models.EntityClient, "local-tmp")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	rec, err := st.GetRecord(ctx, models.EntityClient, "cli-900")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.SyncVersion)
	assert.JSONEq(t, string(data), string(rec.Data))
}

func TestAdoptServerIDMissingSource(t *testing.T) {
	st := testStore(t)

	err := st.AdoptServerID(context.Background(), models.EntityClient, "ghost", "cli-1", 1)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestCheckpoints(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	// Fresh store starts at zero for every entity.
	v, err := st.Checkpoint(ctx, models.EntityTicket)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, st.SetCheckpoint(ctx, models.EntityTicket, 42))
	require.NoError(t, st.SetCheckpoint(ctx, models.EntityClient, 7))

	v, err = st.Checkpoint(ctx, models.EntityTicket)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	all, err := st.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), all[models.EntityTicket])
	assert.Equal(t, int64(7), all[models.EntityClient])

	require.NoError(t, st.ResetCheckpoints(ctx))
	v, err = st.Checkpoint(ctx, models.EntityTicket)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestMetaRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	v, err := st.Meta(ctx, MetaLastSyncAt)
	require.NoError(t, err)
	assert.Empty(t, v)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	require.NoError(t, st.SetMeta(ctx, MetaLastSyncAt, now))

	v, err = st.Meta(ctx, MetaLastSyncAt)
	require.NoError(t, err)
	assert.Equal(t, now, v)

	// Overwrite, not append.
	require.NoError(t, st.SetMeta(ctx, MetaLastSyncAt, "later"))
	v, err = st.Meta(ctx, MetaLastSyncAt)
	require.NoError(t, err)
	assert.Equal(t, "later", v)
}
