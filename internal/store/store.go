// Package store is the embedded SQLite datastore shared by the
// operation queue, the domain record tables, the pull checkpoints, and
// the migration metadata. It is a single-writer resource: every
// mutation goes through WithTx, which serializes writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
)

// Meta keys persisted in sync_meta.
const (
	MetaLastSyncAt = "last_sync_at"
	MetaDeviceID   = "device_id"
)

// Store wraps the local SQLite database.
type Store struct {
	db     *sql.DB
	logger *events.Logger

	// writeMu serializes all mutations; SQLite allows one writer and
	// the queue, push results, pull deltas, and migrations all share
	// this file.
	writeMu sync.Mutex
}

// Open opens (or creates) the local database with WAL and a busy
// timeout, matching how the rest of the platform opens SQLite files.
func Open(path string, logger *events.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps writes strictly ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.WithField("component", "store"),
	}, nil
}

// DB exposes the underlying handle for the migration runner and the
// queue, which live in the same file.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a write transaction, holding the writer lock.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// LocalRecord is one domain record row in the local store.
type LocalRecord struct {
	ID          string
	Entity      models.EntityType
	Data        json.RawMessage
	SyncVersion int64
	UpdatedAt   time.Time
}

// GetRecord loads one record, or models.ErrRecordNotFound.
func (s *Store) GetRecord(ctx context.Context, entity models.EntityType, id string) (*LocalRecord, error) {
	rec := &LocalRecord{ID: id, Entity: entity}
	var data string

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
        SELECT data, sync_version, updated_at
        FROM %s WHERE id = ?`, entity.Table()), id).
		Scan(&data, &rec.SyncVersion, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", entity, id, err)
	}

	rec.Data = json.RawMessage(data)
	return rec, nil
}

// PutRecord writes a record unconditionally, stamping the given sync
// version.
func (s *Store) PutRecord(ctx context.Context, entity models.EntityType, id string, data json.RawMessage, version int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return putRecordTx(tx, entity, id, data, version)
	})
}

// UpsertIfNewer applies a pulled record unless the local copy already
// carries a newer sync version. Returns whether the row was written,
// so re-applying the same delta is a no-op.
func (s *Store) UpsertIfNewer(ctx context.Context, entity models.EntityType, rec models.VersionedRecord) (bool, error) {
	applied := false
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var localVersion int64
		err := tx.QueryRow(fmt.Sprintf(
			`SELECT sync_version FROM %s WHERE id = ?`, entity.Table()), rec.ID).
			Scan(&localVersion)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("query local version: %w", err)
		}
		if err == nil && localVersion >= rec.SyncVersion {
			return nil
		}

		if err := putRecordTx(tx, entity, rec.ID, rec.Data, rec.SyncVersion); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// DeleteRecord removes a record. Deleting an absent record is not an
// error: pull deltas may repeat deletions.
func (s *Store) DeleteRecord(ctx context.Context, entity models.EntityType, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE id = ?`, entity.Table()), id)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", entity, id, err)
		}
		return nil
	})
}

// AdoptServerID rewrites a locally created record under the id the
// server assigned, stamping the server's sync version.
func (s *Store) AdoptServerID(ctx context.Context, entity models.EntityType, localID, serverID string, version int64) error {
	if localID == serverID {
		return s.SetRecordVersion(ctx, entity, serverID, version)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(fmt.Sprintf(`
            UPDATE %s SET id = ?, sync_version = ?, updated_at = ?
            WHERE id = ?`, entity.Table()),
			serverID, version, time.Now().UTC(), localID)
		if err != nil {
			return fmt.Errorf("adopt server id %s -> %s: %w", localID, serverID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrRecordNotFound
		}
		return nil
	})
}

// SetRecordVersion advances a record's sync version without touching
// its data.
func (s *Store) SetRecordVersion(ctx context.Context, entity models.EntityType, id string, version int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(fmt.Sprintf(`
            UPDATE %s SET sync_version = ?, updated_at = ?
            WHERE id = ?`, entity.Table()),
			version, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("set version %s %s: %w", entity, id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrRecordNotFound
		}
		return nil
	})
}

// CountRecords returns the number of rows for an entity type.
func (s *Store) CountRecords(ctx context.Context, entity models.EntityType) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, entity.Table())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// Checkpoint returns the last pulled sync version for an entity type,
// zero when never pulled.
func (s *Store) Checkpoint(ctx context.Context, entity models.EntityType) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sync_version FROM checkpoints WHERE entity = ?`,
		string(entity)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query checkpoint %s: %w", entity, err)
	}
	return v, nil
}

// Checkpoints returns every stored checkpoint keyed by entity type.
func (s *Store) Checkpoints(ctx context.Context) (map[models.EntityType]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity, sync_version FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[models.EntityType]int64)
	for rows.Next() {
		var entity string
		var v int64
		if err := rows.Scan(&entity, &v); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out[models.EntityType(entity)] = v
	}
	return out, rows.Err()
}

// SetCheckpoint advances an entity's checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, entity models.EntityType, version int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            INSERT INTO checkpoints (entity, sync_version, updated_at)
            VALUES (?, ?, ?)
            ON CONFLICT(entity) DO UPDATE SET
                sync_version = excluded.sync_version,
                updated_at = excluded.updated_at`,
			string(entity), version, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("set checkpoint %s: %w", entity, err)
		}
		return nil
	})
}

// ResetCheckpoints drops every checkpoint. Used when the server signals
// requires_full_sync.
func (s *Store) ResetCheckpoints(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM checkpoints`); err != nil {
			return fmt.Errorf("reset checkpoints: %w", err)
		}
		return nil
	})
}

// Meta reads a sync_meta value, empty string when absent.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a sync_meta value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            INSERT INTO sync_meta (key, value) VALUES (?, ?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		if err != nil {
			return fmt.Errorf("set meta %s: %w", key, err)
		}
		return nil
	})
}

func putRecordTx(tx *sql.Tx, entity models.EntityType, id string, data json.RawMessage, version int64) error {
	_, err := tx.Exec(fmt.Sprintf(`
        INSERT INTO %s (id, data, sync_version, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            data = excluded.data,
            sync_version = excluded.sync_version,
            updated_at = excluded.updated_at`, entity.Table()),
		id, string(data), version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", entity, id, err)
	}
	return nil
}
