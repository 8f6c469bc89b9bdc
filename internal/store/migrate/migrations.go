package migrate

import (
	"database/sql"
	"fmt"

	"github.com/salonkit/salonsync/internal/models"
)

// Builtin returns the ordered schema migrations for the local store.
// New versions append; released versions never change.
func Builtin() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_sync_queue",
			Up:      createSyncQueue,
			Down:    dropTables("sync_queue", "sync_meta"),
		},
		{
			Version: 2,
			Name:    "create_entity_tables",
			Up:      createEntityTables,
			Down:    dropEntityTables,
		},
		{
			Version: 3,
			Name:    "add_queue_drain_index",
			Up:      addQueueIndexes,
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP INDEX IF EXISTS idx_sync_queue_drain`)
				return err
			},
		},
	}
}

func createSyncQueue(tx *sql.Tx) error {
	_, err := tx.Exec(`
        CREATE TABLE sync_queue (
            id            TEXT PRIMARY KEY,
            entity        TEXT NOT NULL,
            entity_id     TEXT,
            operation     TEXT NOT NULL,
            data          TEXT,
            base_version  INTEGER NOT NULL DEFAULT 0,
            client_time   TIMESTAMP NOT NULL,
            priority      INTEGER NOT NULL DEFAULT 50,
            status        TEXT NOT NULL DEFAULT 'pending',
            error_message TEXT,
            retry_count   INTEGER NOT NULL DEFAULT 0,
            max_retries   INTEGER NOT NULL DEFAULT 5,
            created_at    TIMESTAMP NOT NULL,
            updated_at    TIMESTAMP NOT NULL,
            completed_at  TIMESTAMP
        )`)
	if err != nil {
		return fmt.Errorf("create sync_queue: %w", err)
	}

	_, err = tx.Exec(`
        CREATE TABLE sync_meta (
            key   TEXT PRIMARY KEY,
            value TEXT NOT NULL
        )`)
	if err != nil {
		return fmt.Errorf("create sync_meta: %w", err)
	}
	return nil
}

func createEntityTables(tx *sql.Tx) error {
	for _, entity := range models.AllEntityTypes {
		_, err := tx.Exec(fmt.Sprintf(`
            CREATE TABLE %s (
                id           TEXT PRIMARY KEY,
                data         TEXT NOT NULL,
                sync_version INTEGER NOT NULL DEFAULT 0,
                updated_at   TIMESTAMP NOT NULL
            )`, entity.Table()))
		if err != nil {
			return fmt.Errorf("create table %s: %w", entity.Table(), err)
		}
	}

	_, err := tx.Exec(`
        CREATE TABLE checkpoints (
            entity       TEXT PRIMARY KEY,
            sync_version INTEGER NOT NULL DEFAULT 0,
            updated_at   TIMESTAMP NOT NULL
        )`)
	if err != nil {
		return fmt.Errorf("create checkpoints: %w", err)
	}
	return nil
}

func dropEntityTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`DROP TABLE IF EXISTS checkpoints`); err != nil {
		return err
	}
	for _, entity := range models.AllEntityTypes {
		if _, err := tx.Exec(`DROP TABLE IF EXISTS ` + entity.Table()); err != nil {
			return err
		}
	}
	return nil
}

func addQueueIndexes(tx *sql.Tx) error {
	_, err := tx.Exec(`
        CREATE INDEX idx_sync_queue_drain
        ON sync_queue (status, priority, created_at)`)
	if err != nil {
		return fmt.Errorf("create queue index: %w", err)
	}
	return nil
}

func dropTables(names ...string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.Exec(`DROP TABLE IF EXISTS ` + name); err != nil {
				return err
			}
		}
		return nil
	}
}
