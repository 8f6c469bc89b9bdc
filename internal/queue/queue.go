// Package queue is the durable record of pending local mutations.
// Every enqueue, status change, and retry increment hits SQLite before
// returning, so a crash between mutation and sync cannot drop work.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/store"
)

// Queue drains operations by ascending priority, FIFO within a tier.
// Operations against the same entity are never collapsed: later edits
// may depend on earlier ones having been applied.
type Queue struct {
	store  *store.Store
	logger *events.Logger
}

// New creates a queue over the shared local store.
func New(st *store.Store, logger *events.Logger) *Queue {
	return &Queue{
		store:  st,
		logger: logger.WithField("component", "queue"),
	}
}

// Enqueue validates and persists a new pending operation.
func (q *Queue) Enqueue(ctx context.Context, op *models.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	op.Status = models.StatusPending
	if op.MaxRetries <= 0 {
		op.MaxRetries = models.DefaultMaxRetries
	}

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
            INSERT INTO sync_queue
                (id, entity, entity_id, operation, data, base_version,
                 client_time, priority, status, retry_count, max_retries,
                 created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			op.ID, string(op.Entity), op.EntityID, string(op.Action),
			string(op.Payload), op.BaseVersion, op.ClientTime,
			op.Priority, string(op.Status), op.MaxRetries,
			op.CreatedAt, op.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}

	q.logger.WithFields(map[string]interface{}{
		"op":     op.ID,
		"entity": op.Entity,
		"action": op.Action,
	}).Debug("Enqueued operation")
	return nil
}

// DequeueBatch claims up to max pending operations, marking them
// syncing in the same transaction so a concurrent drain cannot claim
// them twice.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]*models.SyncOperation, error) {
	var ops []*models.SyncOperation

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
            SELECT id, entity, entity_id, operation, data, base_version,
                   client_time, priority, status, error_message,
                   retry_count, max_retries, created_at, updated_at, completed_at
            FROM sync_queue
            WHERE status = 'pending'
            ORDER BY priority ASC, created_at ASC, id ASC
            LIMIT ?`, max)
		if err != nil {
			return fmt.Errorf("query pending: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			op, err := scanOperation(rows)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending: %w", err)
		}

		now := time.Now().UTC()
		for _, op := range ops {
			if _, err := tx.Exec(`
                UPDATE sync_queue SET status = 'syncing', updated_at = ?
                WHERE id = ?`, now, op.ID); err != nil {
				return fmt.Errorf("claim %s: %w", op.ID, err)
			}
			op.Status = models.StatusSyncing
			op.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// MarkCompleted finishes an operation. The row is retained for audit.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return q.update(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		return tx.Exec(`
            UPDATE sync_queue
            SET status = 'completed', error_message = NULL,
                updated_at = ?, completed_at = ?
            WHERE id = ?`, now, now, id)
	})
}

// MarkFailed records a retryable failure, consuming one unit of the
// operation's retry budget. When the budget is exhausted the operation
// becomes terminally failed and leaves the drain set.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return q.update(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		return tx.Exec(`
            UPDATE sync_queue
            SET retry_count = retry_count + 1,
                status = CASE WHEN retry_count + 1 >= max_retries
                         THEN 'failed' ELSE 'pending' END,
                error_message = ?,
                updated_at = ?
            WHERE id = ?`, errMsg, now, id)
	})
}

// FailPermanently parks an operation as failed regardless of its retry
// budget. Used for validation and permission errors.
func (q *Queue) FailPermanently(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return q.update(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		return tx.Exec(`
            UPDATE sync_queue
            SET status = 'failed', error_message = ?, updated_at = ?
            WHERE id = ?`, errMsg, now, id)
	})
}

// Release returns claimed operations to pending without touching their
// retry budget. Used when a cycle aborts on connectivity loss.
func (q *Queue) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.Exec(`
                UPDATE sync_queue SET status = 'pending', updated_at = ?
                WHERE id = ? AND status = 'syncing'`, now, id)
			if err != nil {
				return fmt.Errorf("release %s: %w", id, err)
			}
		}
		return nil
	})
}

// RecoverStale returns every operation left claimed by a previous
// process back to pending, without touching retry budgets. A crash
// between claim and response-apply must not strand work; this runs at
// startup before the first cycle.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var n int64
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
            UPDATE sync_queue SET status = 'pending', updated_at = ?
            WHERE status = 'syncing'`, now)
		if err != nil {
			return fmt.Errorf("recover claimed operations: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// Requeue puts a terminally failed operation back in play with a fresh
// retry budget. Meant for operator intervention after the underlying
// cause is fixed.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return q.update(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		return tx.Exec(`
            UPDATE sync_queue
            SET status = 'pending', retry_count = 0, error_message = '',
                updated_at = ?
            WHERE id = ? AND status = 'failed'`, now, id)
	})
}

// Pending returns undelivered operations in drain order, capped at
// limit. A limit of zero returns everything.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.query(ctx, `
        SELECT id, entity, entity_id, operation, data, base_version,
               client_time, priority, status, error_message,
               retry_count, max_retries, created_at, updated_at, completed_at
        FROM sync_queue
        WHERE status IN ('pending', 'syncing')
        ORDER BY priority ASC, created_at ASC, id ASC
        LIMIT ?`, limit)
}

// PendingCount counts operations still awaiting a successful push.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB().QueryRowContext(ctx, `
        SELECT COUNT(*) FROM sync_queue
        WHERE status IN ('pending', 'syncing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// PendingForEntity returns undelivered operations touching one entity
// record, oldest first. The pull path uses this to detect local edits
// that would be clobbered by an incoming delta.
func (q *Queue) PendingForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]*models.SyncOperation, error) {
	return q.query(ctx, `
        SELECT id, entity, entity_id, operation, data, base_version,
               client_time, priority, status, error_message,
               retry_count, max_retries, created_at, updated_at, completed_at
        FROM sync_queue
        WHERE status IN ('pending', 'syncing') AND entity = ? AND entity_id = ?
        ORDER BY created_at ASC, id ASC`, string(entity), entityID)
}

// Failed returns terminally failed operations for inspection.
func (q *Queue) Failed(ctx context.Context) ([]*models.SyncOperation, error) {
	return q.query(ctx, `
        SELECT id, entity, entity_id, operation, data, base_version,
               client_time, priority, status, error_message,
               retry_count, max_retries, created_at, updated_at, completed_at
        FROM sync_queue
        WHERE status = 'failed'
        ORDER BY updated_at DESC`)
}

// Get loads one operation by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	ops, err := q.query(ctx, `
        SELECT id, entity, entity_id, operation, data, base_version,
               client_time, priority, status, error_message,
               retry_count, max_retries, created_at, updated_at, completed_at
        FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, models.ErrRecordNotFound
	}
	return ops[0], nil
}

func (q *Queue) update(ctx context.Context, id string, fn func(*sql.Tx) (sql.Result, error)) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := fn(tx)
		if err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s: %w", id, models.ErrRecordNotFound)
		}
		return nil
	})
}

func (q *Queue) query(ctx context.Context, sqlText string, args ...interface{}) ([]*models.SyncOperation, error) {
	rows, err := q.store.DB().QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	op := &models.SyncOperation{}
	var (
		entity, action, status string
		entityID, errMsg, data sql.NullString
		completedAt            sql.NullTime
	)

	err := row.Scan(&op.ID, &entity, &entityID, &action, &data,
		&op.BaseVersion, &op.ClientTime, &op.Priority, &status,
		&errMsg, &op.RetryCount, &op.MaxRetries,
		&op.CreatedAt, &op.UpdatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}

	op.Entity = models.EntityType(entity)
	op.Action = models.Action(action)
	op.Status = models.OperationStatus(status)
	op.EntityID = entityID.String
	op.ErrorMessage = errMsg.String
	if data.Valid && data.String != "" {
		op.Payload = []byte(data.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	return op, nil
}
