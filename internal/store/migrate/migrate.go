// Package migrate applies versioned schema migrations to the local
// store before any queue or sync activity touches it.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
)

// Migration is one versioned, ordered schema change. Up runs inside a
// transaction together with its record insert. Down exists for explicit
// rollback tooling only and is never invoked automatically.
type Migration struct {
	Version int64
	Name    string
	Up      func(*sql.Tx) error
	Down    func(*sql.Tx) error
}

// Record is persisted evidence that a version was applied.
type Record struct {
	Version   int64
	Name      string
	AppliedAt time.Time
}

// Errors
var (
	// ErrVersionOrder reports a known migration whose version is lower
	// than the highest applied version but was never applied. That is a
	// packaging error, never silently skipped.
	ErrVersionOrder = errors.New("migration version below applied head")

	// ErrRecordGap reports that the applied set is not a contiguous
	// prefix of the known migration list.
	ErrRecordGap = errors.New("applied migrations are not contiguous")

	// ErrUnknownApplied reports an applied record with no matching
	// known migration.
	ErrUnknownApplied = errors.New("applied migration unknown to this build")

	// ErrBadTarget reports a rollback target that is not a known
	// version boundary.
	ErrBadTarget = errors.New("invalid rollback target version")
)

// Runner applies pending migrations in ascending version order.
type Runner struct {
	db         *sql.DB
	migrations []Migration
	logger     *events.Logger
}

// NewRunner validates and sorts the migration list.
func NewRunner(db *sql.DB, migrations []Migration, logger *events.Logger) (*Runner, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	seen := make(map[int64]bool, len(sorted))
	for _, m := range sorted {
		if m.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive, got %d", m.Name, m.Version)
		}
		if seen[m.Version] {
			return nil, fmt.Errorf("duplicate migration version %d", m.Version)
		}
		if m.Up == nil {
			return nil, fmt.Errorf("migration %d (%s): missing up transform", m.Version, m.Name)
		}
		seen[m.Version] = true
	}

	return &Runner{
		db:         db,
		migrations: sorted,
		logger:     logger.WithField("component", "migrate"),
	}, nil
}

// ApplyPending applies every not-yet-applied migration in ascending
// order, one transaction per migration, recording each application in
// the same transaction. It stops at the first failure and returns a
// fatal *models.MigrationError; the store stays at the last successful
// version. Re-running against a current schema is a no-op.
func (r *Runner) ApplyPending(ctx context.Context) ([]Record, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.checkConsistency(applied); err != nil {
		return nil, err
	}

	head := int64(0)
	if len(applied) > 0 {
		head = applied[len(applied)-1].Version
	}

	var done []Record
	for _, m := range r.migrations {
		if m.Version <= head {
			continue
		}

		rec, err := r.applyOne(ctx, m)
		if err != nil {
			return done, &models.MigrationError{Version: m.Version, Name: m.Name, Err: err}
		}
		done = append(done, rec)

		r.logger.WithFields(map[string]interface{}{
			"version": m.Version,
			"name":    m.Name,
		}).Info("Applied migration")
	}

	return done, nil
}

// Rollback walks Down transforms from the current head back to
// toVersion, deleting each record in the same transaction. Operator
// tooling only.
func (r *Runner) Rollback(ctx context.Context, toVersion int64) error {
	if toVersion != 0 {
		known := false
		for _, m := range r.migrations {
			if m.Version == toVersion {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: %d", ErrBadTarget, toVersion)
		}
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return err
	}

	for i := len(applied) - 1; i >= 0; i-- {
		rec := applied[i]
		if rec.Version <= toVersion {
			break
		}

		var mig *Migration
		for j := range r.migrations {
			if r.migrations[j].Version == rec.Version {
				mig = &r.migrations[j]
				break
			}
		}
		if mig == nil {
			return fmt.Errorf("%w: version %d", ErrUnknownApplied, rec.Version)
		}
		if mig.Down == nil {
			return fmt.Errorf("migration %d (%s): no down transform", mig.Version, mig.Name)
		}

		if err := r.rollbackOne(ctx, *mig); err != nil {
			return &models.MigrationError{Version: mig.Version, Name: mig.Name, Err: err}
		}

		r.logger.WithFields(map[string]interface{}{
			"version": mig.Version,
			"name":    mig.Name,
		}).Warn("Rolled back migration")
	}

	return nil
}

// CurrentVersion returns the highest applied version, zero for a fresh
// store.
func (r *Runner) CurrentVersion(ctx context.Context) (int64, error) {
	if err := r.ensureTable(ctx); err != nil {
		return 0, err
	}

	var v sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v.Int64, nil
}

// Applied returns all migration records ordered by version. A fresh
// store reports an empty set.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
        SELECT version, name, applied_at
        FROM schema_migrations
        ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query migration records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Version, &rec.Name, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version    INTEGER PRIMARY KEY,
            name       TEXT NOT NULL,
            applied_at TIMESTAMP NOT NULL
        )`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// checkConsistency verifies the applied set is a contiguous prefix of
// the known migration list.
func (r *Runner) checkConsistency(applied []Record) error {
	appliedSet := make(map[int64]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	known := make(map[int64]bool, len(r.migrations))
	for _, m := range r.migrations {
		known[m.Version] = true
	}

	for _, rec := range applied {
		if !known[rec.Version] {
			return fmt.Errorf("%w: version %d (%s)", ErrUnknownApplied, rec.Version, rec.Name)
		}
	}

	head := int64(0)
	if len(applied) > 0 {
		head = applied[len(applied)-1].Version
	}

	for i, m := range r.migrations {
		if m.Version >= head {
			break
		}
		if !appliedSet[m.Version] {
			return fmt.Errorf("%w: version %d (%s) below head %d", ErrVersionOrder, m.Version, m.Name, head)
		}
		// The applied list must match the known prefix position by
		// position. A mismatch means a record was lost.
		if i < len(applied) && applied[i].Version != m.Version {
			return fmt.Errorf("%w: expected %d at position %d, found %d",
				ErrRecordGap, m.Version, i, applied[i].Version)
		}
	}

	return nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.Up(tx); err != nil {
		return Record{}, err
	}

	rec := Record{Version: m.Version, Name: m.Name, AppliedAt: time.Now().UTC()}
	_, err = tx.Exec(`
        INSERT INTO schema_migrations (version, name, applied_at)
        VALUES (?, ?, ?)`,
		rec.Version, rec.Name, rec.AppliedAt)
	if err != nil {
		return Record{}, fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit migration: %w", err)
	}
	return rec, nil
}

func (r *Runner) rollbackOne(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.Down(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
		return fmt.Errorf("delete migration record: %w", err)
	}
	return tx.Commit()
}
