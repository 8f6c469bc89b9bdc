// Package sync owns the synchronization lifecycle: it sequences push
// before pull, schedules automatic cycles, and exposes a subscribable
// state snapshot to the rest of the application.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salonkit/salonsync/internal/config"
	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/queue"
	"github.com/salonkit/salonsync/internal/resolver"
	"github.com/salonkit/salonsync/internal/store"
	"github.com/salonkit/salonsync/internal/store/migrate"
	"github.com/salonkit/salonsync/internal/transport"
)

// Engine is the sync orchestrator. At most one cycle is in flight at a
// time; concurrent requests coalesce into the running cycle.
type Engine struct {
	cfg       config.SyncConfig
	store     *store.Store
	queue     *queue.Queue
	pusher    *Pusher
	puller    *Puller
	resolver  *resolver.Resolver
	transport transport.Transport
	notifier  transport.Notifier
	logger    *events.Logger

	storeID  string
	deviceID string

	mu          sync.Mutex
	state       models.SyncState
	subs        map[int]chan models.SyncState
	nextSub     int
	initialized bool
	syncing     bool
	rerun       bool
	cancelFn    context.CancelFunc
	conflicts   map[string]models.Conflict

	// nudge wakes the auto-sync loop ahead of its timer.
	nudge    chan struct{}
	autoStop context.CancelFunc
	autoWG   sync.WaitGroup
}

// NewEngine wires the orchestrator. The notifier may be nil.
func NewEngine(cfg *config.Config, st *store.Store, q *queue.Queue,
	tr transport.Transport, nt transport.Notifier, logger *events.Logger) *Engine {

	res := resolver.New(models.ConflictStrategy(cfg.Sync.Strategy))
	log := logger.WithField("component", "sync_engine")

	return &Engine{
		cfg:       cfg.Sync,
		store:     st,
		queue:     q,
		resolver:  res,
		transport: tr,
		notifier:  nt,
		logger:    log,
		storeID:   cfg.StoreID,
		deviceID:  cfg.DeviceID,
		pusher: NewPusher(q, st, tr, res, cfg.StoreID, cfg.DeviceID,
			cfg.Sync.BatchSize, logger),
		puller: NewPuller(st, q, tr, res, cfg.StoreID, cfg.DeviceID,
			cfg.Sync.PullLimit, logger),
		state: models.SyncState{
			Status: models.SyncIdle,
			Online: true,
		},
		subs:      make(map[int]chan models.SyncState),
		conflicts: make(map[string]models.Conflict),
		nudge:     make(chan struct{}, 1),
	}
}

// Initialize migrates the local schema and loads persisted sync
// metadata. A migration failure is fatal: the engine stays unusable
// until an operator corrects or rolls back the schema.
func (e *Engine) Initialize(ctx context.Context, storeID string) error {
	if storeID != "" {
		e.mu.Lock()
		e.storeID = storeID
		e.pusher.storeID = storeID
		e.puller.storeID = storeID
		e.mu.Unlock()
	}

	runner, err := migrate.NewRunner(e.store.DB(), migrate.Builtin(), e.logger)
	if err != nil {
		return fmt.Errorf("migration runner: %w", err)
	}
	applied, err := runner.ApplyPending(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrSchemaNotCurrent, err)
	}
	if len(applied) > 0 {
		e.logger.WithField("migrations", len(applied)).Info("Schema migrated")
	}

	// The device id identifies this terminal in push batches. It is
	// minted once and persisted so retried operations keep a stable
	// origin across restarts.
	stored, err := e.store.Meta(ctx, store.MetaDeviceID)
	if err != nil {
		return fmt.Errorf("load device id: %w", err)
	}
	switch {
	case stored == "":
		if e.deviceID == "" {
			e.deviceID = uuid.NewString()
		}
		if err := e.store.SetMeta(ctx, store.MetaDeviceID, e.deviceID); err != nil {
			return fmt.Errorf("persist device id: %w", err)
		}
	case e.deviceID != "" && stored != e.deviceID:
		e.logger.WithFields(map[string]interface{}{
			"stored":     stored,
			"configured": e.deviceID,
		}).Warn("Configured device id differs from stored, keeping stored")
		fallthrough
	default:
		e.deviceID = stored
	}
	e.pusher.deviceID = e.deviceID
	e.puller.deviceID = e.deviceID

	// A previous run may have died between claiming operations and
	// applying their results; give those claims back before syncing.
	recovered, err := e.queue.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover claimed operations: %w", err)
	}
	if recovered > 0 {
		e.logger.WithField("recovered", recovered).Warn("Recovered operations claimed by a previous run")
	}

	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("load pending count: %w", err)
	}

	var lastSync time.Time
	if raw, err := e.store.Meta(ctx, store.MetaLastSyncAt); err == nil && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			lastSync = t
		}
	}

	e.setState(func(s *models.SyncState) {
		s.Status = models.SyncIdle
		s.PendingCount = pending
		s.LastSyncAt = lastSync
	})

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"store_id": e.storeID,
		"pending":  pending,
	}).Info("Sync engine initialized")
	return nil
}

// Submit writes a mutation locally and appends it to the operation
// queue. This is the single entry point the rest of the application
// uses to change synchronized data.
func (e *Engine) Submit(ctx context.Context, op *models.SyncOperation) error {
	e.mu.Lock()
	ready := e.initialized
	e.mu.Unlock()
	if !ready {
		return models.ErrNotInitialized
	}

	if op.MaxRetries <= 0 {
		op.MaxRetries = e.cfg.MaxRetries
	}

	switch op.Action {
	case models.ActionCreate, models.ActionUpdate:
		if op.EntityID != "" {
			if err := e.store.PutRecord(ctx, op.Entity, op.EntityID, op.Payload, op.BaseVersion); err != nil {
				return err
			}
		}
	case models.ActionDelete:
		if err := e.store.DeleteRecord(ctx, op.Entity, op.EntityID); err != nil {
			return err
		}
	}

	if err := e.queue.Enqueue(ctx, op); err != nil {
		return err
	}

	e.refreshPending(ctx)
	e.requestSync()
	return nil
}

// SyncAll runs one full push-then-pull cycle. If a cycle is already in
// flight the request coalesces into it and SyncAll returns nil.
func (e *Engine) SyncAll(ctx context.Context) error {
	return e.sync(ctx, nil)
}

// SyncEntity runs a cycle whose pull phase is limited to one entity
// type. The push phase always drains the whole queue: local changes
// must reach the server before any pull.
func (e *Engine) SyncEntity(ctx context.Context, entity models.EntityType) error {
	if !entity.Valid() {
		return fmt.Errorf("unknown entity type: %s", entity)
	}
	return e.sync(ctx, []models.EntityType{entity})
}

func (e *Engine) sync(ctx context.Context, entities []models.EntityType) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return models.ErrNotInitialized
	}
	if !e.state.Online {
		e.mu.Unlock()
		return models.ErrEngineOffline
	}
	if e.syncing {
		// Coalesce into the in-flight cycle.
		e.rerun = true
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	cycleCtx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		rerun := e.rerun
		e.rerun = false
		e.mu.Unlock()

		if rerun && ctx.Err() == nil {
			e.requestSync()
		}
	}()

	return e.runCycle(cycleCtx, entities)
}

// runCycle performs push then pull, mapping failures onto the status
// machine: network-class failures flip the engine offline, anything
// else lands in error and retries on the next tick.
func (e *Engine) runCycle(ctx context.Context, entities []models.EntityType) error {
	started := time.Now()
	e.setState(func(s *models.SyncState) {
		s.Status = models.SyncSyncing
		s.LastError = ""
	})
	e.logger.Debug("Cycle started")

	pushOutcome, err := e.pusher.Run(ctx)
	if pushOutcome != nil {
		e.recordConflicts(pushOutcome.Conflicts)
	}
	if err != nil {
		return e.cycleFailed(ctx, err)
	}

	pullOutcome, err := e.puller.Run(ctx, entities)
	if pullOutcome != nil {
		e.recordConflicts(pullOutcome.Conflicts)
	}
	if err != nil {
		return e.cycleFailed(ctx, err)
	}

	pending, _ := e.queue.PendingCount(ctx)
	e.setState(func(s *models.SyncState) {
		s.Status = models.SyncIdle
		s.PendingCount = pending
		s.LastSyncAt = time.Now().UTC()
		s.LastError = ""
	})

	e.logger.WithFields(map[string]interface{}{
		"duration":  time.Since(started).String(),
		"completed": pushOutcome.Completed,
		"applied":   pullOutcome.Applied,
		"deleted":   pullOutcome.Deleted,
		"pending":   pending,
	}).Info("Cycle completed")
	return nil
}

func (e *Engine) cycleFailed(ctx context.Context, err error) error {
	// Cancellation mid-cycle is not an error state: whatever had a
	// response applied is completed, the rest stays pending.
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		e.refreshPending(context.Background())
		e.setState(func(s *models.SyncState) {
			if !s.Online {
				s.Status = models.SyncOffline
			} else {
				s.Status = models.SyncIdle
			}
		})
		e.logger.Debug("Cycle aborted")
		return err
	}

	var apiErr *models.SyncAPIError
	if errors.As(err, &apiErr) && apiErr.Transient() {
		// Connectivity lost: degrade to offline, local use continues.
		e.refreshPending(context.Background())
		e.setState(func(s *models.SyncState) {
			s.Online = false
			s.Status = models.SyncOffline
			s.LastError = apiErr.Message
		})
		e.logger.WithError(err).Warn("Cycle lost connectivity")
		return err
	}

	e.refreshPending(context.Background())
	e.setState(func(s *models.SyncState) {
		s.Status = models.SyncErrored
		s.LastError = err.Error()
	})
	e.logger.WithError(err).Error("Cycle failed")
	return err
}

// SetOnline feeds the network-status signal. Going offline aborts any
// in-flight cycle; coming back online returns to idle and nudges the
// auto-sync loop.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.state.Online
	cancel := e.cancelFn
	e.mu.Unlock()

	if online == wasOnline {
		return
	}

	if !online {
		e.setState(func(s *models.SyncState) {
			s.Online = false
			s.Status = models.SyncOffline
		})
		if cancel != nil {
			e.logger.Info("Network lost, aborting cycle")
			cancel()
		}
		return
	}

	e.setState(func(s *models.SyncState) {
		s.Online = true
		s.Status = models.SyncIdle
	})
	e.logger.Info("Network restored")
	e.requestSync()
}

// StartAutoSync begins periodic cycles. A zero interval uses the
// configured default.
func (e *Engine) StartAutoSync(interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.Interval
	}

	e.mu.Lock()
	if e.autoStop != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.autoStop = cancel
	e.mu.Unlock()

	e.autoWG.Add(1)
	go func() {
		defer e.autoWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.nudge:
			}

			if err := e.SyncAll(ctx); err != nil &&
				!errors.Is(err, models.ErrEngineOffline) &&
				!errors.Is(err, context.Canceled) {
				e.logger.WithError(err).Debug("Auto sync cycle failed")
			}
		}
	}()

	e.logger.WithField("interval", interval.String()).Info("Auto sync started")
}

// StopAutoSync halts the periodic cycles and waits for the loop to
// exit. An in-flight cycle finishes through its own cancellation path.
func (e *Engine) StopAutoSync() {
	e.mu.Lock()
	cancel := e.autoStop
	e.autoStop = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.autoWG.Wait()
		e.logger.Info("Auto sync stopped")
	}
}

// StartNotifier consumes server change announcements, nudging a cycle
// ahead of the timer. Reconnects with exponential backoff between the
// configured bounds until ctx ends.
func (e *Engine) StartNotifier(ctx context.Context) {
	if e.notifier == nil {
		return
	}

	go func() {
		delay := e.cfg.BackoffMin
		for ctx.Err() == nil {
			ch, err := e.notifier.Notifications(ctx)
			if err != nil {
				e.logger.WithError(err).Debug("Notifier connect failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > e.cfg.BackoffMax {
					delay = e.cfg.BackoffMax
				}
				continue
			}
			delay = e.cfg.BackoffMin

			for entity := range ch {
				e.logger.WithField("entity", entity).Debug("Server change announced")
				e.requestSync()
			}
		}
	}()
}

// Subscribe registers an observer. The current snapshot is delivered
// immediately; every transition follows. The returned func
// unsubscribes.
func (e *Engine) Subscribe() (<-chan models.SyncState, func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan models.SyncState, 8)
	e.subs[id] = ch
	ch <- e.snapshotLocked()
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
		e.mu.Unlock()
	}
}

// State returns the current snapshot.
func (e *Engine) State() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Conflicts returns the conflicts awaiting a manual decision.
func (e *Engine) Conflicts() []models.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	return out
}

// ResolveConflict applies a human decision to an open conflict: the
// resolution is acknowledged by the backend, written locally at the
// server's new version, and the parked operation completes.
func (e *Engine) ResolveConflict(ctx context.Context, req *models.ResolveRequest) error {
	res, err := e.resolver.ApplyManual(req.Conflict, req.Resolution, req.MergedData)
	if err != nil {
		return err
	}

	ack, err := e.transport.Resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("escalate resolution: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("server rejected resolution for %s/%s",
			req.Conflict.Entity, req.Conflict.EntityID)
	}

	version := ack.SyncVersion
	if version == 0 {
		version = res.SyncVersion
	}

	if len(res.Data) > 0 {
		if err := e.store.PutRecord(ctx, req.Conflict.Entity, req.Conflict.EntityID, res.Data, version); err != nil {
			return err
		}
	} else if err := e.store.SetRecordVersion(ctx, req.Conflict.Entity, req.Conflict.EntityID, version); err != nil &&
		!errors.Is(err, models.ErrRecordNotFound) {
		return err
	}

	if req.Conflict.OperationID != "" {
		if err := e.queue.MarkCompleted(ctx, req.Conflict.OperationID); err != nil &&
			!errors.Is(err, models.ErrRecordNotFound) {
			return err
		}
	}

	e.mu.Lock()
	delete(e.conflicts, conflictKey(req.Conflict))
	e.mu.Unlock()

	e.refreshPending(ctx)
	e.logger.WithFields(map[string]interface{}{
		"entity":     req.Conflict.Entity,
		"id":         req.Conflict.EntityID,
		"resolution": req.Resolution,
	}).Info("Conflict resolved")
	return nil
}

// Close stops background work. The store and transport are owned by
// the caller that built them.
func (e *Engine) Close() error {
	e.StopAutoSync()
	if e.notifier != nil {
		return e.notifier.Close()
	}
	return nil
}

// requestSync nudges the auto-sync loop without blocking.
func (e *Engine) requestSync() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

func (e *Engine) recordConflicts(conflicts []models.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	e.mu.Lock()
	for _, c := range conflicts {
		e.conflicts[conflictKey(c)] = c
	}
	e.mu.Unlock()

	e.setState(func(s *models.SyncState) {})
}

func (e *Engine) refreshPending(ctx context.Context) {
	if pending, err := e.queue.PendingCount(ctx); err == nil {
		e.setState(func(s *models.SyncState) {
			s.PendingCount = pending
		})
	}
}

// setState mutates the single state instance and fans the new snapshot
// out to every subscriber. Sends are non-blocking and happen under the
// lock, so an unsubscribe can never close a channel mid-send. Slow
// subscribers miss intermediate snapshots rather than blocking the
// engine.
func (e *Engine) setState(fn func(*models.SyncState)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.state)
	snapshot := e.snapshotLocked()
	for _, ch := range e.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (e *Engine) snapshotLocked() models.SyncState {
	s := e.state
	s.OpenConflicts = len(e.conflicts)
	return s
}

func conflictKey(c models.Conflict) string {
	return string(c.Entity) + "/" + c.EntityID
}
