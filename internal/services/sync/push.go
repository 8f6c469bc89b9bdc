package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/queue"
	"github.com/salonkit/salonsync/internal/resolver"
	"github.com/salonkit/salonsync/internal/store"
	"github.com/salonkit/salonsync/internal/transport"
)

// Pusher drains the operation queue into the backend and reconciles
// per-operation results into the local store and queue.
type Pusher struct {
	queue     *queue.Queue
	store     *store.Store
	transport transport.Transport
	resolver  *resolver.Resolver
	logger    *events.Logger

	storeID   string
	deviceID  string
	batchSize int
}

// PushOutcome summarizes one push phase.
type PushOutcome struct {
	Completed int
	Failed    int
	Released  int

	// Conflicts awaiting a manual decision; their operations stay
	// pending.
	Conflicts []models.Conflict
}

// NewPusher creates a push handler.
func NewPusher(q *queue.Queue, st *store.Store, tr transport.Transport, res *resolver.Resolver,
	storeID, deviceID string, batchSize int, logger *events.Logger) *Pusher {
	return &Pusher{
		queue:     q,
		store:     st,
		transport: tr,
		resolver:  res,
		storeID:   storeID,
		deviceID:  deviceID,
		batchSize: batchSize,
		logger:    logger.WithField("component", "push"),
	}
}

// Run pushes batches until the queue drains or the transport fails.
// One operation's failure never blocks the rest of its batch. Operations
// left in flight by a transport failure are released back to pending
// with their retry budget untouched.
func (p *Pusher) Run(ctx context.Context) (*PushOutcome, error) {
	outcome := &PushOutcome{}

	// Operations already attempted this cycle go back to pending when
	// they fail retryably or hit a manual conflict; they wait for the
	// next cycle rather than looping within this one.
	attempted := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		default:
		}

		claimed, err := p.queue.DequeueBatch(ctx, p.batchSize)
		if err != nil {
			return outcome, &models.SyncError{Phase: "push", Err: err}
		}

		var batch []*models.SyncOperation
		var requeue []string
		for _, op := range claimed {
			if attempted[op.ID] {
				requeue = append(requeue, op.ID)
				continue
			}
			attempted[op.ID] = true
			batch = append(batch, op)
		}
		if len(requeue) > 0 {
			if err := p.queue.Release(ctx, requeue); err != nil {
				return outcome, &models.SyncError{Phase: "push", Err: err}
			}
		}
		if len(batch) == 0 {
			return outcome, nil
		}

		resp, err := p.transport.Push(ctx, &models.PushRequest{
			StoreID:    p.storeID,
			DeviceID:   p.deviceID,
			Operations: batch,
		})
		if err != nil {
			released := p.releaseBatch(batch)
			outcome.Released += released
			return outcome, p.classifyTransportError(err)
		}

		byID := make(map[string]*models.SyncOperation, len(batch))
		for _, op := range batch {
			byID[op.ID] = op
		}

		handled := make(map[string]bool, len(batch))
		for _, result := range resp.Results {
			op, ok := byID[result.OperationID]
			if !ok {
				p.logger.WithField("op", result.OperationID).Warn("Result for unknown operation")
				continue
			}
			handled[op.ID] = true

			if err := p.applyResult(ctx, op, result, outcome); err != nil {
				return outcome, err
			}
		}

		// A response that omits an operation says nothing about it;
		// leave it pending for the next cycle.
		var orphans []string
		for _, op := range batch {
			if !handled[op.ID] {
				orphans = append(orphans, op.ID)
			}
		}
		if len(orphans) > 0 {
			if err := p.queue.Release(ctx, orphans); err != nil {
				return outcome, &models.SyncError{Phase: "push", Err: err}
			}
			outcome.Released += len(orphans)
		}
	}
}

// applyResult reconciles one operation's outcome.
func (p *Pusher) applyResult(ctx context.Context, op *models.SyncOperation, result models.OperationResult, outcome *PushOutcome) error {
	log := p.logger.WithFields(map[string]interface{}{
		"op":     op.ID,
		"entity": op.Entity,
		"action": op.Action,
	})

	switch {
	case result.Success:
		if err := p.applySuccess(ctx, op, result); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
		outcome.Completed++
		log.Debug("Operation completed")
		return nil

	case result.Conflict != nil:
		return p.applyConflict(ctx, op, *result.Conflict, outcome)

	case result.Error != nil:
		if result.Error.IsConflict() {
			// Version clash reported without a conflict body; build
			// one from what we hold locally.
			return p.applyConflict(ctx, op, p.conflictFromOp(ctx, op, result), outcome)
		}
		return p.applyError(ctx, op, result.Error, outcome)

	default:
		// Malformed result; treat as a server error so it retries.
		return p.applyError(ctx, op, &models.SyncAPIError{
			Code:    models.ErrCodeServerError,
			Message: "result without status",
		}, outcome)
	}
}

func (p *Pusher) applySuccess(ctx context.Context, op *models.SyncOperation, result models.OperationResult) error {
	switch op.Action {
	case models.ActionCreate:
		switch {
		case op.EntityID != "" && result.EntityID != "":
			// The caller stored the record under a provisional local
			// id; rewrite it under the server's.
			err := p.store.AdoptServerID(ctx, op.Entity, op.EntityID, result.EntityID, result.SyncVersion)
			if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
				return err
			}
			if errors.Is(err, models.ErrRecordNotFound) {
				if err := p.store.PutRecord(ctx, op.Entity, result.EntityID, op.Payload, result.SyncVersion); err != nil {
					return err
				}
			}
		case result.EntityID != "":
			if err := p.store.PutRecord(ctx, op.Entity, result.EntityID, op.Payload, result.SyncVersion); err != nil {
				return err
			}
		default:
			return fmt.Errorf("create result for %s missing entity id", op.ID)
		}

	case models.ActionUpdate:
		err := p.store.SetRecordVersion(ctx, op.Entity, op.EntityID, result.SyncVersion)
		if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
			return err
		}

	case models.ActionDelete:
		if err := p.store.DeleteRecord(ctx, op.Entity, op.EntityID); err != nil {
			return err
		}
	}

	return p.queue.MarkCompleted(ctx, op.ID)
}

func (p *Pusher) applyConflict(ctx context.Context, op *models.SyncOperation, conflict models.Conflict, outcome *PushOutcome) error {
	conflict.OperationID = op.ID
	if conflict.ClientTime.IsZero() {
		conflict.ClientTime = op.ClientTime
	}
	if len(conflict.ClientData) == 0 {
		conflict.ClientData = op.Payload
	}

	res, err := p.resolver.Resolve(conflict, conflict.Suggested)
	if err != nil {
		return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
	}

	if res.NeedsConfirmation {
		// Human decision required; the operation waits.
		if err := p.queue.Release(ctx, []string{op.ID}); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
		outcome.Conflicts = append(outcome.Conflicts, conflict)
		p.logger.WithFields(map[string]interface{}{
			"op":     op.ID,
			"entity": conflict.Entity,
			"id":     conflict.EntityID,
		}).Warn("Conflict awaiting manual resolution")
		return nil
	}

	// Automatic strategies write the winner locally at the server's
	// version and complete the operation. For client_wins the data is
	// local but the version still advances, so the conflict cannot
	// recur on the next cycle.
	if len(res.Data) > 0 && conflict.EntityID != "" {
		if err := p.store.PutRecord(ctx, conflict.Entity, conflict.EntityID, res.Data, res.SyncVersion); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
	}
	if err := p.queue.MarkCompleted(ctx, op.ID); err != nil {
		return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
	}
	outcome.Completed++
	return nil
}

func (p *Pusher) applyError(ctx context.Context, op *models.SyncOperation, apiErr *models.SyncAPIError, outcome *PushOutcome) error {
	log := p.logger.WithFields(map[string]interface{}{
		"op":   op.ID,
		"code": apiErr.Code,
	})

	switch apiErr.Code {
	case models.ErrCodeNotFound:
		// The target is already gone server-side; nothing left to do.
		if op.Action == models.ActionDelete || op.Action == models.ActionUpdate {
			if err := p.store.DeleteRecord(ctx, op.Entity, op.EntityID); err != nil {
				return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
			}
		}
		if err := p.queue.MarkCompleted(ctx, op.ID); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
		outcome.Completed++
		log.Debug("Target already deleted server-side")
		return nil

	case models.ErrCodeValidation, models.ErrCodePermissionDenied:
		if err := p.queue.FailPermanently(ctx, op.ID, apiErr.Error()); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
		outcome.Failed++
		log.Warn("Operation rejected permanently")
		return nil

	case models.ErrCodeNetwork:
		// Connectivity reflects nothing about the operation itself;
		// no retry budget is spent.
		if err := p.queue.Release(ctx, []string{op.ID}); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
		outcome.Released++
		return nil

	default:
		// RATE_LIMITED, SERVER_ERROR, anything unknown: spend one
		// retry, park as failed once the budget runs out.
		if err := p.queue.MarkFailed(ctx, op.ID, apiErr.Error()); err != nil {
			return &models.SyncError{Phase: "push", Entity: op.Entity, Err: err}
		}
		outcome.Failed++
		log.Warn("Operation failed, will retry")
		return nil
	}
}

// conflictFromOp builds a conflict for a bare VERSION_MISMATCH result.
func (p *Pusher) conflictFromOp(ctx context.Context, op *models.SyncOperation, result models.OperationResult) models.Conflict {
	conflict := models.Conflict{
		Entity:        op.Entity,
		EntityID:      op.EntityID,
		ClientVersion: op.BaseVersion,
		ServerVersion: result.SyncVersion,
		ClientData:    op.Payload,
		ClientTime:    op.ClientTime,
		OperationID:   op.ID,
	}
	if rec, err := p.store.GetRecord(ctx, op.Entity, op.EntityID); err == nil {
		conflict.ClientVersion = rec.SyncVersion
	}
	return conflict
}

func (p *Pusher) releaseBatch(batch []*models.SyncOperation) int {
	ids := make([]string, len(batch))
	for i, op := range batch {
		ids[i] = op.ID
	}
	// Release under a fresh context: the cycle's context may already be
	// cancelled and claimed operations must not stay stuck in syncing.
	if err := p.queue.Release(context.Background(), ids); err != nil {
		p.logger.WithError(err).Error("Failed to release batch")
		return 0
	}
	return len(ids)
}

func (p *Pusher) classifyTransportError(err error) error {
	var apiErr *models.SyncAPIError
	if errors.As(err, &apiErr) {
		return &models.SyncError{Phase: "push", Err: apiErr}
	}
	return &models.SyncError{Phase: "push", Err: models.NetworkError(err)}
}
