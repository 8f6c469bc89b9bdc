package sync

import (
	"context"
	"errors"
	"time"

	"github.com/salonkit/salonsync/internal/events"
	"github.com/salonkit/salonsync/internal/models"
	"github.com/salonkit/salonsync/internal/queue"
	"github.com/salonkit/salonsync/internal/resolver"
	"github.com/salonkit/salonsync/internal/store"
	"github.com/salonkit/salonsync/internal/transport"
)

// Puller retrieves remote changes since the per-entity checkpoints and
// merges them into the local store.
type Puller struct {
	store     *store.Store
	queue     *queue.Queue
	transport transport.Transport
	resolver  *resolver.Resolver
	logger    *events.Logger

	storeID  string
	deviceID string
	limit    int
}

// PullOutcome summarizes one pull phase.
type PullOutcome struct {
	Applied   int
	Deleted   int
	Skipped   int // local copy was newer or had a winning local edit
	FullSync  bool
	Conflicts []models.Conflict
}

// NewPuller creates a pull handler.
func NewPuller(st *store.Store, q *queue.Queue, tr transport.Transport, res *resolver.Resolver,
	storeID, deviceID string, limit int, logger *events.Logger) *Puller {
	return &Puller{
		store:     st,
		queue:     q,
		transport: tr,
		resolver:  res,
		storeID:   storeID,
		deviceID:  deviceID,
		limit:     limit,
		logger:    logger.WithField("component", "pull"),
	}
}

// Run pulls change pages for the given entity types (nil means all)
// until no page reports hasMore. Persisted checkpoints advance only
// after the whole page chain has applied: a crash mid-chain re-pulls
// from the old checkpoint instead of skipping records.
func (p *Puller) Run(ctx context.Context, entities []models.EntityType) (*PullOutcome, error) {
	if len(entities) == 0 {
		entities = models.AllEntityTypes
	}

	since := make(map[models.EntityType]int64, len(entities))
	for _, entity := range entities {
		v, err := p.store.Checkpoint(ctx, entity)
		if err != nil {
			return nil, &models.SyncError{Phase: "pull", Entity: entity, Err: err}
		}
		since[entity] = v
	}

	outcome := &PullOutcome{}
	restarted := false

	for {
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		default:
		}

		resp, err := p.transport.Pull(ctx, &models.PullRequest{
			StoreID:  p.storeID,
			DeviceID: p.deviceID,
			Since:    since,
			Entities: entities,
			Limit:    p.limit,
		})
		if err != nil {
			return outcome, p.classifyTransportError(err)
		}

		if resp.RequiresFullSync {
			// The server cannot diff from our checkpoint; start over
			// from zero. Version-checked upserts make the replay safe.
			if restarted {
				return outcome, &models.SyncError{Phase: "pull",
					Err: errors.New("server demanded full sync twice in one cycle")}
			}
			restarted = true
			outcome.FullSync = true

			if err := p.store.ResetCheckpoints(ctx); err != nil {
				return outcome, &models.SyncError{Phase: "pull", Err: err}
			}
			for entity := range since {
				since[entity] = 0
			}
			p.logger.Warn("Checkpoint too stale, performing full resync")
			continue
		}

		hasMore := false
		for i := range resp.Changes {
			changes := &resp.Changes[i]
			if err := p.applyChanges(ctx, changes, outcome); err != nil {
				return outcome, err
			}

			if changes.SyncVersion > since[changes.Entity] {
				since[changes.Entity] = changes.SyncVersion
			}
			if changes.HasMore {
				hasMore = true
			}
		}

		if hasMore {
			continue
		}

		// Whole chain consumed; only now do checkpoints move.
		for _, entity := range entities {
			if err := p.store.SetCheckpoint(ctx, entity, since[entity]); err != nil {
				return outcome, &models.SyncError{Phase: "checkpoint", Entity: entity, Err: err}
			}
		}
		if !resp.ServerTimestamp.IsZero() {
			if err := p.store.SetMeta(ctx, store.MetaLastSyncAt,
				resp.ServerTimestamp.UTC().Format(time.RFC3339Nano)); err != nil {
				return outcome, &models.SyncError{Phase: "checkpoint", Err: err}
			}
		}
		return outcome, nil
	}
}

// applyChanges merges one entity delta.
func (p *Puller) applyChanges(ctx context.Context, changes *models.EntityChanges, outcome *PullOutcome) error {
	entity := changes.Entity
	if !entity.Valid() {
		p.logger.WithField("entity", string(entity)).Warn("Ignoring unknown entity in pull")
		return nil
	}

	for _, rec := range append(changes.Created, changes.Updated...) {
		applied, err := p.applyRecord(ctx, entity, rec, outcome)
		if err != nil {
			return &models.SyncError{Phase: "pull", Entity: entity, Err: err}
		}
		if applied {
			outcome.Applied++
		} else {
			outcome.Skipped++
		}
	}

	for _, id := range changes.DeletedIDs {
		if err := p.store.DeleteRecord(ctx, entity, id); err != nil {
			return &models.SyncError{Phase: "pull", Entity: entity, Err: err}
		}
		outcome.Deleted++
	}

	if !changes.Empty() {
		p.logger.WithFields(map[string]interface{}{
			"entity":  entity,
			"count":   changes.Count(),
			"version": changes.SyncVersion,
		}).Debug("Applied entity delta")
	}
	return nil
}

// applyRecord merges one pulled record, routing through the resolver
// when the record also has pending local edits.
func (p *Puller) applyRecord(ctx context.Context, entity models.EntityType, rec models.VersionedRecord, outcome *PullOutcome) (bool, error) {
	pending, err := p.queue.PendingForEntity(ctx, entity, rec.ID)
	if err != nil {
		return false, err
	}

	if len(pending) == 0 {
		return p.store.UpsertIfNewer(ctx, entity, rec)
	}

	// Local work in flight on this record; never blindly overwrite it.
	local, err := p.store.GetRecord(ctx, entity, rec.ID)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return false, err
	}

	conflict := models.Conflict{
		Entity:         entity,
		EntityID:       rec.ID,
		ServerVersion:  rec.SyncVersion,
		ServerData:     rec.Data,
		ServerModified: rec.UpdatedAt,
		ClientTime:     pending[len(pending)-1].ClientTime,
		OperationID:    pending[len(pending)-1].ID,
	}
	if local != nil {
		conflict.ClientVersion = local.SyncVersion
		conflict.ClientData = local.Data
	}

	if !resolver.Detect(conflict) {
		// Same content, just a version catch-up.
		return p.store.UpsertIfNewer(ctx, entity, rec)
	}

	res, err := p.resolver.Resolve(conflict, "")
	if err != nil {
		return false, err
	}

	if res.NeedsConfirmation {
		// Keep local data; the conflict surfaces for a decision and
		// the pending push will report the clash authoritatively.
		outcome.Conflicts = append(outcome.Conflicts, conflict)
		return false, nil
	}

	if res.Winner == resolver.WinnerServer {
		if _, err := p.store.UpsertIfNewer(ctx, entity, rec); err != nil {
			return false, err
		}
		// The local edits lost; complete their queue entries without
		// effect so they are not pushed over the resolved record.
		for _, op := range pending {
			if err := p.queue.MarkCompleted(ctx, op.ID); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	// Client wins: keep local data but adopt the server version so the
	// next push does not trip over a stale base version.
	if local != nil {
		if err := p.store.PutRecord(ctx, entity, rec.ID, local.Data, rec.SyncVersion); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (p *Puller) classifyTransportError(err error) error {
	var apiErr *models.SyncAPIError
	if errors.As(err, &apiErr) {
		return &models.SyncError{Phase: "pull", Err: apiErr}
	}
	return &models.SyncError{Phase: "pull", Err: models.NetworkError(err)}
}
