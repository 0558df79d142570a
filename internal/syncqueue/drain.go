package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
)

// Meta keys written after every drain.
const (
	MetaLastDrainAt     = "last_drain_at"
	MetaLastDrainResult = "last_drain_result"
)

// Reasons a drain stops before the queue is exhausted.
const (
	HaltInProgress        = "in-progress"
	HaltOffline           = "offline"
	HaltRemoteUnavailable = "remote-unavailable"
	HaltStorageError      = "storage-unavailable"
	HaltCanceled          = "canceled"
)

// DrainResult summarizes one drain.
type DrainResult struct {
	Ran        bool      `json:"ran"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`

	// Held counts items skipped because their record awaits conflict resolution.
	Held int `json:"held"`

	Halted string `json:"halted,omitempty"`
}

// outcome is how a single item ended.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeConflict
	outcomeHeld
)

// Drain replays queued items in (priority desc, id asc) order.
//
// It is a no-op while another drain runs or while offline. The queue is
// re-read before every item, so items enqueued mid-drain are picked up by
// the same drain; each item is attempted at most once per drain.
// Per-item failures never abort the drain. Loss of connectivity, an
// unreachable remote or an unavailable store halt it; untouched items
// stay queued.
//
// Storage outages are reported through Halted and a storage-unavailable
// event rather than the returned error.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	if !p.draining.CompareAndSwap(false, true) {
		return DrainResult{Halted: HaltInProgress}, nil
	}
	defer p.draining.Store(false)

	if !p.Online() {
		return DrainResult{Halted: HaltOffline}, nil
	}

	res := DrainResult{Ran: true, StartedAt: p.clock.Now()}
	p.publish(events.Event{Type: events.SyncStarted})
	p.logger.Info("drain started")

	err := p.drainLoop(ctx, &res)

	res.FinishedAt = p.clock.Now()
	if syncerr.IsStorageUnavailable(err) {
		res.Halted = HaltStorageError
		p.logger.Warn("drain halted: storage unavailable", "error", err)
		p.publish(events.Event{Type: events.StorageUnavailable, Error: err.Error()})
		err = nil
	} else {
		p.saveResult(ctx, res)
	}

	p.publish(events.Event{Type: events.SyncFinished})
	p.logger.Info("drain finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"retrying", res.Retrying,
		"failed", res.Failed,
		"conflicts", res.Conflicts,
		"held", res.Held,
		"halted", res.Halted)
	return res, err
}

func (p *Processor) drainLoop(ctx context.Context, res *DrainResult) error {
	if err := p.sweepPending(ctx); err != nil {
		return err
	}
	attempted := make(map[int64]bool)

	for {
		if ctx.Err() != nil {
			res.Halted = HaltCanceled
			return nil
		}
		if !p.Online() {
			res.Halted = HaltOffline
			return nil
		}

		item, ok, err := p.next(ctx, attempted)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		attempted[item.ID] = true

		out, err := p.process(ctx, item)
		if syncerr.IsUnavailable(err) {
			res.Halted = HaltRemoteUnavailable
			p.logger.Warn("drain halted: remote unavailable", "queue_id", item.ID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}

		switch out {
		case outcomeHeld:
			res.Held++
			continue
		case outcomeSucceeded:
			res.Succeeded++
		case outcomeRetrying:
			res.Retrying++
		case outcomeFailed:
			res.Failed++
		case outcomeConflict:
			res.Conflicts++
		}
		res.Attempted++
	}
}

// sweepPending retries automatic resolution of conflicts left pending by
// an earlier drain whose resolution could not be recorded. Their records
// stay conflicted, holding every later item, until this succeeds.
func (p *Processor) sweepPending(ctx context.Context) error {
	if p.resolver == nil {
		return nil
	}

	var pending []model.Conflict
	err := p.store.View(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		var err error
		pending, err = tx.ListConflicts(ctx, store.ConflictFilter{Statuses: []model.ConflictStatus{model.ConflictPending}})
		return err
	})
	if err != nil {
		return fmt.Errorf("read pending conflicts: %w", err)
	}

	for _, c := range pending {
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Info("retrying automatic resolution", "conflict", c.ID, "entity", c.Key().String())
		if _, err := p.resolver.ResolveAutomatically(ctx, c.ID); err != nil {
			p.logger.Error("automatic resolution could not be recorded", "conflict", c.ID, "error", err)
		}
	}
	return nil
}

// next returns the first queued item not yet attempted in this drain.
func (p *Processor) next(ctx context.Context, attempted map[int64]bool) (model.QueueItem, bool, error) {
	var items []model.QueueItem
	err := p.store.View(ctx, []store.Collection{store.Queue}, func(tx *store.Tx) error {
		var err error
		items, err = tx.ListQueue(ctx)
		return err
	})
	if err != nil {
		return model.QueueItem{}, false, fmt.Errorf("read queue: %w", err)
	}
	for _, it := range items {
		if !attempted[it.ID] {
			return it, true, nil
		}
	}
	return model.QueueItem{}, false, nil
}

// process replays one item and commits its outcome.
func (p *Processor) process(ctx context.Context, item model.QueueItem) (outcome, error) {
	key := item.Key()

	rec, held, err := p.markSyncing(ctx, item)
	if err != nil {
		return 0, err
	}
	if held {
		p.logger.Debug("item held for conflict resolution", "queue_id", item.ID, "entity", key.String())
		return outcomeHeld, nil
	}

	// Syncs and resolutions confirmed after the item was queued advance its base.
	if rec.ServerUpdatedAt.After(item.BaseTimestamp) {
		item.BaseTimestamp = rec.ServerUpdatedAt
	}

	p.logger.Debug("replaying item",
		"queue_id", item.ID, "operation", string(item.Operation), "entity", key.String(), "attempt", item.AttemptCount+1)

	result, err := p.remote.Replay(ctx, remote.Request{
		Operation:      item.Operation,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Payload:        item.Payload,
		BaseTimestamp:  item.BaseTimestamp,
		IdempotencyKey: item.IdempotencyKey,
	})

	switch {
	case err == nil:
		return p.onReplied(ctx, item, rec, result)
	case syncerr.IsUnavailable(err):
		if rerr := p.revertSyncing(ctx, key); rerr != nil {
			return 0, rerr
		}
		return 0, err
	case syncerr.IsRejected(err):
		return p.onRejected(ctx, item, err)
	default:
		return p.onTransient(ctx, item, err)
	}
}

// markSyncing moves the item's record to syncing. Items whose record is
// conflicted are held back until the conflict is resolved.
func (p *Processor) markSyncing(ctx context.Context, item model.QueueItem) (model.Record, bool, error) {
	var rec model.Record
	held := false

	err := p.store.Transaction(ctx, []store.Collection{store.Records}, func(tx *store.Tx) error {
		var err error
		rec, err = tx.GetRecord(ctx, item.Key())
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = model.Record{
				EntityType: item.EntityType,
				EntityID:   item.EntityID,
				Fields:     fields.CloneObject(item.Payload),
				UpdatedAt:  item.CreatedAt,
			}
		case err != nil:
			return err
		}

		if rec.SyncState == model.StateConflicted {
			held = true
			return nil
		}
		if err := moveTo(&rec, model.StateSyncing); err != nil {
			return err
		}
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return model.Record{}, false, fmt.Errorf("mark syncing %s: %w", item.Key(), err)
	}
	return rec, held, nil
}

// revertSyncing returns a record to pending after a replay that never
// reached the remote.
func (p *Processor) revertSyncing(ctx context.Context, key model.RecordKey) error {
	err := p.store.Transaction(ctx, []store.Collection{store.Records}, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, key)
		if err != nil {
			return err
		}
		if rec.SyncState != model.StateSyncing {
			return nil
		}
		if err := rec.Transition(model.StatePending); err != nil {
			return err
		}
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("revert %s to pending: %w", key, err)
	}
	return nil
}

func (p *Processor) onReplied(ctx context.Context, item model.QueueItem, rec model.Record, result remote.Result) (outcome, error) {
	if result.Status == remote.StatusConflict && result.ServerVersion == nil {
		canon, err := p.remote.FetchCanonical(ctx, item.EntityType, item.EntityID)
		if err != nil {
			if syncerr.IsUnavailable(err) {
				if rerr := p.revertSyncing(ctx, item.Key()); rerr != nil {
					return 0, rerr
				}
				return 0, err
			}
			return p.onTransient(ctx, item, fmt.Errorf("conflict without server version: %w", err))
		}
		result.ServerVersion = canon.Fields
		result.ServerTimestamp = canon.UpdatedAt
	}

	var (
		detected model.Conflict
		diverged bool
	)
	err := p.store.Transaction(ctx, []store.Collection{store.Records, store.Queue, store.Conflicts}, func(tx *store.Tx) error {
		if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
		remaining, err := tx.QueueForEntity(ctx, item.Key())
		if err != nil {
			return err
		}

		cur, err := tx.GetRecord(ctx, item.Key())
		switch {
		case errors.Is(err, store.ErrNotFound):
			cur = rec
		case err != nil:
			return err
		}

		local := conflict.Snapshot{Fields: cur.Fields, UpdatedAt: cur.UpdatedAt}
		if local.Fields == nil {
			local.Fields = fields.Object{}
		}
		server := conflict.Snapshot{Fields: result.ServerVersion, UpdatedAt: result.ServerTimestamp}
		if p.diverged(item, result, len(remaining), local, server) {
			diverged = true
			detected, err = p.detector.Detect(ctx, tx, item.Key(), local, server)
			if err != nil {
				return err
			}
			if err := moveTo(&cur, model.StateConflicted); err != nil {
				return err
			}
			return tx.PutRecord(ctx, cur)
		}

		if item.Operation == model.OpDelete && len(remaining) == 0 {
			return tx.DeleteRecord(ctx, item.Key())
		}
		if result.ServerVersion != nil && len(remaining) == 0 {
			cur.Fields = fields.CloneObject(result.ServerVersion)
		}
		if result.ServerTimestamp.After(cur.ServerUpdatedAt) {
			cur.ServerUpdatedAt = result.ServerTimestamp
		}
		next := model.StateClean
		if len(remaining) > 0 {
			next = model.StatePending
		}
		if err := moveTo(&cur, next); err != nil {
			return err
		}
		return tx.PutRecord(ctx, cur)
	})
	if err != nil {
		return 0, fmt.Errorf("commit replay of item %d: %w", item.ID, err)
	}

	if !diverged {
		p.logger.Debug("item synced", "queue_id", item.ID, "entity", item.Key().String())
		p.publish(events.Event{
			Type:       events.SyncItemSucceeded,
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			QueueID:    item.ID,
			Attempt:    item.AttemptCount + 1,
		})
		return outcomeSucceeded, nil
	}

	p.logger.Info("conflict detected",
		"conflict", detected.ID, "entity", item.Key().String(),
		"type", string(detected.Type), "severity", string(detected.Severity), "diff", detected.DiffFields)
	p.publish(events.Event{
		Type:       events.ConflictDetected,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		QueueID:    item.ID,
		ConflictID: detected.ID,
		Severity:   detected.Severity,
	})
	if p.resolver != nil {
		if _, err := p.resolver.ResolveAutomatically(ctx, detected.ID); err != nil {
			p.logger.Error("automatic resolution could not be recorded", "conflict", detected.ID, "error", err)
		}
	}
	return outcomeConflict, nil
}

// diverged reports whether a replied item revealed an independent remote
// change. A delete diverges only when the remote refused it, whatever the
// field diff. Success only diverges when the server version is newer than
// the item's base and differs from the local record; items followed by
// more local mutations are left to the last one.
func (p *Processor) diverged(item model.QueueItem, result remote.Result, remaining int, local, server conflict.Snapshot) bool {
	if result.ServerVersion == nil {
		return false
	}
	if item.Operation == model.OpDelete {
		return result.Status == remote.StatusConflict
	}
	diff := conflict.DiffFields(local.Fields, server.Fields, p.policy.For(item.EntityType))
	if len(diff) == 0 {
		return false
	}
	if result.Status == remote.StatusConflict {
		return true
	}
	if remaining > 0 {
		return false
	}
	return result.ServerTimestamp.After(item.BaseTimestamp)
}

func (p *Processor) onTransient(ctx context.Context, item model.QueueItem, cause error) (outcome, error) {
	ceiling := p.policy.For(item.EntityType).RetryCeiling
	item.AttemptCount++
	item.LastError = cause.Error()
	terminal := item.AttemptCount >= ceiling

	err := p.store.Transaction(ctx, []store.Collection{store.Records, store.Queue}, func(tx *store.Tx) error {
		if terminal {
			return p.failItem(ctx, tx, item)
		}
		if err := tx.UpdateQueueItem(ctx, item); err != nil {
			return err
		}
		return p.settleRecord(ctx, tx, item.Key(), model.StatePending, "")
	})
	if err != nil {
		return 0, fmt.Errorf("record transient failure of item %d: %w", item.ID, err)
	}

	ev := events.Event{
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		QueueID:    item.ID,
		Attempt:    item.AttemptCount,
		Error:      item.LastError,
	}
	if terminal {
		p.logger.Warn("item failed after retries",
			"queue_id", item.ID, "entity", item.Key().String(), "attempts", item.AttemptCount, "error", cause)
		ev.Type = events.SyncItemFailed
		p.publish(ev)
		return outcomeFailed, nil
	}

	p.logger.Info("item will be retried",
		"queue_id", item.ID, "entity", item.Key().String(), "attempt", item.AttemptCount, "ceiling", ceiling, "error", cause)
	ev.Type = events.SyncItemRetrying
	p.publish(ev)
	return outcomeRetrying, nil
}

func (p *Processor) onRejected(ctx context.Context, item model.QueueItem, cause error) (outcome, error) {
	item.AttemptCount++
	item.LastError = cause.Error()

	err := p.store.Transaction(ctx, []store.Collection{store.Records, store.Queue}, func(tx *store.Tx) error {
		return p.failItem(ctx, tx, item)
	})
	if err != nil {
		return 0, fmt.Errorf("record rejection of item %d: %w", item.ID, err)
	}

	p.logger.Warn("item rejected by remote", "queue_id", item.ID, "entity", item.Key().String(), "error", cause)
	p.publish(events.Event{
		Type:       events.SyncItemFailed,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		QueueID:    item.ID,
		Attempt:    item.AttemptCount,
		Error:      item.LastError,
	})
	return outcomeFailed, nil
}

// failItem deletes a terminally failed item and marks its record failed.
func (p *Processor) failItem(ctx context.Context, tx *store.Tx, item model.QueueItem) error {
	if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
		return err
	}
	return p.settleRecord(ctx, tx, item.Key(), model.StateFailed, item.LastError)
}

func (p *Processor) settleRecord(ctx context.Context, tx *store.Tx, key model.RecordKey, next model.SyncState, lastErr string) error {
	rec, err := tx.GetRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := moveTo(&rec, next); err != nil {
		return err
	}
	rec.LastError = lastErr
	return tx.PutRecord(ctx, rec)
}

func (p *Processor) saveResult(ctx context.Context, res DrainResult) {
	data, err := json.Marshal(res)
	if err != nil {
		p.logger.Error("encode drain result", "error", err)
		return
	}
	err = p.store.Transaction(ctx, []store.Collection{store.Meta}, func(tx *store.Tx) error {
		if err := tx.PutMeta(ctx, MetaLastDrainAt, res.FinishedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		return tx.PutMeta(ctx, MetaLastDrainResult, string(data))
	})
	if err != nil {
		p.logger.Warn("could not record drain result", "error", err)
	}
}
