package syncqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/ids"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// Writer creates queue items. It is the only code that inserts into the
// queue, both for local mutations and for resolution push-backs.
type Writer struct {
	ids   ids.Generator
	clock clock.Clock
}

// NewWriter creates a writer. Nil dependencies use UUIDv7 keys and the system clock.
func NewWriter(gen ids.Generator, clk clock.Clock) *Writer {
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Writer{ids: gen, clock: clk}
}

// Append inserts a mutation for rec inside tx and saves rec in its new
// state. A conflicted record stays conflicted so the mutation waits for
// resolution; any other record becomes pending.
func (w *Writer) Append(ctx context.Context, tx *store.Tx, rec *model.Record, op model.Operation, payload fields.Object, priority model.Priority, base time.Time) (model.QueueItem, error) {
	if rec.SyncState != model.StateConflicted {
		if err := moveTo(rec, model.StatePending); err != nil {
			return model.QueueItem{}, err
		}
		rec.LastError = ""
	}
	if err := tx.PutRecord(ctx, *rec); err != nil {
		return model.QueueItem{}, fmt.Errorf("save record: %w", err)
	}

	item, err := tx.InsertQueueItem(ctx, model.QueueItem{
		Operation:      op,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		Payload:        fields.CloneObject(payload),
		Priority:       priority,
		BaseTimestamp:  base,
		IdempotencyKey: w.ids.Generate(),
		CreatedAt:      w.clock.Now(),
	})
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}
	return item, nil
}

// PushBack queues rec's fields as a high-priority update. It satisfies
// conflict.PushBack.
func (w *Writer) PushBack(ctx context.Context, tx *store.Tx, rec model.Record, base time.Time) (model.QueueItem, error) {
	return w.Append(ctx, tx, &rec, model.OpUpdate, rec.Fields, model.PriorityHigh, base)
}

// moveTo transitions rec to next, stepping through pending or syncing when
// the lifecycle has no direct edge (failed -> syncing, pending -> clean).
func moveTo(rec *model.Record, next model.SyncState) error {
	cur := rec.SyncState
	if cur == "" || cur == next || cur.CanTransition(next) {
		return rec.Transition(next)
	}
	for _, via := range []model.SyncState{model.StatePending, model.StateSyncing} {
		if cur.CanTransition(via) && via.CanTransition(next) {
			if err := rec.Transition(via); err != nil {
				return err
			}
			return rec.Transition(next)
		}
	}
	return rec.Transition(next)
}
