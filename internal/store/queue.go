package store

import (
	"context"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

const queueColumns = `id, operation, entity_type, entity_id, payload, priority,
	attempt_count, base_timestamp, idempotency_key, last_error, created_at`

// InsertQueueItem appends an item and returns it with its assigned ID.
// Any ID on the input is ignored.
func (t *Tx) InsertQueueItem(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	if err := t.write(Queue); err != nil {
		return model.QueueItem{}, err
	}
	if item.IdempotencyKey == "" {
		return model.QueueItem{}, fmt.Errorf("insert queue item: idempotency key is required")
	}

	payloadJSON, err := marshalFields(item.Payload)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_queue
		(operation, entity_type, entity_id, payload, priority, attempt_count,
		 base_timestamp, idempotency_key, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(item.Operation),
		item.EntityType,
		item.EntityID,
		payloadJSON,
		int(item.Priority),
		item.AttemptCount,
		toNanos(item.BaseTimestamp),
		item.IdempotencyKey,
		item.LastError,
		toNanos(item.CreatedAt),
	)
	if err != nil {
		return model.QueueItem{}, classify("insert queue item", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.QueueItem{}, classify("insert queue item", err)
	}
	item.ID = id
	return item, nil
}

// GetQueueItem returns the item with id, or ErrNotFound.
func (t *Tx) GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error) {
	if err := t.read(Queue); err != nil {
		return model.QueueItem{}, err
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		return model.QueueItem{}, classify("get queue item", err)
	}
	return item, nil
}

// UpdateQueueItem persists the retry bookkeeping of an existing item.
// Only attempt_count and last_error are mutable.
func (t *Tx) UpdateQueueItem(ctx context.Context, item model.QueueItem) error {
	if err := t.write(Queue); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE sync_queue SET attempt_count = ?, last_error = ? WHERE id = ?`,
		item.AttemptCount, item.LastError, item.ID)
	if err != nil {
		return classify("update queue item", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteQueueItem removes the item with id. Deleting a missing item is not an error.
func (t *Tx) DeleteQueueItem(ctx context.Context, id int64) error {
	if err := t.write(Queue); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return classify("delete queue item", err)
	}
	return nil
}

// ListQueue returns every item in drain order: priority descending, then id ascending.
func (t *Tx) ListQueue(ctx context.Context) ([]model.QueueItem, error) {
	if err := t.read(Queue); err != nil {
		return nil, err
	}
	return t.queryQueue(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY priority DESC, id ASC`)
}

// QueueForEntity returns the items targeting key in drain order.
func (t *Tx) QueueForEntity(ctx context.Context, key model.RecordKey) ([]model.QueueItem, error) {
	if err := t.read(Queue); err != nil {
		return nil, err
	}
	return t.queryQueue(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY priority DESC, id ASC
	`, key.EntityType, key.EntityID)
}

// CountQueue returns the number of outstanding items.
func (t *Tx) CountQueue(ctx context.Context) (int, error) {
	if err := t.read(Queue); err != nil {
		return 0, err
	}
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, classify("count queue", err)
	}
	return n, nil
}

func (t *Tx) queryQueue(ctx context.Context, query string, args ...any) ([]model.QueueItem, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list queue", err)
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, classify("list queue", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list queue", err)
	}
	return out, nil
}

func scanQueueItem(s scanner) (model.QueueItem, error) {
	var (
		item        model.QueueItem
		op          string
		payloadJSON string
		priority    int
		baseTS      int64
		createdAt   int64
	)
	err := s.Scan(&item.ID, &op, &item.EntityType, &item.EntityID, &payloadJSON, &priority,
		&item.AttemptCount, &baseTS, &item.IdempotencyKey, &item.LastError, &createdAt)
	if err != nil {
		return model.QueueItem{}, err
	}

	payload, err := unmarshalFields(payloadJSON)
	if err != nil {
		return model.QueueItem{}, err
	}
	item.Operation = model.Operation(op)
	item.Payload = payload
	item.Priority = model.Priority(priority)
	item.BaseTimestamp = fromNanos(baseTS)
	item.CreatedAt = fromNanos(createdAt)
	return item, nil
}
