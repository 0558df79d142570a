package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/offsync/internal/model"
)

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	EntityType string
	State      model.SyncState
}

// GetRecord returns the record stored under key, or ErrNotFound.
func (t *Tx) GetRecord(ctx context.Context, key model.RecordKey) (model.Record, error) {
	if err := t.read(Records); err != nil {
		return model.Record{}, err
	}

	row := t.tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, fields, updated_at, server_updated_at, sync_state, last_error
		FROM records
		WHERE entity_type = ? AND entity_id = ?
	`, key.EntityType, key.EntityID)

	rec, err := scanRecord(row)
	if err != nil {
		return model.Record{}, classify("get record", err)
	}
	return rec, nil
}

// PutRecord inserts or replaces the record with the same key.
func (t *Tx) PutRecord(ctx context.Context, rec model.Record) error {
	if err := t.write(Records); err != nil {
		return err
	}
	if !rec.SyncState.Valid() {
		return fmt.Errorf("put record %s: invalid sync state %q", rec.Key(), rec.SyncState)
	}

	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.Key(), err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO records
		(entity_type, entity_id, fields, updated_at, server_updated_at, sync_state, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			server_updated_at = excluded.server_updated_at,
			sync_state = excluded.sync_state,
			last_error = excluded.last_error
	`,
		rec.EntityType,
		rec.EntityID,
		fieldsJSON,
		toNanos(rec.UpdatedAt),
		toNanos(rec.ServerUpdatedAt),
		string(rec.SyncState),
		rec.LastError,
	)
	if err != nil {
		return classify("put record", err)
	}
	return nil
}

// DeleteRecord removes the record under key. Deleting a missing record is not an error.
func (t *Tx) DeleteRecord(ctx context.Context, key model.RecordKey) error {
	if err := t.write(Records); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND entity_id = ?`,
		key.EntityType, key.EntityID)
	if err != nil {
		return classify("delete record", err)
	}
	return nil
}

// ListRecords returns records ordered by updated_at, then key.
func (t *Tx) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	if err := t.read(Records); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.State != "" {
		where = append(where, "sync_state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT entity_type, entity_id, fields, updated_at, server_updated_at, sync_state, last_error FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, entity_type ASC, entity_id ASC"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list records", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("list records", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list records", err)
	}
	return out, nil
}

// CountRecordsByState returns the number of records in each sync state.
func (t *Tx) CountRecordsByState(ctx context.Context) (map[model.SyncState]int, error) {
	if err := t.read(Records); err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT sync_state, COUNT(*) FROM records GROUP BY sync_state`)
	if err != nil {
		return nil, classify("count records", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, classify("count records", err)
		}
		counts[model.SyncState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count records", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (model.Record, error) {
	var (
		rec             model.Record
		fieldsJSON      string
		updatedAt       int64
		serverUpdatedAt int64
		state           string
	)
	if err := s.Scan(&rec.EntityType, &rec.EntityID, &fieldsJSON, &updatedAt, &serverUpdatedAt, &state, &rec.LastError); err != nil {
		return model.Record{}, err
	}

	obj, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return model.Record{}, err
	}
	rec.Fields = obj
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.ServerUpdatedAt = fromNanos(serverUpdatedAt)
	rec.SyncState = model.SyncState(state)
	return rec, nil
}

var _ scanner = (*sql.Row)(nil)
