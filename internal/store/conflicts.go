package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/model"
)

const conflictColumns = `id, entity_type, entity_id, local_data, server_data,
	local_updated_at, server_updated_at, conflict_type, severity, diff_fields,
	status, resolution, last_error, detected_at, resolved_at, escalated_at, failed_at`

// ConflictFilter narrows ListConflicts. Zero values match everything.
type ConflictFilter struct {
	EntityType string
	Statuses   []model.ConflictStatus
}

// PutConflict inserts a conflict or updates it in place by ID.
//
// Closed conflicts (resolved or failed) are immutable: updating one
// returns ErrImmutable. Inserting a second open conflict for an entity
// violates the open-conflict index; callers overwrite the existing open
// conflict by reusing its ID.
func (t *Tx) PutConflict(ctx context.Context, c model.Conflict) error {
	if err := t.write(Conflicts); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("put conflict: id is required")
	}

	localJSON, err := marshalFields(c.LocalData)
	if err != nil {
		return fmt.Errorf("put conflict %s: %w", c.ID, err)
	}
	serverJSON, err := marshalFields(c.ServerData)
	if err != nil {
		return fmt.Errorf("put conflict %s: %w", c.ID, err)
	}
	diffJSON, err := marshalStrings(c.DiffFields)
	if err != nil {
		return fmt.Errorf("put conflict %s: %w", c.ID, err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_data = excluded.local_data,
			server_data = excluded.server_data,
			local_updated_at = excluded.local_updated_at,
			server_updated_at = excluded.server_updated_at,
			conflict_type = excluded.conflict_type,
			severity = excluded.severity,
			diff_fields = excluded.diff_fields,
			status = excluded.status,
			resolution = excluded.resolution,
			last_error = excluded.last_error,
			detected_at = excluded.detected_at,
			resolved_at = excluded.resolved_at,
			escalated_at = excluded.escalated_at,
			failed_at = excluded.failed_at
		WHERE conflicts.status IN ('pending', 'manual-required')
	`,
		c.ID,
		c.EntityType,
		c.EntityID,
		localJSON,
		serverJSON,
		toNanos(c.LocalUpdatedAt),
		toNanos(c.ServerUpdatedAt),
		string(c.Type),
		string(c.Severity),
		diffJSON,
		string(c.Status),
		string(c.Resolution),
		c.LastError,
		toNanos(c.DetectedAt),
		optionalTime(c.ResolvedAt),
		optionalTime(c.EscalatedAt),
		optionalTime(c.FailedAt),
	)
	if err != nil {
		return classify("put conflict", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("put conflict %s: %w", c.ID, ErrImmutable)
	}
	return nil
}

// GetConflict returns the conflict with id, or ErrNotFound.
func (t *Tx) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	if err := t.read(Conflicts); err != nil {
		return model.Conflict{}, err
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		return model.Conflict{}, classify("get conflict", err)
	}
	return c, nil
}

// OpenConflict returns the pending or manual-required conflict for key, or ErrNotFound.
func (t *Tx) OpenConflict(ctx context.Context, key model.RecordKey) (model.Conflict, error) {
	if err := t.read(Conflicts); err != nil {
		return model.Conflict{}, err
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'manual-required')
	`, key.EntityType, key.EntityID)
	c, err := scanConflict(row)
	if err != nil {
		return model.Conflict{}, classify("get open conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflicts ordered by detection time, then ID.
func (t *Tx) ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.Conflict, error) {
	if err := t.read(Conflicts); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at ASC, id ASC"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list conflicts", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, classify("list conflicts", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list conflicts", err)
	}
	return out, nil
}

// PurgeConflicts deletes closed conflicts detected before cutoff and
// returns how many were removed. Open conflicts are never purged.
func (t *Tx) PurgeConflicts(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := t.write(Conflicts); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM conflicts
		WHERE status IN ('resolved', 'failed') AND detected_at < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, classify("purge conflicts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("purge conflicts", err)
	}
	return n, nil
}

func scanConflict(s scanner) (model.Conflict, error) {
	var (
		c                               model.Conflict
		localJSON, serverJSON, diffJSON string
		ctype, severity, status, res    string
		localTS, serverTS, detectedAt   int64
		resolvedAt, escalatedAt, failed int64
	)
	err := s.Scan(&c.ID, &c.EntityType, &c.EntityID, &localJSON, &serverJSON,
		&localTS, &serverTS, &ctype, &severity, &diffJSON,
		&status, &res, &c.LastError, &detectedAt, &resolvedAt, &escalatedAt, &failed)
	if err != nil {
		return model.Conflict{}, err
	}

	if c.LocalData, err = unmarshalFields(localJSON); err != nil {
		return model.Conflict{}, err
	}
	if c.ServerData, err = unmarshalFields(serverJSON); err != nil {
		return model.Conflict{}, err
	}
	if c.DiffFields, err = unmarshalStrings(diffJSON); err != nil {
		return model.Conflict{}, err
	}

	c.LocalUpdatedAt = fromNanos(localTS)
	c.ServerUpdatedAt = fromNanos(serverTS)
	c.Type = model.ConflictType(ctype)
	c.Severity = model.Severity(severity)
	c.Status = model.ConflictStatus(status)
	c.Resolution = model.Strategy(res)
	c.DetectedAt = fromNanos(detectedAt)
	c.ResolvedAt = fromOptionalNanos(resolvedAt)
	c.EscalatedAt = fromOptionalNanos(escalatedAt)
	c.FailedAt = fromOptionalNanos(failed)
	return c, nil
}
