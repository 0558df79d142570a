package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/syncerr"
)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func testRecord(id string, state model.SyncState) model.Record {
	return model.Record{
		EntityType: "site",
		EntityID:   id,
		Fields:     fields.Object{"status": fields.String("active"), "tags": fields.List{fields.String("a")}},
		UpdatedAt:  t0,
		SyncState:  state,
	}
}

func testItem(id, key string, priority model.Priority) model.QueueItem {
	return model.QueueItem{
		Operation:      model.OpUpdate,
		EntityType:     "site",
		EntityID:       id,
		Payload:        fields.Object{"status": fields.String("active")},
		Priority:       priority,
		IdempotencyKey: key,
		CreatedAt:      t0,
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	require.NoError(t, err, "database file should exist")
	assert.Equal(t, path, s.Path())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}
}

func TestOpen_AppliesPragmasAndVersion(t *testing.T) {
	s := createTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_UnreachablePath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	require.Error(t, err)
	assert.True(t, syncerr.IsStorageUnavailable(err), "got %v", err)
}

func TestRecordRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := testRecord("42", model.StatePending)
	rec.ServerUpdatedAt = t0.Add(-time.Hour)

	require.NoError(t, s.Transaction(ctx, []Collection{Records}, func(tx *Tx) error {
		return tx.PutRecord(ctx, rec)
	}))

	var got model.Record
	require.NoError(t, s.View(ctx, []Collection{Records}, func(tx *Tx) error {
		var err error
		got, err = tx.GetRecord(ctx, rec.Key())
		return err
	}))

	assert.Equal(t, rec.Key(), got.Key())
	assert.True(t, fields.Equal(rec.Fields, got.Fields))
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, rec.ServerUpdatedAt.Equal(got.ServerUpdatedAt))
	assert.Equal(t, model.StatePending, got.SyncState)
}

func TestRecordUpsertKeepsOnePerKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, []Collection{Records}, func(tx *Tx) error {
		if err := tx.PutRecord(ctx, testRecord("42", model.StatePending)); err != nil {
			return err
		}
		return tx.PutRecord(ctx, testRecord("42", model.StateClean))
	}))

	require.NoError(t, s.View(ctx, []Collection{Records}, func(tx *Tx) error {
		recs, err := tx.ListRecords(ctx, RecordFilter{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, model.StateClean, recs[0].SyncState)
		return nil
	}))
}

func TestGetRecordNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.View(ctx, []Collection{Records}, func(tx *Tx) error {
		_, err := tx.GetRecord(ctx, model.RecordKey{EntityType: "site", EntityID: "nope"})
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecordsFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, []Collection{Records}, func(tx *Tx) error {
		for i, state := range []model.SyncState{model.StateClean, model.StateFailed, model.StateFailed} {
			rec := testRecord(fmt.Sprintf("r%d", i), state)
			rec.UpdatedAt = t0.Add(time.Duration(i) * time.Second)
			if err := tx.PutRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, []Collection{Records}, func(tx *Tx) error {
		failed, err := tx.ListRecords(ctx, RecordFilter{State: model.StateFailed})
		require.NoError(t, err)
		require.Len(t, failed, 2)
		assert.Equal(t, "r1", failed[0].EntityID)

		counts, err := tx.CountRecordsByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StateClean])
		assert.Equal(t, 2, counts[model.StateFailed])
		return nil
	}))
}

func TestQueueOrderingAndMonotonicIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var ids []int64
	require.NoError(t, s.Transaction(ctx, []Collection{Queue}, func(tx *Tx) error {
		for i, p := range []model.Priority{model.PriorityNormal, model.PriorityHigh, model.PriorityNormal, model.PriorityHigh} {
			item, err := tx.InsertQueueItem(ctx, testItem(fmt.Sprintf("e%d", i), fmt.Sprintf("k%d", i), p))
			if err != nil {
				return err
			}
			ids = append(ids, item.ID)
		}
		return nil
	}))
	require.Len(t, ids, 4)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	require.NoError(t, s.View(ctx, []Collection{Queue}, func(tx *Tx) error {
		items, err := tx.ListQueue(ctx)
		require.NoError(t, err)
		got := make([]string, len(items))
		for i, it := range items {
			got[i] = it.EntityID
		}
		assert.Equal(t, []string{"e1", "e3", "e0", "e2"}, got)
		return nil
	}))
}

func TestQueueIDsNeverReused(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var first, second model.QueueItem
	require.NoError(t, s.Transaction(ctx, []Collection{Queue}, func(tx *Tx) error {
		var err error
		if first, err = tx.InsertQueueItem(ctx, testItem("a", "k1", model.PriorityNormal)); err != nil {
			return err
		}
		if err := tx.DeleteQueueItem(ctx, first.ID); err != nil {
			return err
		}
		second, err = tx.InsertQueueItem(ctx, testItem("a", "k2", model.PriorityNormal))
		return err
	}))
	assert.Greater(t, second.ID, first.ID)
}

func TestQueueUpdateAndEntityLookup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, []Collection{Queue}, func(tx *Tx) error {
		item, err := tx.InsertQueueItem(ctx, testItem("42", "k1", model.PriorityNormal))
		require.NoError(t, err)
		_, err = tx.InsertQueueItem(ctx, testItem("43", "k2", model.PriorityNormal))
		require.NoError(t, err)

		item.AttemptCount = 2
		item.LastError = "503"
		require.NoError(t, tx.UpdateQueueItem(ctx, item))

		got, err := tx.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.AttemptCount)
		assert.Equal(t, "503", got.LastError)
		assert.True(t, fields.Equal(item.Payload, got.Payload))

		forEntity, err := tx.QueueForEntity(ctx, item.Key())
		require.NoError(t, err)
		assert.Len(t, forEntity, 1)

		n, err := tx.CountQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		assert.ErrorIs(t, tx.UpdateQueueItem(ctx, model.QueueItem{ID: 999}), ErrNotFound)
		return nil
	}))
}

func TestQueueRequiresIdempotencyKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, []Collection{Queue}, func(tx *Tx) error {
		_, err := tx.InsertQueueItem(ctx, testItem("42", "", model.PriorityNormal))
		return err
	})
	require.Error(t, err)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Transaction(ctx, []Collection{Records, Queue}, func(tx *Tx) error {
		if err := tx.PutRecord(ctx, testRecord("42", model.StatePending)); err != nil {
			return err
		}
		if _, err := tx.InsertQueueItem(ctx, testItem("42", "k1", model.PriorityNormal)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, []Collection{Records, Queue}, func(tx *Tx) error {
		recs, err := tx.ListRecords(ctx, RecordFilter{})
		require.NoError(t, err)
		assert.Empty(t, recs)
		n, err := tx.CountQueue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestTransactionScope(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, []Collection{Records}, func(tx *Tx) error {
		_, err := tx.ListQueue(ctx)
		return err
	})
	assert.ErrorIs(t, err, ErrOutOfScope)

	err = s.View(ctx, []Collection{Records}, func(tx *Tx) error {
		return tx.PutRecord(ctx, testRecord("42", model.StateClean))
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	err := s.View(context.Background(), []Collection{Records}, func(tx *Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, syncerr.IsStorageUnavailable(err))
}

func testConflict(id string, status model.ConflictStatus) model.Conflict {
	return model.Conflict{
		ID:              id,
		EntityType:      "site",
		EntityID:        "42",
		LocalData:       fields.Object{"status": fields.String("active")},
		ServerData:      fields.Object{"status": fields.String("inactive")},
		LocalUpdatedAt:  t0,
		ServerUpdatedAt: t0.Add(-10 * time.Second),
		Type:            model.ConflictConcurrent,
		Severity:        model.SeverityCritical,
		DiffFields:      []string{"status"},
		Status:          status,
		DetectedAt:      t0,
	}
}

func TestConflictRoundTripAndOpenLookup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := testConflict("c1", model.ConflictManualRequired)
	esc := t0.Add(time.Second)
	c.EscalatedAt = &esc

	require.NoError(t, s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		return tx.PutConflict(ctx, c)
	}))

	require.NoError(t, s.View(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		got, err := tx.OpenConflict(ctx, c.Key())
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)
		assert.Equal(t, []string{"status"}, got.DiffFields)
		assert.Equal(t, model.SeverityCritical, got.Severity)
		require.NotNil(t, got.EscalatedAt)
		assert.True(t, esc.Equal(*got.EscalatedAt))
		assert.Nil(t, got.ResolvedAt)
		assert.True(t, fields.Equal(c.ServerData, got.ServerData))
		return nil
	}))
}

func TestConflictOnlyOneOpenPerEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		if err := tx.PutConflict(ctx, testConflict("c1", model.ConflictPending)); err != nil {
			return err
		}
		return tx.PutConflict(ctx, testConflict("c2", model.ConflictPending))
	})
	require.Error(t, err)
}

func TestConflictImmutableOnceClosed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	resolved := testConflict("c1", model.ConflictResolved)
	resolved.Resolution = model.StrategyMerge
	require.NoError(t, s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		return tx.PutConflict(ctx, resolved)
	}))

	reopened := resolved
	reopened.Status = model.ConflictPending
	err := s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		return tx.PutConflict(ctx, reopened)
	})
	assert.ErrorIs(t, err, ErrImmutable)

	// A closed conflict does not block a new open one for the same entity.
	require.NoError(t, s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		return tx.PutConflict(ctx, testConflict("c2", model.ConflictPending))
	}))
}

func TestListAndPurgeConflicts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		old := testConflict("old", model.ConflictResolved)
		old.EntityID = "1"
		old.DetectedAt = t0.Add(-48 * time.Hour)
		failed := testConflict("failed", model.ConflictFailed)
		failed.EntityID = "2"
		failed.DetectedAt = t0.Add(-47 * time.Hour)
		open := testConflict("open", model.ConflictManualRequired)
		open.EntityID = "3"
		open.DetectedAt = t0.Add(-72 * time.Hour)
		recent := testConflict("recent", model.ConflictResolved)
		recent.EntityID = "4"
		for _, c := range []model.Conflict{old, failed, open, recent} {
			if err := tx.PutConflict(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.Transaction(ctx, []Collection{Conflicts}, func(tx *Tx) error {
		openOnes, err := tx.ListConflicts(ctx, ConflictFilter{Statuses: []model.ConflictStatus{model.ConflictPending, model.ConflictManualRequired}})
		require.NoError(t, err)
		require.Len(t, openOnes, 1)
		assert.Equal(t, "open", openOnes[0].ID)

		all, err := tx.ListConflicts(ctx, ConflictFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "open", all[0].ID, "ordered by detected_at")

		n, err := tx.PurgeConflicts(ctx, t0.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		return nil
	}))
}

func TestMeta(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transaction(ctx, []Collection{Meta}, func(tx *Tx) error {
		_, err := tx.GetMeta(ctx, "last_drain")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, tx.PutMeta(ctx, "last_drain", "a"))
		require.NoError(t, tx.PutMeta(ctx, "last_drain", "b"))

		v, err := tx.GetMeta(ctx, "last_drain")
		require.NoError(t, err)
		assert.Equal(t, "b", v)
		return nil
	}))
}
