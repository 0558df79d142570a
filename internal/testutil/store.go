package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// T0 is the reference instant used by engine tests.
var T0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// OpenStore opens a fresh store in a temporary directory, closed at cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "offsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedRecord writes a clean record that the remote has already confirmed at serverAt.
func SeedRecord(t testing.TB, s *store.Store, entityType, entityID string, obj fields.Object, serverAt time.Time) model.Record {
	t.Helper()
	rec := model.Record{
		EntityType:      entityType,
		EntityID:        entityID,
		Fields:          fields.CloneObject(obj),
		UpdatedAt:       serverAt,
		ServerUpdatedAt: serverAt,
		SyncState:       model.StateClean,
	}
	err := s.Transaction(context.Background(), []store.Collection{store.Records}, func(tx *store.Tx) error {
		return tx.PutRecord(context.Background(), rec)
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

// Record reads a record, failing the test if it is missing.
func Record(t testing.TB, s *store.Store, entityType, entityID string) model.Record {
	t.Helper()
	var rec model.Record
	err := s.View(context.Background(), []store.Collection{store.Records}, func(tx *store.Tx) error {
		var err error
		rec, err = tx.GetRecord(context.Background(), model.RecordKey{EntityType: entityType, EntityID: entityID})
		return err
	})
	if err != nil {
		t.Fatalf("read record %s/%s: %v", entityType, entityID, err)
	}
	return rec
}

// Queue returns every queued item in drain order.
func Queue(t testing.TB, s *store.Store) []model.QueueItem {
	t.Helper()
	var items []model.QueueItem
	err := s.View(context.Background(), []store.Collection{store.Queue}, func(tx *store.Tx) error {
		var err error
		items, err = tx.ListQueue(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	return items
}

// Conflicts returns every conflict, oldest first.
func Conflicts(t testing.TB, s *store.Store) []model.Conflict {
	t.Helper()
	var out []model.Conflict
	err := s.View(context.Background(), []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListConflicts(context.Background(), store.ConflictFilter{})
		return err
	})
	if err != nil {
		t.Fatalf("read conflicts: %v", err)
	}
	return out
}
