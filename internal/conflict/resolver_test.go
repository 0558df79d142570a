package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/ids"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
	"github.com/roach88/offsync/internal/testutil"
)

// stubPushBack queues push-backs the way the sync queue does, or fails.
type stubPushBack struct {
	keys *ids.Sequence
	err  error
}

func (p *stubPushBack) PushBack(ctx context.Context, tx *store.Tx, rec model.Record, base time.Time) (model.QueueItem, error) {
	if p.err != nil {
		return model.QueueItem{}, p.err
	}
	if err := rec.Transition(model.StatePending); err != nil {
		return model.QueueItem{}, err
	}
	if err := tx.PutRecord(ctx, rec); err != nil {
		return model.QueueItem{}, err
	}
	return tx.InsertQueueItem(ctx, model.QueueItem{
		Operation:      model.OpUpdate,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		Payload:        rec.Fields,
		Priority:       model.PriorityHigh,
		BaseTimestamp:  base,
		IdempotencyKey: p.keys.Generate(),
		CreatedAt:      rec.UpdatedAt,
	})
}

type resolverFixture struct {
	store    *store.Store
	clock    *clock.Manual
	remote   *testutil.FakeRemote
	bus      *events.Bus
	sub      *events.Subscription
	policy   *config.Holder
	pushBack *stubPushBack
	detector *Detector
	resolver *Resolver
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	f := &resolverFixture{
		store:    testutil.OpenStore(t),
		clock:    clock.NewManual(t0),
		bus:      events.NewBus(),
		policy:   config.NewHolder(config.DefaultPolicy()),
		pushBack: &stubPushBack{keys: ids.NewSequence("key")},
	}
	f.remote = testutil.NewFakeRemote(f.clock)
	f.sub = f.bus.Subscribe(16)
	f.detector = NewDetector(f.policy, ids.NewSequence("c"), f.clock)
	f.resolver = NewResolver(f.store, f.remote, f.pushBack,
		WithPolicy(f.policy), WithBus(f.bus), WithClock(f.clock))
	return f
}

// conflicted seeds a conflicted record and its pending conflict.
func (f *resolverFixture) conflicted(t *testing.T, id string, local, server Snapshot) model.Conflict {
	t.Helper()
	ctx := context.Background()
	key := model.RecordKey{EntityType: "inventory_item", EntityID: id}

	var c model.Conflict
	err := f.store.Transaction(ctx, []store.Collection{store.Records, store.Conflicts}, func(tx *store.Tx) error {
		rec := model.Record{
			EntityType:      key.EntityType,
			EntityID:        key.EntityID,
			Fields:          local.Fields,
			UpdatedAt:       local.UpdatedAt,
			ServerUpdatedAt: t0.Add(-time.Hour),
			SyncState:       model.StateConflicted,
		}
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		var err error
		c, err = f.detector.Detect(ctx, tx, key, local, server)
		return err
	})
	require.NoError(t, err)
	return c
}

func (f *resolverFixture) nextEvent(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-f.sub.C():
		return e
	default:
		t.Fatal("expected an event")
		return events.Event{}
	}
}

func TestResolveAutomatically_CriticalEscalates(t *testing.T) {
	f := newResolverFixture(t)
	c := f.conflicted(t, "site-42",
		snap(map[string]any{"status": "active"}, t0),
		snap(map[string]any{"status": "inactive"}, t0.Add(-10*time.Second)))
	require.Equal(t, model.SeverityCritical, c.Severity)

	for _, strategy := range []string{"server-wins", "client-wins", "merge"} {
		p := config.DefaultPolicy()
		p.DefaultStrategy = strategy
		f.policy.Store(p)

		got, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ConflictManualRequired, got.Status, strategy)
	}

	stored := testutil.Conflicts(t, f.store)
	require.Len(t, stored, 1)
	assert.Equal(t, model.ConflictManualRequired, stored[0].Status)
	assert.NotNil(t, stored[0].EscalatedAt)
	assert.Empty(t, stored[0].Resolution)

	rec := testutil.Record(t, f.store, "inventory_item", "site-42")
	assert.Equal(t, model.StateConflicted, rec.SyncState)
	assert.Empty(t, testutil.Queue(t, f.store))

	e := f.nextEvent(t)
	assert.Equal(t, events.ConflictEscalated, e.Type)
	assert.Equal(t, model.SeverityCritical, e.Severity)
}

func TestResolveAutomatically_Strategies(t *testing.T) {
	local := snap(map[string]any{"name": "Local", "color": "red"}, t0.Add(5*time.Minute))
	server := snap(map[string]any{"name": "Server", "size": "L"}, t0)

	tests := []struct {
		strategy   string
		wantFields map[string]any
		wantState  model.SyncState
		wantQueued bool
	}{
		{"server-wins", map[string]any{"name": "Server", "size": "L"}, model.StateClean, false},
		{"client-wins", map[string]any{"name": "Local", "color": "red"}, model.StatePending, true},
		{"merge", map[string]any{"name": "Local", "color": "red", "size": "L", "mergedAt": t0}, model.StatePending, true},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			f := newResolverFixture(t)
			p := config.DefaultPolicy()
			p.DefaultStrategy = tt.strategy
			f.policy.Store(p)

			c := f.conflicted(t, "item-1", local, server)
			got, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
			require.NoError(t, err)

			assert.Equal(t, model.ConflictResolved, got.Status)
			assert.Equal(t, model.Strategy(tt.strategy), got.Resolution)
			require.NotNil(t, got.ResolvedAt)

			rec := testutil.Record(t, f.store, "inventory_item", "item-1")
			assert.Equal(t, tt.wantState, rec.SyncState)
			assert.Equal(t, fields.MustObject(tt.wantFields), rec.Fields)
			assert.True(t, rec.ServerUpdatedAt.Equal(t0))

			queue := testutil.Queue(t, f.store)
			if tt.wantQueued {
				require.Len(t, queue, 1)
				assert.Equal(t, model.PriorityHigh, queue[0].Priority)
				assert.Equal(t, model.OpUpdate, queue[0].Operation)
				assert.True(t, queue[0].BaseTimestamp.Equal(t0))
			} else {
				assert.Empty(t, queue)
			}

			e := f.nextEvent(t)
			assert.Equal(t, events.ConflictResolved, e.Type)
			assert.Equal(t, model.Strategy(tt.strategy), e.Strategy)
		})
	}
}

func TestResolveAutomatically_ManualStrategyEscalates(t *testing.T) {
	f := newResolverFixture(t)
	p := config.DefaultPolicy()
	p.DefaultStrategy = "manual"
	f.policy.Store(p)

	c := f.conflicted(t, "item-1", snap(map[string]any{"name": "a"}, t0), snap(map[string]any{"name": "b"}, t0))
	got, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictManualRequired, got.Status)
}

func TestResolveAutomatically_ApplyFailureMarksFailed(t *testing.T) {
	f := newResolverFixture(t)
	f.pushBack.err = errors.New("queue full")

	c := f.conflicted(t, "item-1", snap(map[string]any{"name": "a"}, t0.Add(time.Minute)), snap(map[string]any{"name": "b"}, t0))
	got, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, model.ConflictFailed, got.Status)
	assert.NotNil(t, got.FailedAt)
	assert.Contains(t, got.LastError, "queue full")

	rec := testutil.Record(t, f.store, "inventory_item", "item-1")
	assert.Equal(t, model.StateConflicted, rec.SyncState, "a failed apply commits nothing")
	assert.Equal(t, fields.String("a"), rec.Fields["name"])

	e := f.nextEvent(t)
	assert.Equal(t, events.ConflictFailed, e.Type)
}

func TestResolveAutomatically_ClosedConflictUntouched(t *testing.T) {
	f := newResolverFixture(t)
	c := f.conflicted(t, "item-1", snap(map[string]any{"name": "a"}, t0), snap(map[string]any{"name": "b"}, t0))

	first, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConflictResolved, first.Status)

	again, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Resolution, again.Resolution)
	assert.Len(t, testutil.Queue(t, f.store), 1)
}

func TestResolveManually_Validation(t *testing.T) {
	f := newResolverFixture(t)
	c := f.conflicted(t, "item-1", snap(map[string]any{"status": "a"}, t0), snap(map[string]any{"status": "b"}, t0))
	ctx := context.Background()

	_, err := f.resolver.ResolveManually(ctx, c.ID, "overwrite", nil)
	assert.True(t, syncerr.IsInvalidChoice(err))

	_, err = f.resolver.ResolveManually(ctx, c.ID, "custom", nil)
	assert.True(t, syncerr.IsCustomDataRequired(err))

	_, err = f.resolver.ResolveManually(ctx, "missing", "keep-local", nil)
	assert.True(t, syncerr.HasCode(err, syncerr.CodeConflictNotFound))

	stored := testutil.Conflicts(t, f.store)
	require.Len(t, stored, 1)
	assert.Equal(t, model.ConflictPending, stored[0].Status, "validation errors leave the conflict untouched")
}

func TestResolveManually_Choices(t *testing.T) {
	local := snap(map[string]any{"status": "active", "note": "local"}, t0.Add(time.Minute))
	server := snap(map[string]any{"status": "inactive", "owner": "ops"}, t0)

	tests := []struct {
		choice     string
		custom     fields.Object
		wantFields fields.Object
		wantLabel  model.Strategy
		wantQueued bool
	}{
		{
			choice:     "keep-local",
			wantFields: local.Fields,
			wantLabel:  model.StrategyKeepLocal,
			wantQueued: true,
		},
		{
			choice:     "keep-server",
			wantFields: server.Fields,
			wantLabel:  model.StrategyKeepServer,
		},
		{
			choice:     "custom",
			custom:     fields.Object{"status": fields.String("paused")},
			wantFields: fields.Object{"status": fields.String("paused")},
			wantLabel:  model.StrategyCustom,
			wantQueued: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			f := newResolverFixture(t)
			f.remote.SetOnline(false)
			c := f.conflicted(t, "site-42", local, server)
			_, err := f.resolver.ResolveAutomatically(context.Background(), c.ID)
			require.NoError(t, err)

			got, err := f.resolver.ResolveManually(context.Background(), c.ID, tt.choice, tt.custom)
			require.NoError(t, err)
			assert.Equal(t, model.ConflictResolved, got.Status)
			assert.Equal(t, tt.wantLabel, got.Resolution)

			rec := testutil.Record(t, f.store, "inventory_item", "site-42")
			assert.Equal(t, tt.wantFields, rec.Fields)
			assert.Equal(t, tt.wantQueued, len(testutil.Queue(t, f.store)) == 1)
		})
	}
}

func TestResolveManually_ScenarioDMerge(t *testing.T) {
	f := newResolverFixture(t)
	t1 := t0
	t2 := t0.Add(10 * time.Minute)
	f.clock.Set(t2.Add(time.Minute))

	c := f.conflicted(t, "item-7",
		snap(map[string]any{"quantity": 5, "updatedAt": t2}, t2),
		snap(map[string]any{"quantity": 5, "name": "Widget", "updatedAt": t1}, t1))
	f.remote.Seed("inventory_item", "item-7", fields.MustObject(map[string]any{"quantity": 5, "name": "Widget", "updatedAt": t1}), t1)

	got, err := f.resolver.ResolveManually(context.Background(), c.ID, "merge", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)
	assert.Equal(t, model.StrategyMerge, got.Resolution)
	assert.Equal(t, 1, f.remote.Fetches())

	rec := testutil.Record(t, f.store, "inventory_item", "item-7")
	assert.Equal(t, fields.Int(5), rec.Fields["quantity"])
	assert.Equal(t, fields.String("Widget"), rec.Fields["name"])
	assert.Equal(t, fields.Time(f.clock.Now()), rec.Fields[config.MergedAtField])
}

func TestResolveManually_RevalidatesServerVersion(t *testing.T) {
	f := newResolverFixture(t)
	c := f.conflicted(t, "item-1",
		snap(map[string]any{"name": "Local"}, t0),
		snap(map[string]any{"name": "Old"}, t0))

	newer := t0.Add(time.Hour)
	f.remote.Seed("inventory_item", "item-1", fields.Object{"name": fields.String("Newest")}, newer)

	got, err := f.resolver.ResolveManually(context.Background(), c.ID, "keep-server", nil)
	require.NoError(t, err)
	assert.Equal(t, fields.String("Newest"), got.ServerData["name"])

	rec := testutil.Record(t, f.store, "inventory_item", "item-1")
	assert.Equal(t, fields.String("Newest"), rec.Fields["name"])
	assert.True(t, rec.ServerUpdatedAt.Equal(newer))
}

func TestResolveManually_RevalidationFallsBackToSnapshot(t *testing.T) {
	f := newResolverFixture(t)
	f.remote.SetOnline(false)
	c := f.conflicted(t, "item-1",
		snap(map[string]any{"name": "Local"}, t0),
		snap(map[string]any{"name": "Snapshot"}, t0))

	got, err := f.resolver.ResolveManually(context.Background(), c.ID, "keep-server", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)

	rec := testutil.Record(t, f.store, "inventory_item", "item-1")
	assert.Equal(t, fields.String("Snapshot"), rec.Fields["name"])
}

func TestResolveManually_RevalidationDisabled(t *testing.T) {
	f := newResolverFixture(t)
	p := config.DefaultPolicy()
	p.Revalidate = false
	f.policy.Store(p)

	c := f.conflicted(t, "item-1", snap(map[string]any{"name": "a"}, t0), snap(map[string]any{"name": "b"}, t0))
	f.remote.Seed("inventory_item", "item-1", fields.Object{"name": fields.String("c")}, t0.Add(time.Hour))

	_, err := f.resolver.ResolveManually(context.Background(), c.ID, "keep-server", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.remote.Fetches())
	assert.Equal(t, fields.String("b"), testutil.Record(t, f.store, "inventory_item", "item-1").Fields["name"])
}

func TestResolveManually_ClosedConflict(t *testing.T) {
	f := newResolverFixture(t)
	c := f.conflicted(t, "item-1", snap(map[string]any{"name": "a"}, t0), snap(map[string]any{"name": "b"}, t0))
	_, err := f.resolver.ResolveManually(context.Background(), c.ID, "keep-local", nil)
	require.NoError(t, err)

	got, err := f.resolver.ResolveManually(context.Background(), c.ID, "keep-server", nil)
	assert.True(t, syncerr.HasCode(err, syncerr.CodeConflictClosed))
	assert.Equal(t, model.StrategyKeepLocal, got.Resolution, "resolved conflicts are immutable")
}

func TestApplyResolution_KeepsQueuedLocalEditsPending(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	c := f.conflicted(t, "item-1", snap(map[string]any{"name": "a"}, t0), snap(map[string]any{"name": "b"}, t0))

	err := f.store.Transaction(ctx, []store.Collection{store.Queue}, func(tx *store.Tx) error {
		_, err := tx.InsertQueueItem(ctx, model.QueueItem{
			Operation: model.OpUpdate, EntityType: "inventory_item", EntityID: "item-1",
			Payload: fields.Object{"note": fields.String("later")}, IdempotencyKey: "k-later", CreatedAt: t0,
		})
		return err
	})
	require.NoError(t, err)

	_, err = f.resolver.ApplyResolution(ctx, c, c.ServerData, model.StrategyServerWins)
	require.NoError(t, err)

	rec := testutil.Record(t, f.store, "inventory_item", "item-1")
	assert.Equal(t, model.StatePending, rec.SyncState)
}

func TestParseChoice(t *testing.T) {
	for _, s := range []string{"keep-local", "keep-server", "merge", "custom"} {
		c, err := ParseChoice(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(c))
	}
	_, err := ParseChoice("server-wins")
	assert.True(t, syncerr.IsInvalidChoice(err))
}
