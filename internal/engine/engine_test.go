package engine

import (
	"context"
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
	"github.com/roach88/offsync/internal/syncqueue"
	"github.com/roach88/offsync/internal/testutil"
)

var t0 = testutil.T0

func setupEngine(t *testing.T, opts ...Option) (*Engine, *store.Store, *testutil.FakeRemote, *clock.Manual) {
	t.Helper()
	s := testutil.OpenStore(t)
	clk := clock.NewManual(t0)
	fake := testutil.NewFakeRemote(clk)

	base := []Option{WithClock(clk), WithIDGenerator(ids.NewSequence("id"))}
	e, err := New(s, fake, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, s, fake, clk
}

// diverge seeds site-42 so the next update on it conflicts on status.
func diverge(t *testing.T, e *Engine, s *store.Store, fake *testutil.FakeRemote, clk *clock.Manual) {
	t.Helper()
	testutil.SeedRecord(t, s, "site", "site-42", fields.Object{"status": fields.String("draft")}, t0)
	fake.Seed("site", "site-42", fields.Object{"status": fields.String("inactive")}, t0.Add(50*time.Second))
	clk.Set(t0.Add(60 * time.Second))
	_, err := e.Enqueue(context.Background(), model.OpUpdate, "site", "site-42",
		fields.Object{"status": fields.String("active")}, model.PriorityNormal)
	require.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	s := testutil.OpenStore(t)
	fake := testutil.NewFakeRemote(nil)

	_, err := New(nil, fake)
	assert.Error(t, err)
	_, err = New(s, nil)
	assert.Error(t, err)

	bad := config.DefaultPolicy()
	bad.RetryCeiling = 0
	_, err = New(s, fake, WithPolicy(bad))
	assert.ErrorContains(t, err, "retry_ceiling")
}

func TestEngine_EnqueueDrainStatus(t *testing.T) {
	e, _, fake, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, model.OpCreate, "site", "a", fields.Object{"name": fields.String("A")}, model.PriorityNormal)
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, model.OpCreate, "site", "b", fields.Object{"name": fields.String("B")}, model.PriorityNormal)
	require.NoError(t, err)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, 2, st.Records[model.StatePending])
	assert.Nil(t, st.LastDrain)

	fake.Fail(testutil.FaultRejected, 1, "b")
	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	st, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Equal(t, 1, st.Records[model.StateClean])
	assert.Equal(t, 1, st.Records[model.StateFailed])
	assert.True(t, st.LastDrainAt.Equal(t0))
	require.NotNil(t, st.LastDrain)
	assert.Equal(t, 1, st.LastDrain.Failed)

	failed, err := e.Records(ctx, store.RecordFilter{State: model.StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].EntityID)

	_, err = e.Retry(ctx, "site", "b")
	require.NoError(t, err)
	_, err = e.Drain(ctx)
	require.NoError(t, err)

	rec, err := e.Record(ctx, "site", "b")
	require.NoError(t, err)
	assert.Equal(t, model.StateClean, rec.SyncState)
}

func TestEngine_ManualResolutionFlow(t *testing.T) {
	e, s, fake, clk := setupEngine(t)
	ctx := context.Background()
	sub := e.Subscribe(64)

	diverge(t, e, s, fake, clk)
	_, err := e.Drain(ctx)
	require.NoError(t, err)

	open, err := e.Conflicts(ctx, store.ConflictFilter{Statuses: []model.ConflictStatus{model.ConflictManualRequired}})
	require.NoError(t, err)
	require.Len(t, open, 1)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.OpenConflicts)
	assert.Equal(t, 1, st.Records[model.StateConflicted])

	resolved, err := e.ResolveManually(ctx, open[0].ID, "keep-server", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.Equal(t, model.StrategyKeepServer, resolved.Resolution)

	rec, err := e.Record(ctx, "site", "site-42")
	require.NoError(t, err)
	assert.Equal(t, model.StateClean, rec.SyncState)
	assert.Equal(t, fields.String("inactive"), rec.Fields["status"])

	got, err := e.Conflict(ctx, open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)

	var seen []events.Type
	for len(sub.C()) > 0 {
		seen = append(seen, (<-sub.C()).Type)
	}
	assert.Contains(t, seen, events.ConflictEscalated)
	assert.Contains(t, seen, events.ConflictResolved)
}

func TestEngine_NotFound(t *testing.T) {
	e, _, _, _ := setupEngine(t)
	ctx := context.Background()

	_, err := e.Conflict(ctx, "nope")
	assert.True(t, syncerr.HasCode(err, syncerr.CodeConflictNotFound))

	_, err = e.Record(ctx, "site", "nope")
	assert.True(t, syncerr.HasCode(err, syncerr.CodeRecordNotFound))

	_, err = e.ResolveManually(ctx, "nope", "keep-local", nil)
	assert.True(t, syncerr.HasCode(err, syncerr.CodeConflictNotFound))
}

func TestEngine_PurgeResolved(t *testing.T) {
	e, s, fake, clk := setupEngine(t)
	ctx := context.Background()

	diverge(t, e, s, fake, clk)
	_, err := e.Drain(ctx)
	require.NoError(t, err)

	open, err := e.Conflicts(ctx, store.ConflictFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)

	clk.Advance(48 * time.Hour)
	n, err := e.PurgeResolved(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "open conflicts are kept")

	_, err = e.ResolveManually(ctx, open[0].ID, "keep-local", nil)
	require.NoError(t, err)

	n, err = e.PurgeResolved(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "younger than the cutoff")

	n, err = e.PurgeResolved(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.PurgeResolved(ctx, -time.Hour)
	assert.Error(t, err)
}

func TestEngine_UpdatePolicy(t *testing.T) {
	e, s, fake, clk := setupEngine(t)
	ctx := context.Background()

	bad := config.DefaultPolicy()
	bad.DefaultStrategy = "coin-flip"
	assert.Error(t, e.UpdatePolicy(bad))
	assert.Equal(t, string(model.StrategyMerge), e.Policy().DefaultStrategy)

	p := config.DefaultPolicy()
	p.CriticalFields = []string{}
	p.DefaultStrategy = string(model.StrategyServerWins)
	require.NoError(t, e.UpdatePolicy(p))

	diverge(t, e, s, fake, clk)
	_, err := e.Drain(ctx)
	require.NoError(t, err)

	conflicts, err := e.Conflicts(ctx, store.ConflictFilter{})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictResolved, conflicts[0].Status)
	assert.Equal(t, model.StrategyServerWins, conflicts[0].Resolution)

	rec, err := e.Record(ctx, "site", "site-42")
	require.NoError(t, err)
	assert.Equal(t, fields.String("inactive"), rec.Fields["status"])
}

func TestEngine_OfflineThenRun(t *testing.T) {
	e, _, fake, _ := setupEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.SetOnline(false)
	assert.False(t, e.Online())

	_, err := e.Enqueue(ctx, model.OpCreate, "site", "a", fields.Object{"n": fields.Int(1)}, model.PriorityNormal)
	require.NoError(t, err)
	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.HaltOffline, res.Halted)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, time.Hour) }()
	e.SetOnline(true)

	assert.Eventually(t, func() bool {
		q, err := e.Queue(context.Background())
		return err == nil && len(q) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, fake.Calls(), 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
