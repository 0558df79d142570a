package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/ids"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
	"github.com/roach88/offsync/internal/syncqueue"
	"github.com/roach88/offsync/internal/testutil"
)

// eventBuffer holds every event of one step; steps publish a handful each.
const eventBuffer = 4096

// Harness executes one scenario against an isolated engine.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *clock.Manual
	remote *testutil.FakeRemote
	sub    *events.Subscription
}

// Run executes a scenario and returns its result.
//
// Failed expectations and assertions are reported in Result.Errors. The
// returned error is non-nil only when the scenario cannot be executed.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	policy, err := buildPolicy(scenario.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	var reg *schema.Registry
	if scenario.Schema != "" {
		if reg, err = schema.Compile(scenario.Name+".cue", []byte(scenario.Schema)); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
	}

	clk := clock.NewManual(testutil.T0)
	fake := testutil.NewFakeRemote(clk)
	eng, err := engine.New(st, fake,
		engine.WithPolicy(policy),
		engine.WithSchema(reg),
		engine.WithClock(clk),
		engine.WithIDGenerator(ids.NewSequence("id")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	h := &Harness{
		store:  st,
		engine: eng,
		clock:  clk,
		remote: fake,
		sub:    eng.Subscribe(eventBuffer),
	}

	ctx := context.Background()
	if err := h.seed(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	if result.State, err = h.snapshot(ctx); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func buildPolicy(o *PolicyOverride) (config.Policy, error) {
	p := config.DefaultPolicy()
	if o == nil {
		return p, nil
	}

	var err error
	if o.SimultaneityWindow != "" {
		if p.SimultaneityWindow, err = time.ParseDuration(o.SimultaneityWindow); err != nil {
			return p, fmt.Errorf("simultaneity_window: %w", err)
		}
	}
	if o.RetryCeiling != 0 {
		p.RetryCeiling = o.RetryCeiling
	}
	if o.CriticalFields != nil {
		p.CriticalFields = o.CriticalFields
	}
	if o.DefaultStrategy != "" {
		p.DefaultStrategy = o.DefaultStrategy
	}
	if o.Revalidate != nil {
		p.Revalidate = *o.Revalidate
	}

	if len(o.EntityTypes) > 0 {
		p.EntityTypes = make(map[string]config.EntityPolicy, len(o.EntityTypes))
		for name, eo := range o.EntityTypes {
			ep := config.EntityPolicy{
				RetryCeiling:    eo.RetryCeiling,
				CriticalFields:  eo.CriticalFields,
				DefaultStrategy: eo.DefaultStrategy,
			}
			if eo.SimultaneityWindow != "" {
				if ep.SimultaneityWindow, err = time.ParseDuration(eo.SimultaneityWindow); err != nil {
					return p, fmt.Errorf("entity_types.%s.simultaneity_window: %w", name, err)
				}
			}
			p.EntityTypes[name] = ep
		}
	}
	return p, p.Validate()
}

func (h *Harness) seed(ctx context.Context, setup Setup) error {
	err := h.store.Transaction(ctx, []store.Collection{store.Records}, func(tx *store.Tx) error {
		for i, e := range setup.Local {
			key, obj, at, err := resolveEntity(e)
			if err != nil {
				return fmt.Errorf("local[%d]: %w", i, err)
			}
			rec := model.Record{
				EntityType:      key.EntityType,
				EntityID:        key.EntityID,
				Fields:          obj,
				UpdatedAt:       at,
				ServerUpdatedAt: at,
				SyncState:       model.StateClean,
			}
			if err := tx.PutRecord(ctx, rec); err != nil {
				return fmt.Errorf("local[%d]: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, e := range setup.Server {
		key, obj, at, err := resolveEntity(e)
		if err != nil {
			return fmt.Errorf("server[%d]: %w", i, err)
		}
		h.remote.Seed(key.EntityType, key.EntityID, obj, at)
	}
	return nil
}

func resolveEntity(e EntityState) (model.RecordKey, fields.Object, time.Time, error) {
	key, err := ParseEntity(e.Entity)
	if err != nil {
		return model.RecordKey{}, nil, time.Time{}, err
	}
	obj, err := toObject(e.Fields)
	if err != nil {
		return model.RecordKey{}, nil, time.Time{}, err
	}
	at, err := offset(e.At)
	if err != nil {
		return model.RecordKey{}, nil, time.Time{}, err
	}
	return key, obj, at, nil
}

func toObject(m map[string]any) (fields.Object, error) {
	if m == nil {
		return fields.Object{}, nil
	}
	return fields.ObjectFromAny(m)
}

// executeStep runs one step, records it in the trace followed by the
// events it published, and checks its expectation.
func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	if step.At != "" {
		at, err := offset(step.At)
		if err != nil {
			return err
		}
		h.clock.Set(at)
	}

	var (
		name, entity, detail string
		drain                *syncqueue.DrainResult
		opErr                error
	)

	switch {
	case step.Enqueue != nil:
		name, entity = "enqueue", step.Enqueue.Entity
		op, _ := model.ParseOperation(step.Enqueue.Op)
		pri, _ := model.ParsePriority(step.Enqueue.Priority)
		key, _ := ParseEntity(step.Enqueue.Entity)
		payload, err := toObject(step.Enqueue.Fields)
		if err != nil {
			return err
		}
		detail = string(op) + " " + pri.String()
		_, opErr = h.engine.Enqueue(ctx, op, key.EntityType, key.EntityID, payload, pri)

	case step.Drain != nil:
		name = "drain"
		res, err := h.engine.Drain(ctx)
		opErr = err
		drain = &res
		detail = drainDetail(res)

	case step.Resolve != nil:
		name, entity = "resolve", step.Resolve.Entity
		detail = step.Resolve.Choice
		opErr = h.resolve(ctx, step.Resolve)

	case step.Retry != "":
		name, entity = "retry", step.Retry
		key, _ := ParseEntity(step.Retry)
		_, opErr = h.engine.Retry(ctx, key.EntityType, key.EntityID)

	case step.Online != nil:
		name = "online"
		detail = fmt.Sprintf("%t", *step.Online)
		h.engine.SetOnline(*step.Online)

	case step.Fail != nil:
		name, entity = "fail", step.Fail.Entity
		fault, _ := testutil.ParseFault(step.Fail.Fault)
		times := max(step.Fail.Times, 1)
		id := ""
		if entity != "" {
			key, err := ParseEntity(entity)
			if err != nil {
				return err
			}
			id = key.EntityID
		}
		detail = fmt.Sprintf("%s x%d", fault, times)
		h.remote.Fail(fault, times, id)

	case step.ServerEdit != nil:
		name, entity = "server_edit", step.ServerEdit.Entity
		key, obj, at, err := resolveEntity(*step.ServerEdit)
		if err != nil {
			return err
		}
		h.remote.Seed(key.EntityType, key.EntityID, obj, at)
	}

	if opErr != nil {
		detail = "error=" + errorCode(opErr)
	}
	result.addStep(n, name, entity, detail)
	h.collectEvents(n, result)

	checkExpect(n, step.Expect, drain, opErr, result)
	return nil
}

// resolve applies a manual choice to the entity's open conflict.
func (h *Harness) resolve(ctx context.Context, rs *ResolveStep) error {
	key, _ := ParseEntity(rs.Entity)
	open, err := h.engine.Conflicts(ctx, store.ConflictFilter{
		EntityType: key.EntityType,
		Statuses:   []model.ConflictStatus{model.ConflictPending, model.ConflictManualRequired},
	})
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(open, func(c model.Conflict) bool { return c.EntityID == key.EntityID })
	if idx < 0 {
		return syncerr.New(syncerr.CodeConflictNotFound, "resolve", fmt.Sprintf("no open conflict for %s", rs.Entity))
	}

	var custom fields.Object
	if rs.Fields != nil {
		if custom, err = fields.ObjectFromAny(rs.Fields); err != nil {
			return err
		}
	}
	_, err = h.engine.ResolveManually(ctx, open[idx].ID, rs.Choice, custom)
	return err
}

func (h *Harness) collectEvents(n int, result *Result) {
	for {
		select {
		case ev, ok := <-h.sub.C():
			if !ok {
				return
			}
			entity := ""
			if ev.EntityType != "" {
				entity = ev.EntityType + "/" + ev.EntityID
			}
			result.addEvent(n, string(ev.Type), entity, eventDetail(ev))
		default:
			return
		}
	}
}

func eventDetail(ev events.Event) string {
	var parts []string
	if ev.Severity != "" {
		parts = append(parts, "severity="+string(ev.Severity))
	}
	if ev.Strategy != "" {
		parts = append(parts, "strategy="+string(ev.Strategy))
	}
	if ev.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", ev.Attempt))
	}
	if ev.Online != nil {
		parts = append(parts, fmt.Sprintf("online=%t", *ev.Online))
	}
	return strings.Join(parts, " ")
}

func drainDetail(res syncqueue.DrainResult) string {
	s := fmt.Sprintf("attempted=%d succeeded=%d retrying=%d failed=%d conflicts=%d held=%d",
		res.Attempted, res.Succeeded, res.Retrying, res.Failed, res.Conflicts, res.Held)
	if res.Halted != "" {
		s += " halted=" + res.Halted
	}
	return s
}

func errorCode(err error) string {
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "UNCLASSIFIED"
}

func checkExpect(n int, exp *ExpectClause, drain *syncqueue.DrainResult, opErr error, result *Result) {
	if exp == nil || exp.Error == "" {
		if opErr != nil {
			result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", n-1, opErr))
		}
	} else if got := errorCode(opErr); opErr == nil || got != exp.Error {
		result.AddError(fmt.Sprintf("flow[%d]: expected error %s, got %v", n-1, exp.Error, opErr))
	}
	if exp == nil {
		return
	}

	if drain == nil {
		if exp.Succeeded != nil || exp.Retrying != nil || exp.Failed != nil || exp.Conflicts != nil || exp.Held != nil || exp.Halted != "" {
			result.AddError(fmt.Sprintf("flow[%d]: drain expectations on a non-drain step", n-1))
		}
		return
	}

	counters := []struct {
		name string
		want *int
		got  int
	}{
		{"succeeded", exp.Succeeded, drain.Succeeded},
		{"retrying", exp.Retrying, drain.Retrying},
		{"failed", exp.Failed, drain.Failed},
		{"conflicts", exp.Conflicts, drain.Conflicts},
		{"held", exp.Held, drain.Held},
	}
	for _, c := range counters {
		if c.want != nil && *c.want != c.got {
			result.AddError(fmt.Sprintf("flow[%d]: expected %s=%d, got %d", n-1, c.name, *c.want, c.got))
		}
	}
	if exp.Halted != "" && exp.Halted != drain.Halted {
		result.AddError(fmt.Sprintf("flow[%d]: expected halted=%s, got %q", n-1, exp.Halted, drain.Halted))
	}
}

// snapshot reads the final state.
func (h *Harness) snapshot(ctx context.Context) (State, error) {
	var st State

	records, err := h.engine.Records(ctx, store.RecordFilter{})
	if err != nil {
		return st, err
	}
	for _, r := range records {
		st.Records = append(st.Records, RecordState{
			Entity:          r.Key().String(),
			State:           r.SyncState,
			Fields:          r.Fields,
			ServerUpdatedAt: r.ServerUpdatedAt,
			LastError:       r.LastError,
		})
	}
	slices.SortFunc(st.Records, func(a, b RecordState) int { return strings.Compare(a.Entity, b.Entity) })

	queue, err := h.engine.Queue(ctx)
	if err != nil {
		return st, err
	}
	for _, q := range queue {
		st.Queue = append(st.Queue, QueueState{
			ID:        q.ID,
			Entity:    q.Key().String(),
			Operation: q.Operation,
			Priority:  q.Priority,
			Attempts:  q.AttemptCount,
			Payload:   q.Payload,
		})
	}

	conflicts, err := h.engine.Conflicts(ctx, store.ConflictFilter{})
	if err != nil {
		return st, err
	}
	for _, c := range conflicts {
		st.Conflicts = append(st.Conflicts, ConflictState{
			ID:         c.ID,
			Entity:     c.Key().String(),
			Status:     c.Status,
			Type:       c.Type,
			Severity:   c.Severity,
			Resolution: c.Resolution,
			Diff:       c.DiffFields,
		})
	}

	for key, e := range h.remote.Entities() {
		st.Remote = append(st.Remote, RemoteState{Entity: key.String(), Fields: e.Fields, UpdatedAt: e.UpdatedAt})
	}
	slices.SortFunc(st.Remote, func(a, b RemoteState) int { return strings.Compare(a.Entity, b.Entity) })
	return st, nil
}
