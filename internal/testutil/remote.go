// Package testutil provides deterministic collaborators for engine tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/syncerr"
)

// Fault is a scripted replay failure.
type Fault string

const (
	FaultTransient   Fault = "transient"
	FaultRejected    Fault = "rejected"
	FaultUnavailable Fault = "unavailable"

	// FaultLostAck applies the mutation but reports a transient failure,
	// as if the acknowledgement was lost on the way back.
	FaultLostAck Fault = "lost-ack"
)

// ParseFault validates a fault name.
func ParseFault(s string) (Fault, error) {
	switch f := Fault(s); f {
	case FaultTransient, FaultRejected, FaultUnavailable, FaultLostAck:
		return f, nil
	}
	return "", fmt.Errorf("unknown fault %q", s)
}

// Entity is the server-side state of one record.
type Entity struct {
	Fields    fields.Object
	UpdatedAt time.Time
}

// FakeRemote is an in-memory remote endpoint.
//
// Mutations are idempotent per idempotency key: a key seen before returns
// the first result without a second effect. A mutation whose base
// timestamp predates the server's last change is refused with a conflict
// carrying the server version, unless ApplyOnDivergence is set, in which
// case it is applied and the merged version returned as a success.
//
// Thread-safety: safe for concurrent use.
type FakeRemote struct {
	mu    sync.Mutex
	clock clock.Clock

	entities map[model.RecordKey]Entity
	seen     map[string]remote.Result
	faults   []scriptedFault
	calls    []remote.Request
	fetches  int
	effects  int
	online   bool

	// ApplyOnDivergence applies diverged mutations instead of refusing them.
	ApplyOnDivergence bool
}

type scriptedFault struct {
	fault    Fault
	entityID string
}

// NewFakeRemote creates an empty, online remote stamping changes with clk.
func NewFakeRemote(clk clock.Clock) *FakeRemote {
	if clk == nil {
		clk = clock.System{}
	}
	return &FakeRemote{
		clock:    clk,
		entities: make(map[model.RecordKey]Entity),
		seen:     make(map[string]remote.Result),
		online:   true,
	}
}

// Seed sets the server version of an entity directly.
func (f *FakeRemote) Seed(entityType, entityID string, obj fields.Object, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[model.RecordKey{EntityType: entityType, EntityID: entityID}] = Entity{
		Fields:    fields.CloneObject(obj),
		UpdatedAt: updatedAt.UTC(),
	}
}

// Fail scripts the next n replays to fail with fault. An empty entityID
// matches any entity.
func (f *FakeRemote) Fail(fault Fault, n int, entityID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for range n {
		f.faults = append(f.faults, scriptedFault{fault: fault, entityID: entityID})
	}
}

// SetOnline toggles reachability. An offline remote reports Online false
// and fails every call as unavailable.
func (f *FakeRemote) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// Online implements remote.Connectivity.
func (f *FakeRemote) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// Entity returns the server version of an entity.
func (f *FakeRemote) Entity(entityType, entityID string) (Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[model.RecordKey{EntityType: entityType, EntityID: entityID}]
	return e, ok
}

// Entities returns a copy of every server entity.
func (f *FakeRemote) Entities() map[model.RecordKey]Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[model.RecordKey]Entity, len(f.entities))
	for k, e := range f.entities {
		out[k] = Entity{Fields: fields.CloneObject(e.Fields), UpdatedAt: e.UpdatedAt}
	}
	return out
}

// Calls returns every replay request received, in order.
func (f *FakeRemote) Calls() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.calls...)
}

// Effects returns how many mutations changed server state.
func (f *FakeRemote) Effects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.effects
}

// Fetches returns how many FetchCanonical calls were served.
func (f *FakeRemote) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Replay implements remote.Endpoint.
func (f *FakeRemote) Replay(ctx context.Context, req remote.Request) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if !f.online {
		return remote.Result{}, syncerr.New(syncerr.CodeNetworkUnavailable, "replay", "remote offline")
	}

	switch fault := f.takeFault(req.EntityID); fault {
	case FaultTransient:
		return remote.Result{}, syncerr.New(syncerr.CodeNetworkTransient, "replay", "HTTP 503")
	case FaultRejected:
		return remote.Result{}, syncerr.New(syncerr.CodeRemoteRejected, "replay", "HTTP 422")
	case FaultUnavailable:
		return remote.Result{}, syncerr.New(syncerr.CodeNetworkUnavailable, "replay", "circuit open")
	case FaultLostAck:
		f.apply(req)
		return remote.Result{}, syncerr.New(syncerr.CodeNetworkTransient, "replay", "connection reset")
	}

	return f.apply(req), nil
}

// takeFault pops the first scripted fault matching entityID.
func (f *FakeRemote) takeFault(entityID string) Fault {
	for i, sf := range f.faults {
		if sf.entityID == "" || sf.entityID == entityID {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
			return sf.fault
		}
	}
	return ""
}

func (f *FakeRemote) apply(req remote.Request) remote.Result {
	if req.IdempotencyKey != "" {
		if res, ok := f.seen[req.IdempotencyKey]; ok {
			return res
		}
	}

	key := model.RecordKey{EntityType: req.EntityType, EntityID: req.EntityID}
	cur, exists := f.entities[key]
	diverged := exists && cur.UpdatedAt.After(req.BaseTimestamp)

	if diverged && !f.ApplyOnDivergence && req.Operation != model.OpCreate {
		return remote.Result{
			Status:          remote.StatusConflict,
			ServerVersion:   fields.CloneObject(cur.Fields),
			ServerTimestamp: cur.UpdatedAt,
		}
	}

	now := f.clock.Now().UTC()
	var res remote.Result
	switch req.Operation {
	case model.OpDelete:
		delete(f.entities, key)
		res = remote.Result{Status: remote.StatusSuccess, ServerTimestamp: now}
	case model.OpCreate:
		f.entities[key] = Entity{Fields: fields.CloneObject(req.Payload), UpdatedAt: now}
		res = remote.Result{Status: remote.StatusSuccess, ServerVersion: fields.CloneObject(req.Payload), ServerTimestamp: now}
	default:
		next := cur.Fields.With(req.Payload)
		f.entities[key] = Entity{Fields: next, UpdatedAt: now}
		res = remote.Result{Status: remote.StatusSuccess, ServerVersion: fields.CloneObject(next), ServerTimestamp: now}
	}
	f.effects++

	if req.IdempotencyKey != "" {
		f.seen[req.IdempotencyKey] = res
	}
	return res
}

// FetchCanonical implements remote.Endpoint.
func (f *FakeRemote) FetchCanonical(ctx context.Context, entityType, entityID string) (remote.Canonical, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.online {
		return remote.Canonical{}, syncerr.New(syncerr.CodeNetworkUnavailable, "fetch canonical", "remote offline")
	}
	f.fetches++
	e, ok := f.entities[model.RecordKey{EntityType: entityType, EntityID: entityID}]
	if !ok {
		return remote.Canonical{}, syncerr.New(syncerr.CodeRemoteRejected, "fetch canonical", "HTTP 404")
	}
	return remote.Canonical{Fields: fields.CloneObject(e.Fields), UpdatedAt: e.UpdatedAt}, nil
}
