package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/ids"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
	"github.com/roach88/offsync/internal/syncqueue"
)

// Engine is the offline write queue and conflict-resolution engine.
type Engine struct {
	store  *store.Store
	remote remote.Endpoint

	policy *config.Holder
	bus    *events.Bus
	clock  clock.Clock
	ids    ids.Generator
	schema *schema.Registry
	logger *slog.Logger

	resolver  *conflict.Resolver
	processor *syncqueue.Processor
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the initial conflict and retry policy.
func WithPolicy(p config.Policy) Option {
	return func(e *Engine) {
		e.policy = config.NewHolder(p)
	}
}

// WithSchema validates enqueued payloads against reg.
func WithSchema(reg *schema.Registry) Option {
	return func(e *Engine) {
		e.schema = reg
	}
}

// WithClock sets the clock used for every timestamp the engine writes.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for conflict IDs and idempotency keys.
//
// Default: UUIDv7.
func WithIDGenerator(g ids.Generator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New builds an engine over s and ep. The policy is validated.
func New(s *store.Store, ep remote.Endpoint, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("engine: store is required")
	}
	if ep == nil {
		return nil, errors.New("engine: remote endpoint is required")
	}

	e := &Engine{
		store:  s,
		remote: ep,
		bus:    events.NewBus(),
		clock:  clock.System{},
		ids:    ids.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy == nil {
		e.policy = config.NewHolder(config.DefaultPolicy())
	}
	if err := e.policy.Load().Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	writer := syncqueue.NewWriter(e.ids, e.clock)
	e.resolver = conflict.NewResolver(s, ep, writer,
		conflict.WithPolicy(e.policy),
		conflict.WithBus(e.bus),
		conflict.WithClock(e.clock),
		conflict.WithLogger(e.logger.With("component", "resolver")),
	)
	e.processor = syncqueue.New(s, ep,
		syncqueue.WithWriter(writer),
		syncqueue.WithDetector(conflict.NewDetector(e.policy, e.ids, e.clock)),
		syncqueue.WithResolver(e.resolver),
		syncqueue.WithSchema(e.schema),
		syncqueue.WithPolicy(e.policy),
		syncqueue.WithBus(e.bus),
		syncqueue.WithClock(e.clock),
		syncqueue.WithLogger(e.logger.With("component", "syncqueue")),
	)
	return e, nil
}

// Close stops event delivery. The store and endpoint stay open.
func (e *Engine) Close() {
	e.bus.Close()
}

// Enqueue records a local mutation and queues it for replay.
func (e *Engine) Enqueue(ctx context.Context, op model.Operation, entityType, entityID string, payload fields.Object, priority model.Priority) (model.QueueItem, error) {
	return e.processor.Enqueue(ctx, op, entityType, entityID, payload, priority)
}

// Drain replays the queue once.
func (e *Engine) Drain(ctx context.Context) (syncqueue.DrainResult, error) {
	return e.processor.Drain(ctx)
}

// Run drains every interval and whenever connectivity returns, until ctx
// is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	return e.processor.ScheduleDrain(ctx, interval)
}

// SetOnline records connectivity as reported by the host.
func (e *Engine) SetOnline(online bool) {
	e.processor.SetOnline(online)
}

// Online reports whether a drain would currently reach the remote.
func (e *Engine) Online() bool {
	return e.processor.Online()
}

// Retry re-queues a failed record.
func (e *Engine) Retry(ctx context.Context, entityType, entityID string) (model.QueueItem, error) {
	return e.processor.Retry(ctx, entityType, entityID)
}

// ResolveManually applies an operator's choice to an open conflict.
func (e *Engine) ResolveManually(ctx context.Context, conflictID, choice string, custom fields.Object) (model.Conflict, error) {
	return e.resolver.ResolveManually(ctx, conflictID, choice, custom)
}

// Conflict returns one conflict by ID.
func (e *Engine) Conflict(ctx context.Context, id string) (model.Conflict, error) {
	var c model.Conflict
	err := e.store.View(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		var err error
		c, err = tx.GetConflict(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Conflict{}, syncerr.New(syncerr.CodeConflictNotFound, "get conflict", fmt.Sprintf("conflict %q not found", id))
	}
	if err != nil {
		return model.Conflict{}, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return c, nil
}

// Conflicts lists conflicts matching filter, oldest first.
func (e *Engine) Conflicts(ctx context.Context, filter store.ConflictFilter) ([]model.Conflict, error) {
	var out []model.Conflict
	err := e.store.View(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListConflicts(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return out, nil
}

// Record returns the local record for an entity.
func (e *Engine) Record(ctx context.Context, entityType, entityID string) (model.Record, error) {
	key := model.RecordKey{EntityType: entityType, EntityID: entityID}
	var rec model.Record
	err := e.store.View(ctx, []store.Collection{store.Records}, func(tx *store.Tx) error {
		var err error
		rec, err = tx.GetRecord(ctx, key)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Record{}, syncerr.New(syncerr.CodeRecordNotFound, "get record", fmt.Sprintf("record %s not found", key))
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get record %s: %w", key, err)
	}
	return rec, nil
}

// Records lists records matching filter.
func (e *Engine) Records(ctx context.Context, filter store.RecordFilter) ([]model.Record, error) {
	var out []model.Record
	err := e.store.View(ctx, []store.Collection{store.Records}, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListRecords(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

// Queue lists queued items in drain order.
func (e *Engine) Queue(ctx context.Context) ([]model.QueueItem, error) {
	var out []model.QueueItem
	err := e.store.View(ctx, []store.Collection{store.Queue}, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListQueue(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

// Status summarizes the engine's durable state.
type Status struct {
	Online        bool                    `json:"online"`
	Draining      bool                    `json:"draining"`
	Records       map[model.SyncState]int `json:"records"`
	QueueDepth    int                     `json:"queue_depth"`
	OpenConflicts int                     `json:"open_conflicts"`

	LastDrainAt time.Time              `json:"last_drain_at,omitzero"`
	LastDrain   *syncqueue.DrainResult `json:"last_drain,omitempty"`
}

// Status reads a consistent snapshot of record states, queue depth, open
// conflicts and the last drain.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Online:   e.processor.Online(),
		Draining: e.processor.Draining(),
	}

	cols := []store.Collection{store.Records, store.Queue, store.Conflicts, store.Meta}
	err := e.store.View(ctx, cols, func(tx *store.Tx) error {
		var err error
		if st.Records, err = tx.CountRecordsByState(ctx); err != nil {
			return err
		}
		if st.QueueDepth, err = tx.CountQueue(ctx); err != nil {
			return err
		}
		open, err := tx.ListConflicts(ctx, store.ConflictFilter{
			Statuses: []model.ConflictStatus{model.ConflictPending, model.ConflictManualRequired},
		})
		if err != nil {
			return err
		}
		st.OpenConflicts = len(open)
		return e.lastDrain(ctx, tx, &st)
	})
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

func (e *Engine) lastDrain(ctx context.Context, tx *store.Tx, st *Status) error {
	at, err := tx.GetMeta(ctx, syncqueue.MetaLastDrainAt)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.LastDrainAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		e.logger.Warn("unreadable last drain time", "value", at, "error", err)
	}

	raw, err := tx.GetMeta(ctx, syncqueue.MetaLastDrainResult)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var res syncqueue.DrainResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		e.logger.Warn("unreadable last drain result", "error", err)
		return nil
	}
	st.LastDrain = &res
	return nil
}

// PurgeResolved deletes resolved and failed conflicts detected more than
// olderThan ago. Open conflicts are never purged.
func (e *Engine) PurgeResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("purge: age must not be negative, got %s", olderThan)
	}
	cutoff := e.clock.Now().Add(-olderThan)

	var n int64
	err := e.store.Transaction(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		var err error
		n, err = tx.PurgeConflicts(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge conflicts: %w", err)
	}
	e.logger.Info("purged closed conflicts", "count", n, "cutoff", cutoff)
	return n, nil
}

// Subscribe registers for engine events. buffer <= 0 uses the bus default.
func (e *Engine) Subscribe(buffer int) *events.Subscription {
	return e.bus.Subscribe(buffer)
}

// Unsubscribe ends a subscription.
func (e *Engine) Unsubscribe(s *events.Subscription) {
	e.bus.Unsubscribe(s)
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Policy returns the policy in effect.
func (e *Engine) Policy() config.Policy {
	return e.policy.Load()
}

// UpdatePolicy swaps the policy for subsequent detections, resolutions and
// retries. An invalid policy is rejected and the current one kept.
func (e *Engine) UpdatePolicy(p config.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	e.policy.Store(p)
	e.logger.Info("policy updated",
		"simultaneity_window", p.SimultaneityWindow.String(),
		"retry_ceiling", p.RetryCeiling,
		"default_strategy", p.DefaultStrategy)
	return nil
}
