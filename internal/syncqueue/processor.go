package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
)

// AutoResolver resolves freshly detected conflicts.
type AutoResolver interface {
	ResolveAutomatically(ctx context.Context, conflictID string) (model.Conflict, error)
}

// Processor owns the sync queue: it appends local mutations and replays
// them against the remote endpoint.
//
// Thread-safety: Enqueue, Retry and SetOnline are safe from any goroutine.
// Drain is single-flight; a call made while another drain runs is a no-op.
type Processor struct {
	store    *store.Store
	remote   remote.Endpoint
	writer   *Writer
	detector *conflict.Detector
	resolver AutoResolver
	schema   *schema.Registry

	policy *config.Holder
	bus    *events.Bus
	clock  clock.Clock
	logger *slog.Logger

	online   atomic.Bool
	draining atomic.Bool
	wake     chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithWriter shares a queue writer, typically with the conflict resolver.
func WithWriter(w *Writer) Option {
	return func(p *Processor) {
		p.writer = w
	}
}

// WithDetector sets the conflict detector.
func WithDetector(d *conflict.Detector) Option {
	return func(p *Processor) {
		p.detector = d
	}
}

// WithResolver hands detected conflicts to r for automatic resolution.
// Without a resolver, conflicts stay pending.
func WithResolver(r AutoResolver) Option {
	return func(p *Processor) {
		p.resolver = r
	}
}

// WithSchema validates enqueued payloads against reg.
func WithSchema(reg *schema.Registry) Option {
	return func(p *Processor) {
		p.schema = reg
	}
}

// WithPolicy sets the policy source.
func WithPolicy(h *config.Holder) Option {
	return func(p *Processor) {
		p.policy = h
	}
}

// WithBus publishes sync events to b.
func WithBus(b *events.Bus) Option {
	return func(p *Processor) {
		p.bus = b
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// New creates a processor. It starts online.
func New(s *store.Store, ep remote.Endpoint, opts ...Option) *Processor {
	p := &Processor{
		store:  s,
		remote: ep,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clock.System{}
	}
	if p.policy == nil {
		p.policy = config.NewHolder(config.DefaultPolicy())
	}
	if p.writer == nil {
		p.writer = NewWriter(nil, p.clock)
	}
	if p.detector == nil {
		p.detector = conflict.NewDetector(p.policy, nil, p.clock)
	}
	p.online.Store(true)
	return p
}

// Enqueue durably records a local mutation and marks its record pending.
// It never touches the network.
//
// The payload is applied to the local record immediately: create replaces
// the fields, update patches them, delete leaves them until the remote
// confirms. The item's base timestamp is the record's last confirmed
// server timestamp.
func (p *Processor) Enqueue(ctx context.Context, op model.Operation, entityType, entityID string, payload fields.Object, priority model.Priority) (model.QueueItem, error) {
	if _, err := model.ParseOperation(string(op)); err != nil {
		return model.QueueItem{}, syncerr.Wrap(syncerr.CodeInvalidPayload, "enqueue", err)
	}
	if entityType == "" || entityID == "" {
		return model.QueueItem{}, syncerr.New(syncerr.CodeInvalidPayload, "enqueue", "entity type and id are required")
	}
	if err := p.schema.Validate(op, entityType, payload); err != nil {
		return model.QueueItem{}, err
	}

	key := model.RecordKey{EntityType: entityType, EntityID: entityID}
	now := p.clock.Now()
	var item model.QueueItem

	err := p.store.Transaction(ctx, []store.Collection{store.Records, store.Queue}, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = model.Record{EntityType: entityType, EntityID: entityID, Fields: fields.Object{}}
		case err != nil:
			return err
		}

		switch op {
		case model.OpCreate:
			rec.Fields = fields.CloneObject(payload)
		case model.OpUpdate:
			rec.Fields = rec.Fields.With(payload)
		}
		rec.UpdatedAt = now

		item, err = p.writer.Append(ctx, tx, &rec, op, payload, priority, rec.ServerUpdatedAt)
		return err
	})
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue %s %s: %w", op, key, err)
	}

	p.logger.Debug("mutation enqueued",
		"queue_id", item.ID, "operation", string(op), "entity", key.String(), "priority", priority.String())
	return item, nil
}

// Retry re-queues a failed record as a high-priority mutation of its
// current fields. A conflicted record whose conflict has closed without
// resolution can be retried the same way.
func (p *Processor) Retry(ctx context.Context, entityType, entityID string) (model.QueueItem, error) {
	key := model.RecordKey{EntityType: entityType, EntityID: entityID}
	var item model.QueueItem

	err := p.store.Transaction(ctx, []store.Collection{store.Records, store.Queue, store.Conflicts}, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return syncerr.New(syncerr.CodeRecordNotFound, "retry", fmt.Sprintf("record %s not found", key))
		}
		if err != nil {
			return err
		}

		switch rec.SyncState {
		case model.StateFailed:
		case model.StateConflicted:
			if _, err := tx.OpenConflict(ctx, key); err == nil {
				return fmt.Errorf("record %s has an open conflict; resolve it instead", key)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := rec.Transition(model.StateClean); err != nil {
				return err
			}
		default:
			return fmt.Errorf("record %s is %s; only failed records can be retried", key, rec.SyncState)
		}

		op := model.OpUpdate
		if rec.ServerUpdatedAt.IsZero() {
			op = model.OpCreate
		}
		rec.UpdatedAt = p.clock.Now()
		item, err = p.writer.Append(ctx, tx, &rec, op, rec.Fields, model.PriorityHigh, rec.ServerUpdatedAt)
		return err
	})
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("retry %s: %w", key, err)
	}

	p.logger.Info("record re-queued", "entity", key.String(), "queue_id", item.ID)
	return item, nil
}

// SetOnline records connectivity. Going online wakes a running ScheduleDrain.
func (p *Processor) SetOnline(online bool) {
	if p.online.Swap(online) == online {
		return
	}
	p.logger.Info("connectivity changed", "online", online)
	p.publish(events.Event{Type: events.ConnectivityChanged, Online: &online})
	if online {
		p.NotifyOnline()
	}
}

// NotifyOnline asks a running ScheduleDrain loop to drain now.
func (p *Processor) NotifyOnline() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Online reports whether a drain would reach the remote: connectivity is
// up and, if the endpoint tracks reachability, the endpoint agrees.
func (p *Processor) Online() bool {
	if !p.online.Load() {
		return false
	}
	if c, ok := p.remote.(remote.Connectivity); ok {
		return c.Online()
	}
	return true
}

// Draining reports whether a drain is in progress.
func (p *Processor) Draining() bool {
	return p.draining.Load()
}

// ScheduleDrain drains every interval and whenever connectivity returns,
// until ctx is done. Drain failures are logged and the loop continues.
func (p *Processor) ScheduleDrain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("schedule drain: interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("drain scheduler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("drain scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}

		if _, err := p.Drain(ctx); err != nil {
			p.logger.Error("scheduled drain failed", "error", err)
		}
	}
}

func (p *Processor) publish(e events.Event) {
	if p.bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = p.clock.Now()
	}
	p.bus.Publish(e)
}
