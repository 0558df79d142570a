package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/events"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncerr"
)

// Choice is an operator's manual resolution choice.
type Choice string

const (
	ChoiceKeepLocal  Choice = "keep-local"
	ChoiceKeepServer Choice = "keep-server"
	ChoiceMerge      Choice = "merge"
	ChoiceCustom     Choice = "custom"
)

// Strategy returns the resolution label recorded for the choice.
func (c Choice) Strategy() model.Strategy {
	switch c {
	case ChoiceKeepLocal:
		return model.StrategyKeepLocal
	case ChoiceKeepServer:
		return model.StrategyKeepServer
	case ChoiceMerge:
		return model.StrategyMerge
	case ChoiceCustom:
		return model.StrategyCustom
	}
	return ""
}

// ParseChoice validates an operator choice.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceKeepLocal, ChoiceKeepServer, ChoiceMerge, ChoiceCustom:
		return c, nil
	}
	return "", &syncerr.Error{
		Code:    syncerr.CodeInvalidChoice,
		Op:      "resolve manually",
		Message: fmt.Sprintf("unknown choice %q (want keep-local, keep-server, merge or custom)", s),
	}
}

// PushBack queues a resolved record for replay to the remote inside tx.
// Implementations persist the record in its new pending state.
type PushBack interface {
	PushBack(ctx context.Context, tx *store.Tx, rec model.Record, baseTimestamp time.Time) (model.QueueItem, error)
}

// Resolver applies resolution strategies to open conflicts.
//
// Only the resolver changes a conflict's status. Automatic resolution
// failures escalate the conflict; apply failures mark it failed. Neither
// is retried.
type Resolver struct {
	store    *store.Store
	remote   remote.Endpoint
	pushBack PushBack

	policy *config.Holder
	bus    *events.Bus
	clock  clock.Clock
	logger *slog.Logger

	flight singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy sets the policy source. Default: config.DefaultPolicy().
func WithPolicy(h *config.Holder) Option {
	return func(r *Resolver) {
		r.policy = h
	}
}

// WithBus publishes resolution events to b.
func WithBus(b *events.Bus) Option {
	return func(r *Resolver) {
		r.bus = b
	}
}

// WithClock sets the clock used for resolution timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver. ep may be nil, in which case manual
// resolutions never revalidate against the remote.
func NewResolver(s *store.Store, ep remote.Endpoint, pb PushBack, opts ...Option) *Resolver {
	r := &Resolver{
		store:    s,
		remote:   ep,
		pushBack: pb,
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == nil {
		r.policy = config.NewHolder(config.DefaultPolicy())
	}
	return r
}

// ResolveAutomatically resolves a pending conflict with the configured
// default strategy for its entity type.
//
// Critical conflicts and the manual strategy escalate to manual-required.
// A failure while computing the resolution escalates with the error
// recorded. The returned error is non-nil only when the conflict cannot be
// loaded or its new state cannot be persisted.
func (r *Resolver) ResolveAutomatically(ctx context.Context, conflictID string) (model.Conflict, error) {
	c, err := r.load(ctx, conflictID)
	if err != nil {
		return model.Conflict{}, err
	}
	if c.Status != model.ConflictPending {
		return c, nil
	}

	rules := r.policy.For(c.EntityType)
	if c.Severity == model.SeverityCritical {
		return r.escalate(ctx, c, "critical field changed: operator input required")
	}
	if rules.Strategy == model.StrategyManual {
		return r.escalate(ctx, c, "")
	}

	resolved, err := r.computeAutomatic(c, rules)
	if err != nil {
		failure := syncerr.Wrap(syncerr.CodeAutoResolutionFailed, "resolve automatically", err)
		r.logger.Warn("automatic resolution failed, escalating",
			"conflict", c.ID, "entity", c.Key().String(), "error", failure)
		return r.escalate(ctx, c, failure.Error())
	}
	return r.ApplyResolution(ctx, c, resolved, rules.Strategy)
}

func (r *Resolver) computeAutomatic(c model.Conflict, rules config.Rules) (fields.Object, error) {
	switch rules.Strategy {
	case model.StrategyServerWins:
		return fields.CloneObject(c.ServerData), nil
	case model.StrategyClientWins:
		return fields.CloneObject(c.LocalData), nil
	case model.StrategyMerge:
		return Merge(localSnapshot(c), serverSnapshot(c), rules, r.clock.Now()), nil
	}
	return nil, fmt.Errorf("strategy %q cannot resolve automatically", rules.Strategy)
}

// ResolveManually applies an operator choice to an open conflict.
//
// Invalid choices fail with syncerr.CodeInvalidChoice and a custom choice
// without data fails with syncerr.CodeCustomDataRequired; both leave the
// conflict untouched. Choices that depend on the server version
// re-validate against the remote first when the policy asks for it.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID string, choice string, custom fields.Object) (model.Conflict, error) {
	ch, err := ParseChoice(choice)
	if err != nil {
		return model.Conflict{}, err
	}
	if ch == ChoiceCustom && custom == nil {
		return model.Conflict{}, syncerr.New(syncerr.CodeCustomDataRequired, "resolve manually", "custom choice requires data")
	}

	c, err := r.load(ctx, conflictID)
	if err != nil {
		return model.Conflict{}, err
	}
	if !c.Status.Open() {
		return c, &syncerr.Error{
			Code:       syncerr.CodeConflictClosed,
			Op:         "resolve manually",
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Message:    fmt.Sprintf("conflict %s is %s", c.ID, c.Status),
		}
	}

	rules := r.policy.For(c.EntityType)
	if (ch == ChoiceKeepServer || ch == ChoiceMerge) && rules.Revalidate {
		c = r.revalidate(ctx, c)
	}

	var resolved fields.Object
	switch ch {
	case ChoiceKeepLocal:
		resolved = fields.CloneObject(c.LocalData)
	case ChoiceKeepServer:
		resolved = fields.CloneObject(c.ServerData)
	case ChoiceMerge:
		resolved = Merge(localSnapshot(c), serverSnapshot(c), rules, r.clock.Now())
	case ChoiceCustom:
		resolved = fields.CloneObject(custom)
	}
	return r.ApplyResolution(ctx, c, resolved, ch.Strategy())
}

// revalidate refreshes the conflict's server snapshot from the remote.
// Concurrent revalidations of the same record share one fetch. On fetch
// failure the snapshot taken at detection time is kept.
func (r *Resolver) revalidate(ctx context.Context, c model.Conflict) model.Conflict {
	if r.remote == nil {
		return c
	}

	key := c.Key().String()
	v, err, _ := r.flight.Do(key, func() (any, error) {
		return r.remote.FetchCanonical(ctx, c.EntityType, c.EntityID)
	})
	if err != nil {
		r.logger.Warn("revalidation failed, using detection snapshot",
			"conflict", c.ID, "entity", key, "error", err)
		return c
	}

	canon := v.(remote.Canonical)
	if canon.Fields == nil {
		return c
	}
	c.ServerData = fields.CloneObject(canon.Fields)
	if !canon.UpdatedAt.IsZero() {
		c.ServerUpdatedAt = canon.UpdatedAt
	}
	return c
}

// ApplyResolution commits resolved as the record's fields and marks the
// conflict resolved with label, in one transaction. Strategies that push
// back also queue a high-priority replay in the same transaction.
//
// Any failure marks the conflict failed; the failed conflict is returned
// with a nil error unless that update fails too.
func (r *Resolver) ApplyResolution(ctx context.Context, c model.Conflict, resolved fields.Object, label model.Strategy) (model.Conflict, error) {
	now := r.clock.Now()
	var out model.Conflict

	err := r.store.Transaction(ctx, []store.Collection{store.Records, store.Queue, store.Conflicts}, func(tx *store.Tx) error {
		cur, err := tx.GetConflict(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load conflict: %w", err)
		}
		if !cur.Status.Open() {
			return syncerr.New(syncerr.CodeConflictClosed, "apply resolution", fmt.Sprintf("conflict %s is %s", c.ID, cur.Status))
		}

		rec, err := tx.GetRecord(ctx, c.Key())
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = model.Record{EntityType: c.EntityType, EntityID: c.EntityID, SyncState: model.StateConflicted}
		case err != nil:
			return fmt.Errorf("load record: %w", err)
		}

		rec.Fields = fields.CloneObject(resolved)
		rec.UpdatedAt = now
		if c.ServerUpdatedAt.After(rec.ServerUpdatedAt) {
			rec.ServerUpdatedAt = c.ServerUpdatedAt
		}
		if rec.SyncState == model.StateConflicted {
			if err := rec.Transition(model.StateClean); err != nil {
				return err
			}
		}

		if label.PushesBack() && r.pushBack != nil {
			if _, err := r.pushBack.PushBack(ctx, tx, rec, rec.ServerUpdatedAt); err != nil {
				return fmt.Errorf("queue push-back: %w", err)
			}
		} else {
			queued, err := tx.QueueForEntity(ctx, c.Key())
			if err != nil {
				return fmt.Errorf("load queue: %w", err)
			}
			if len(queued) > 0 && rec.SyncState == model.StateClean {
				if err := rec.Transition(model.StatePending); err != nil {
					return err
				}
			}
			if err := tx.PutRecord(ctx, rec); err != nil {
				return fmt.Errorf("save record: %w", err)
			}
		}

		out = c
		out.Status = model.ConflictResolved
		out.Resolution = label
		out.LastError = ""
		out.ResolvedAt = &now
		if err := tx.PutConflict(ctx, out); err != nil {
			return fmt.Errorf("save conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		if syncerr.HasCode(err, syncerr.CodeConflictClosed) {
			return c, err
		}
		r.logger.Error("apply resolution failed",
			"conflict", c.ID, "entity", c.Key().String(), "strategy", string(label), "error", err)
		return r.fail(ctx, c, err)
	}

	r.logger.Info("conflict resolved",
		"conflict", out.ID, "entity", out.Key().String(), "strategy", string(label))
	r.publish(events.Event{
		Type:       events.ConflictResolved,
		At:         now,
		EntityType: out.EntityType,
		EntityID:   out.EntityID,
		ConflictID: out.ID,
		Severity:   out.Severity,
		Strategy:   label,
	})
	return out, nil
}

// escalate moves a pending conflict to manual-required.
func (r *Resolver) escalate(ctx context.Context, c model.Conflict, reason string) (model.Conflict, error) {
	now := r.clock.Now()
	c.Status = model.ConflictManualRequired
	c.EscalatedAt = &now
	c.LastError = reason

	err := r.store.Transaction(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		return tx.PutConflict(ctx, c)
	})
	if err != nil {
		return model.Conflict{}, fmt.Errorf("escalate conflict %s: %w", c.ID, err)
	}

	r.logger.Info("conflict escalated",
		"conflict", c.ID, "entity", c.Key().String(), "severity", string(c.Severity), "reason", reason)
	r.publish(events.Event{
		Type:       events.ConflictEscalated,
		At:         now,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		ConflictID: c.ID,
		Severity:   c.Severity,
		Error:      reason,
	})
	return c, nil
}

// fail marks an open conflict failed after an apply error.
func (r *Resolver) fail(ctx context.Context, c model.Conflict, cause error) (model.Conflict, error) {
	now := r.clock.Now()
	c.Status = model.ConflictFailed
	c.FailedAt = &now
	c.LastError = cause.Error()

	err := r.store.Transaction(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		return tx.PutConflict(ctx, c)
	})
	if err != nil {
		return model.Conflict{}, fmt.Errorf("mark conflict %s failed: %w (apply error: %v)", c.ID, err, cause)
	}

	r.publish(events.Event{
		Type:       events.ConflictFailed,
		At:         now,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		ConflictID: c.ID,
		Severity:   c.Severity,
		Error:      c.LastError,
	})
	return c, nil
}

func (r *Resolver) load(ctx context.Context, id string) (model.Conflict, error) {
	var c model.Conflict
	err := r.store.View(ctx, []store.Collection{store.Conflicts}, func(tx *store.Tx) error {
		var err error
		c, err = tx.GetConflict(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Conflict{}, syncerr.New(syncerr.CodeConflictNotFound, "load conflict", fmt.Sprintf("conflict %s not found", id))
	}
	if err != nil {
		return model.Conflict{}, fmt.Errorf("load conflict %s: %w", id, err)
	}
	return c, nil
}

func (r *Resolver) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func localSnapshot(c model.Conflict) Snapshot {
	return Snapshot{Fields: c.LocalData, UpdatedAt: c.LocalUpdatedAt}
}

func serverSnapshot(c model.Conflict) Snapshot {
	return Snapshot{Fields: c.ServerData, UpdatedAt: c.ServerUpdatedAt}
}
