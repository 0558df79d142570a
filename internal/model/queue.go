package model

import (
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/fields"
)

// Operation is the kind of mutation a queue item replays.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q (want create, update or delete)", s)
}

// Priority orders queue items. Higher values drain first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	if p >= PriorityHigh {
		return "high"
	}
	return "normal"
}

// ParsePriority accepts "high" or "normal". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q (want high or normal)", s)
}

// MarshalText renders the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// QueueItem is a durable description of one outstanding mutation.
//
// Items are owned by the queue processor: created on local mutation or
// resolution push-back, deleted on confirmed success or terminal failure.
type QueueItem struct {
	// ID is assigned by the store, strictly increasing and never reused.
	ID int64 `json:"id"`

	Operation  Operation     `json:"operation"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Payload    fields.Object `json:"payload"`
	Priority   Priority      `json:"priority"`

	AttemptCount int `json:"attempt_count"`

	// BaseTimestamp is the server timestamp the mutation was made against.
	// A server version newer than this signals independent remote change.
	BaseTimestamp time.Time `json:"base_timestamp,omitzero"`

	// IdempotencyKey is sent with every replay of this item so the remote
	// can collapse duplicate deliveries.
	IdempotencyKey string `json:"idempotency_key"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the identity of the targeted record.
func (q QueueItem) Key() RecordKey {
	return RecordKey{EntityType: q.EntityType, EntityID: q.EntityID}
}
