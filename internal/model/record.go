package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/fields"
)

// SyncState tracks where a Record is in the replay lifecycle.
type SyncState string

const (
	StateClean      SyncState = "clean"
	StatePending    SyncState = "pending"
	StateSyncing    SyncState = "syncing"
	StateConflicted SyncState = "conflicted"
	StateFailed     SyncState = "failed"
)

// allowedTransitions lists the legal next states for each state.
//
// The lifecycle only moves forward, with two exceptions: failed -> pending
// (manual retry or a fresh local mutation) and conflicted -> clean
// (resolution). A self-transition on pending and conflicted lets further
// local edits pile onto an entity that is already waiting.
var allowedTransitions = map[SyncState][]SyncState{
	StateClean:      {StatePending, StateConflicted},
	StatePending:    {StatePending, StateSyncing, StateConflicted, StateFailed},
	StateSyncing:    {StateClean, StatePending, StateConflicted, StateFailed},
	StateConflicted: {StateConflicted, StateClean},
	StateFailed:     {StatePending},
}

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether a record may move from s to next.
func (s SyncState) CanTransition(next SyncState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RecordKey identifies a record. At most one record exists per key.
type RecordKey struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (k RecordKey) String() string {
	return k.EntityType + "/" + k.EntityID
}

// ParseRecordKey parses "type/id". The ID may itself contain slashes.
func ParseRecordKey(s string) (RecordKey, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || typ == "" || id == "" {
		return RecordKey{}, fmt.Errorf("entity %q must be type/id", s)
	}
	return RecordKey{EntityType: typ, EntityID: id}, nil
}

// Record is the locally cached copy of a remote entity.
type Record struct {
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Fields     fields.Object `json:"fields"`

	// UpdatedAt is the time of the last local mutation.
	UpdatedAt time.Time `json:"updated_at"`

	// ServerUpdatedAt is the server timestamp of the last confirmed sync.
	// Zero until the entity has been seen by the remote system.
	ServerUpdatedAt time.Time `json:"server_updated_at,omitzero"`

	SyncState SyncState `json:"sync_state"`

	// LastError describes the terminal failure for failed records.
	LastError string `json:"last_error,omitempty"`
}

// Key returns the record's identity.
func (r Record) Key() RecordKey {
	return RecordKey{EntityType: r.EntityType, EntityID: r.EntityID}
}

// Transition moves the record to next, rejecting illegal transitions.
func (r *Record) Transition(next SyncState) error {
	if r.SyncState != "" && r.SyncState != next && !r.SyncState.CanTransition(next) {
		return fmt.Errorf("record %s: illegal sync state transition %s -> %s", r.Key(), r.SyncState, next)
	}
	r.SyncState = next
	if next != StateFailed {
		r.LastError = ""
	}
	return nil
}
