package harness

import (
	"time"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
)

// Trace entry kinds.
const (
	KindStep  = "step"
	KindEvent = "event"
)

// TraceEvent is one executed step or one event published by the engine.
type TraceEvent struct {
	Kind string `json:"kind"`

	// Step is the 1-based flow step that produced this entry.
	Step int `json:"step"`

	// Name is the step action or the event type.
	Name   string `json:"name"`
	Entity string `json:"entity,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// RecordState is a local record in the final state.
type RecordState struct {
	Entity          string          `json:"entity"`
	State           model.SyncState `json:"state"`
	Fields          fields.Object   `json:"fields"`
	ServerUpdatedAt time.Time       `json:"server_updated_at,omitzero"`
	LastError       string          `json:"last_error,omitempty"`
}

// QueueState is a queued item in the final state.
type QueueState struct {
	ID        int64           `json:"id"`
	Entity    string          `json:"entity"`
	Operation model.Operation `json:"operation"`
	Priority  model.Priority  `json:"priority"`
	Attempts  int             `json:"attempts"`
	Payload   fields.Object   `json:"payload"`
}

// ConflictState is a conflict in the final state.
type ConflictState struct {
	ID         string               `json:"id"`
	Entity     string               `json:"entity"`
	Status     model.ConflictStatus `json:"status"`
	Type       model.ConflictType   `json:"type"`
	Severity   model.Severity       `json:"severity"`
	Resolution model.Strategy       `json:"resolution,omitempty"`
	Diff       []string             `json:"diff"`
}

// RemoteState is the fake remote's version of an entity.
type RemoteState struct {
	Entity    string        `json:"entity"`
	Fields    fields.Object `json:"fields"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// State is the final state of a scenario run. Records and remote
// entities are sorted by entity; queue items are in drain order and
// conflicts oldest first.
type State struct {
	Records   []RecordState   `json:"records"`
	Queue     []QueueState    `json:"queue"`
	Conflicts []ConflictState `json:"conflicts"`
	Remote    []RemoteState   `json:"remote"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
	State  State        `json:"state"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addStep appends a step entry.
func (r *Result) addStep(step int, name, entity, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Kind: KindStep, Step: step, Name: name, Entity: entity, Detail: detail})
}

// addEvent appends an engine event entry.
func (r *Result) addEvent(step int, name, entity, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Kind: KindEvent, Step: step, Name: name, Entity: entity, Detail: detail})
}

// Events returns the event types in trace order.
func (r *Result) Events() []string {
	var out []string
	for _, e := range r.Trace {
		if e.Kind == KindEvent {
			out = append(out, e.Name)
		}
	}
	return out
}
