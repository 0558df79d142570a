package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/testutil"
)

// Scenario defines an offline-sync test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy overrides the default conflict and retry policy.
	Policy *PolicyOverride `yaml:"policy,omitempty"`

	// Schema is inline CUE source for payload validation.
	Schema string `yaml:"schema,omitempty"`

	// Setup seeds state before the flow runs.
	Setup Setup `yaml:"setup,omitempty"`

	// Flow is the sequence of steps to execute.
	Flow []Step `yaml:"flow"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// PolicyOverride replaces individual policy settings. Unset fields keep
// their defaults.
type PolicyOverride struct {
	SimultaneityWindow string                    `yaml:"simultaneity_window,omitempty"`
	RetryCeiling       int                       `yaml:"retry_ceiling,omitempty"`
	CriticalFields     []string                  `yaml:"critical_fields,omitempty"`
	DefaultStrategy    string                    `yaml:"default_strategy,omitempty"`
	Revalidate         *bool                     `yaml:"revalidate,omitempty"`
	EntityTypes        map[string]EntityOverride `yaml:"entity_types,omitempty"`
}

// EntityOverride is a per-entity-type policy override.
type EntityOverride struct {
	SimultaneityWindow string   `yaml:"simultaneity_window,omitempty"`
	RetryCeiling       int      `yaml:"retry_ceiling,omitempty"`
	CriticalFields     []string `yaml:"critical_fields,omitempty"`
	DefaultStrategy    string   `yaml:"default_strategy,omitempty"`
}

// Setup seeds clean local records and server entities.
type Setup struct {
	Local  []EntityState `yaml:"local,omitempty"`
	Server []EntityState `yaml:"server,omitempty"`
}

// EntityState is one seeded entity version.
type EntityState struct {
	// Entity is "type/id".
	Entity string `yaml:"entity"`

	Fields map[string]any `yaml:"fields"`

	// At is the version timestamp as an offset from T0.
	At string `yaml:"at,omitempty"`
}

// Step is one flow step. Exactly one action field must be set.
type Step struct {
	// At sets the engine clock to T0 plus this offset before the action.
	At string `yaml:"at,omitempty"`

	Enqueue    *EnqueueStep `yaml:"enqueue,omitempty"`
	Drain      *DrainStep   `yaml:"drain,omitempty"`
	Resolve    *ResolveStep `yaml:"resolve,omitempty"`
	Retry      string       `yaml:"retry,omitempty"`
	Online     *bool        `yaml:"online,omitempty"`
	Fail       *FailStep    `yaml:"fail,omitempty"`
	ServerEdit *EntityState `yaml:"server_edit,omitempty"`

	// Expect validates the step's outcome.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EnqueueStep records a local mutation.
type EnqueueStep struct {
	Op       string         `yaml:"op"`
	Entity   string         `yaml:"entity"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Priority string         `yaml:"priority,omitempty"`
}

// DrainStep replays the queue once.
type DrainStep struct{}

// ResolveStep resolves the open conflict of an entity manually.
type ResolveStep struct {
	Entity string         `yaml:"entity"`
	Choice string         `yaml:"choice"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// FailStep scripts remote faults.
type FailStep struct {
	Fault  string `yaml:"fault"`
	Times  int    `yaml:"times,omitempty"`
	Entity string `yaml:"entity,omitempty"`
}

// ExpectClause validates a step. Drain counters are only checked when set.
type ExpectClause struct {
	Succeeded *int   `yaml:"succeeded,omitempty"`
	Retrying  *int   `yaml:"retrying,omitempty"`
	Failed    *int   `yaml:"failed,omitempty"`
	Conflicts *int   `yaml:"conflicts,omitempty"`
	Held      *int   `yaml:"held,omitempty"`
	Halted    string `yaml:"halted,omitempty"`

	// Error is the expected syncerr code. Without it the step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Entity is "type/id" (record, record_absent, conflict, remote).
	Entity string `yaml:"entity,omitempty"`

	// State is the expected sync state (record).
	State string `yaml:"state,omitempty"`

	// Fields is a subset match on entity fields (record, remote).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Conflict expectations; empty fields are not checked.
	Status       string   `yaml:"status,omitempty"`
	Severity     string   `yaml:"severity,omitempty"`
	ConflictType string   `yaml:"conflict_type,omitempty"`
	Resolution   string   `yaml:"resolution,omitempty"`
	Diff         []string `yaml:"diff,omitempty"`

	// Events is the expected event order (event_order).
	Events []string `yaml:"events,omitempty"`

	// Event and Count are used by event_count; Count also by queue_depth.
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord       = "record"
	AssertRecordAbsent = "record_absent"
	AssertQueueDepth   = "queue_depth"
	AssertConflict     = "conflict"
	AssertRemote       = "remote"
	AssertEventOrder   = "event_order"
	AssertEventCount   = "event_count"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// ParseEntity splits "type/id".
func ParseEntity(ref string) (model.RecordKey, error) {
	return model.ParseRecordKey(ref)
}

// offset resolves an "at" duration relative to T0. Empty means T0.
func offset(at string) (time.Time, error) {
	if at == "" {
		return testutil.T0, nil
	}
	d, err := time.ParseDuration(at)
	if err != nil {
		return time.Time{}, fmt.Errorf("at %q: %w", at, err)
	}
	return testutil.T0.Add(d), nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, e := range s.Setup.Local {
		if err := validateEntityState(e); err != nil {
			return fmt.Errorf("setup.local[%d]: %w", i, err)
		}
	}
	for i, e := range s.Setup.Server {
		if err := validateEntityState(e); err != nil {
			return fmt.Errorf("setup.server[%d]: %w", i, err)
		}
	}

	for i := range s.Flow {
		if err := validateStep(&s.Flow[i]); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateEntityState(e EntityState) error {
	if _, err := ParseEntity(e.Entity); err != nil {
		return err
	}
	_, err := offset(e.At)
	return err
}

func validateStep(st *Step) error {
	actions := 0
	for _, set := range []bool{
		st.Enqueue != nil, st.Drain != nil, st.Resolve != nil, st.Retry != "",
		st.Online != nil, st.Fail != nil, st.ServerEdit != nil,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}
	if _, err := offset(st.At); err != nil {
		return err
	}

	switch {
	case st.Enqueue != nil:
		if _, err := model.ParseOperation(st.Enqueue.Op); err != nil {
			return err
		}
		if _, err := model.ParsePriority(st.Enqueue.Priority); err != nil {
			return err
		}
		if _, err := ParseEntity(st.Enqueue.Entity); err != nil {
			return err
		}
	case st.Resolve != nil:
		if _, err := ParseEntity(st.Resolve.Entity); err != nil {
			return err
		}
		if _, err := conflict.ParseChoice(st.Resolve.Choice); err != nil {
			return err
		}
	case st.Retry != "":
		if _, err := ParseEntity(st.Retry); err != nil {
			return err
		}
	case st.Fail != nil:
		if _, err := testutil.ParseFault(st.Fail.Fault); err != nil {
			return err
		}
		if st.Fail.Times < 0 {
			return fmt.Errorf("fail.times must be non-negative")
		}
	case st.ServerEdit != nil:
		if err := validateEntityState(*st.ServerEdit); err != nil {
			return fmt.Errorf("server_edit: %w", err)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRecord, AssertRecordAbsent, AssertConflict, AssertRemote:
		if _, err := ParseEntity(a.Entity); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Type == AssertRecord && a.State != "" {
			if !model.SyncState(a.State).Valid() {
				return fmt.Errorf("assertions[%d]: unknown sync state %q", index, a.State)
			}
		}
	case AssertQueueDepth:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for queue_depth", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
