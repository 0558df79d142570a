package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/offsync/internal/fields"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", traceLine(ev))
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		return assertRecord(result.State, a)
	case AssertRecordAbsent:
		return assertRecordAbsent(result.State, a)
	case AssertQueueDepth:
		return assertQueueDepth(result.State, a)
	case AssertConflict:
		return assertConflict(result.State, a)
	case AssertRemote:
		return assertRemote(result.State, a)
	case AssertEventOrder:
		return assertEventOrder(result.Trace, a)
	case AssertEventCount:
		return assertEventCount(result.Trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertRecord(st State, a Assertion) error {
	idx := slices.IndexFunc(st.Records, func(r RecordState) bool { return r.Entity == a.Entity })
	if idx < 0 {
		return &AssertionError{Type: a.Type, Expected: "record " + a.Entity, Actual: "no such record"}
	}
	rec := st.Records[idx]

	if a.State != "" && string(rec.State) != a.State {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s in state %s", a.Entity, a.State),
			Actual:   fmt.Sprintf("state %s (last error %q)", rec.State, rec.LastError),
		}
	}
	if err := matchFields(rec.Fields, a.Fields); err != nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s fields %v", a.Entity, a.Fields), Actual: err.Error()}
	}
	return nil
}

func assertRecordAbsent(st State, a Assertion) error {
	if slices.ContainsFunc(st.Records, func(r RecordState) bool { return r.Entity == a.Entity }) {
		return &AssertionError{Type: a.Type, Expected: "no record " + a.Entity, Actual: "record exists"}
	}
	return nil
}

func assertQueueDepth(st State, a Assertion) error {
	if len(st.Queue) != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d queued items", a.Count),
			Actual:   fmt.Sprintf("%d queued items", len(st.Queue)),
		}
	}
	return nil
}

// assertConflict checks the entity's most recent conflict.
func assertConflict(st State, a Assertion) error {
	var (
		c     ConflictState
		found bool
	)
	for _, cs := range st.Conflicts {
		if cs.Entity == a.Entity {
			c, found = cs, true
		}
	}
	if !found {
		return &AssertionError{Type: a.Type, Expected: "conflict for " + a.Entity, Actual: "no conflict"}
	}

	checks := []struct {
		name, want, got string
	}{
		{"status", a.Status, string(c.Status)},
		{"severity", a.Severity, string(c.Severity)},
		{"conflict_type", a.ConflictType, string(c.Type)},
		{"resolution", a.Resolution, string(c.Resolution)},
	}
	for _, ch := range checks {
		if ch.want != "" && ch.want != ch.got {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s %s=%s", a.Entity, ch.name, ch.want),
				Actual:   fmt.Sprintf("%s=%s", ch.name, ch.got),
			}
		}
	}
	if a.Diff != nil && !slices.Equal(a.Diff, c.Diff) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s diff %v", a.Entity, a.Diff),
			Actual:   fmt.Sprintf("diff %v", c.Diff),
		}
	}
	return nil
}

func assertRemote(st State, a Assertion) error {
	idx := slices.IndexFunc(st.Remote, func(r RemoteState) bool { return r.Entity == a.Entity })
	if idx < 0 {
		return &AssertionError{Type: a.Type, Expected: "remote entity " + a.Entity, Actual: "not on the remote"}
	}
	if err := matchFields(st.Remote[idx].Fields, a.Fields); err != nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s fields %v", a.Entity, a.Fields), Actual: err.Error()}
	}
	return nil
}

// assertEventOrder checks that events appear in the given order.
// Other events may appear in between.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && ev.Kind == KindEvent && ev.Name == a.Events[next] {
			next++
		}
	}
	if next < len(a.Events) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("events in order: %v", a.Events),
			Actual:   fmt.Sprintf("missing %s after %v", a.Events[next], a.Events[:next]),
			Trace:    trace,
		}
	}
	return nil
}

func assertEventCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Kind == KindEvent && ev.Name == a.Event {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s exactly %d times", a.Event, a.Count),
			Actual:   fmt.Sprintf("%d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// matchFields checks that actual contains every expected field (subset match).
func matchFields(actual fields.Object, expected map[string]any) error {
	if len(expected) == 0 {
		return nil
	}
	want, err := fields.ObjectFromAny(expected)
	if err != nil {
		return fmt.Errorf("expected fields: %w", err)
	}
	for _, k := range want.SortedKeys() {
		got, ok := actual[k]
		if !ok {
			return fmt.Errorf("field %q missing", k)
		}
		if !fields.Equal(want[k], got) {
			return fmt.Errorf("field %q: expected %v, got %v", k, fields.ToAny(want[k]), fields.ToAny(got))
		}
	}
	return nil
}
