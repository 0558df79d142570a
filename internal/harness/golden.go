package harness

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/offsync/internal/fields"
)

// Snapshot renders a scenario result as deterministic text: the trace
// followed by the final state. Timestamps are omitted; ordering and
// identifiers are deterministic under the harness clock and ID sequence.
func Snapshot(name string, result *Result) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "scenario: %s\n", name)

	buf.WriteString("trace:\n")
	for _, ev := range result.Trace {
		fmt.Fprintf(&buf, "  %s\n", traceLine(ev))
	}

	buf.WriteString("records:\n")
	if len(result.State.Records) == 0 {
		buf.WriteString("  (none)\n")
	}
	for _, r := range result.State.Records {
		fmt.Fprintf(&buf, "  %s %s %s\n", r.Entity, r.State, canonical(r.Fields))
	}

	buf.WriteString("queue:\n")
	if len(result.State.Queue) == 0 {
		buf.WriteString("  (none)\n")
	}
	for _, q := range result.State.Queue {
		fmt.Fprintf(&buf, "  %s %s %s attempts=%d %s\n", q.Operation, q.Entity, q.Priority, q.Attempts, canonical(q.Payload))
	}

	buf.WriteString("conflicts:\n")
	if len(result.State.Conflicts) == 0 {
		buf.WriteString("  (none)\n")
	}
	for _, c := range result.State.Conflicts {
		line := fmt.Sprintf("  %s %s %s %s %s diff=[%s]", c.ID, c.Entity, c.Status, c.Type, c.Severity, strings.Join(c.Diff, " "))
		if c.Resolution != "" {
			line += " resolution=" + string(c.Resolution)
		}
		buf.WriteString(line + "\n")
	}

	buf.WriteString("remote:\n")
	if len(result.State.Remote) == 0 {
		buf.WriteString("  (none)\n")
	}
	for _, r := range result.State.Remote {
		fmt.Fprintf(&buf, "  %s %s\n", r.Entity, canonical(r.Fields))
	}
	return buf.Bytes()
}

func traceLine(ev TraceEvent) string {
	var line string
	if ev.Kind == KindStep {
		line = fmt.Sprintf("step %d %s", ev.Step, ev.Name)
	} else {
		line = "event " + ev.Name
	}
	if ev.Entity != "" {
		line += " " + ev.Entity
	}
	if ev.Detail != "" {
		line += ": " + ev.Detail
	}
	return line
}

func canonical(o fields.Object) string {
	if o == nil {
		o = fields.Object{}
	}
	data, err := fields.MarshalCanonical(o)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

// RunWithGolden executes a scenario, fails the test on unmet
// expectations, and compares its snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}

	AssertGolden(t, scenario.Name, result)
	return nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(name, result))
}
