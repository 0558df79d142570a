package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
)

func sampleResult() *Result {
	r := NewResult()
	r.addStep(1, "enqueue", "site/a", "update normal")
	r.addStep(2, "drain", "", "attempted=1")
	r.addEvent(2, "sync-started", "", "")
	r.addEvent(2, "conflict-detected", "site/a", "severity=low")
	r.addEvent(2, "conflict-resolved", "site/a", "severity=low strategy=merge")
	r.addEvent(2, "sync-finished", "", "")
	r.State = State{
		Records: []RecordState{{
			Entity: "site/a",
			State:  model.StateClean,
			Fields: fields.Object{"name": fields.String("North"), "tags": fields.List{fields.String("x")}},
		}},
		Queue: []QueueState{{ID: 3, Entity: "site/a", Operation: model.OpUpdate, Priority: model.PriorityHigh}},
		Conflicts: []ConflictState{
			{ID: "c-1", Entity: "site/a", Status: model.ConflictFailed, Type: model.ConflictConcurrent, Severity: model.SeverityLow, Diff: []string{"name"}},
			{ID: "c-2", Entity: "site/a", Status: model.ConflictResolved, Type: model.ConflictLocalNewer, Severity: model.SeverityLow, Resolution: model.StrategyMerge, Diff: []string{"name"}},
		},
		Remote: []RemoteState{{Entity: "site/a", Fields: fields.Object{"name": fields.String("North")}}},
	}
	return r
}

func TestEvaluateAssertions_Passing(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertRecord, Entity: "site/a", State: "clean", Fields: map[string]any{"tags": []any{"x"}}},
		{Type: AssertRecordAbsent, Entity: "site/b"},
		{Type: AssertQueueDepth, Count: 1},
		{Type: AssertConflict, Entity: "site/a", Status: "resolved", Resolution: "merge", Diff: []string{"name"}},
		{Type: AssertRemote, Entity: "site/a", Fields: map[string]any{"name": "North"}},
		{Type: AssertEventOrder, Events: []string{"sync-started", "conflict-resolved"}},
		{Type: AssertEventCount, Event: "conflict-detected", Count: 1},
		{Type: AssertEventCount, Event: "sync-item-failed", Count: 0},
	})
	assert.Empty(t, errs)
}

func TestAssertRecord_Failures(t *testing.T) {
	st := sampleResult().State

	err := assertRecord(st, Assertion{Type: AssertRecord, Entity: "site/zz"})
	require.Error(t, err)
	assert.Equal(t, "no such record", err.(*AssertionError).Actual)

	err = assertRecord(st, Assertion{Type: AssertRecord, Entity: "site/a", State: "failed"})
	require.Error(t, err)
	assert.Contains(t, err.(*AssertionError).Actual, "state clean")

	err = assertRecord(st, Assertion{Type: AssertRecord, Entity: "site/a", Fields: map[string]any{"name": "South"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "name"`)

	err = assertRecord(st, Assertion{Type: AssertRecord, Entity: "site/a", Fields: map[string]any{"region": "EU"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "region" missing`)
}

func TestAssertRecordAbsent_Exists(t *testing.T) {
	err := assertRecordAbsent(sampleResult().State, Assertion{Type: AssertRecordAbsent, Entity: "site/a"})
	require.Error(t, err)
	assert.Equal(t, "record exists", err.(*AssertionError).Actual)
}

func TestAssertQueueDepth_Mismatch(t *testing.T) {
	err := assertQueueDepth(sampleResult().State, Assertion{Type: AssertQueueDepth, Count: 0})
	require.Error(t, err)
	assert.Equal(t, "1 queued items", err.(*AssertionError).Actual)
}

func TestAssertConflict_UsesLatest(t *testing.T) {
	st := sampleResult().State

	err := assertConflict(st, Assertion{Type: AssertConflict, Entity: "site/a", Status: "failed"})
	require.Error(t, err, "the failed conflict is not the latest")
	assert.Equal(t, "status=resolved", err.(*AssertionError).Actual)

	err = assertConflict(st, Assertion{Type: AssertConflict, Entity: "site/a", ConflictType: "local-newer", Severity: "low"})
	assert.NoError(t, err)

	err = assertConflict(st, Assertion{Type: AssertConflict, Entity: "site/a", Diff: []string{"name", "status"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diff [name]")

	err = assertConflict(st, Assertion{Type: AssertConflict, Entity: "site/b"})
	require.Error(t, err)
	assert.Equal(t, "no conflict", err.(*AssertionError).Actual)
}

func TestAssertRemote_Missing(t *testing.T) {
	err := assertRemote(sampleResult().State, Assertion{Type: AssertRemote, Entity: "site/b"})
	require.Error(t, err)
	assert.Equal(t, "not on the remote", err.(*AssertionError).Actual)
}

func TestAssertEventOrder_OutOfOrder(t *testing.T) {
	r := sampleResult()
	err := assertEventOrder(r.Trace, Assertion{Type: AssertEventOrder, Events: []string{"conflict-resolved", "conflict-detected"}})
	require.Error(t, err)

	ae := err.(*AssertionError)
	assert.Contains(t, ae.Actual, "missing conflict-detected")
	assert.Len(t, ae.Trace, len(r.Trace))
	assert.Contains(t, ae.Error(), "Full trace:")
	assert.Contains(t, ae.Error(), "event conflict-detected site/a: severity=low")
}

func TestAssertEventOrder_IgnoresSteps(t *testing.T) {
	err := assertEventOrder(sampleResult().Trace, Assertion{Type: AssertEventOrder, Events: []string{"drain"}})
	assert.Error(t, err)
}

func TestAssertEventCount_Mismatch(t *testing.T) {
	err := assertEventCount(sampleResult().Trace, Assertion{Type: AssertEventCount, Event: "sync-started", Count: 2})
	require.Error(t, err)
	assert.Equal(t, "1 times", err.(*AssertionError).Actual)
}

func TestEvaluateAssertions_IndexesFailures(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertQueueDepth, Count: 1},
		{Type: AssertQueueDepth, Count: 5},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertions[1]")
	assert.Contains(t, errs[1], `assertions[2]: unknown assertion type "bogus"`)
}
