// Package harness runs offline-sync scenarios as executable contract tests.
//
// A scenario seeds local records and server entities, then drives an
// engine through a flow of steps against the in-memory fake remote and
// asserts on the resulting events and final state.
//
// # Scenario Format
//
//	name: critical_conflict_escalates
//	description: "A concurrent change to a critical field needs an operator"
//	policy:
//	  simultaneity_window: 60s
//	setup:
//	  local:
//	    - { entity: site/site-42, fields: { status: draft }, at: 0s }
//	  server:
//	    - { entity: site/site-42, fields: { status: inactive }, at: 50s }
//	flow:
//	  - at: 60s
//	    enqueue: { op: update, entity: site/site-42, fields: { status: active } }
//	  - drain: {}
//	    expect: { conflicts: 1 }
//	assertions:
//	  - type: conflict
//	    entity: site/site-42
//	    status: manual-required
//	    severity: critical
//
// Step offsets (at) are durations after the reference instant
// testutil.T0; the engine clock only moves when a step sets it.
//
// # Assertion Types
//
//   - record: the local record's sync state and a subset of its fields
//   - record_absent: the local record does not exist
//   - queue_depth: number of queued items
//   - conflict: the latest conflict of an entity
//   - remote: a subset of the fake remote's entity fields
//   - event_order: event types appear in order (not necessarily adjacent)
//   - event_count: an event type appears exactly count times
//
// # Deterministic Testing
//
// Every run uses a manual clock, sequential identifiers and an in-memory
// store, so the trace and final state are byte-for-byte reproducible and
// can be compared with golden snapshots (see RunWithGolden).
package harness
