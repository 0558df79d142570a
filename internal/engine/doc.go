// Package engine wires the offline write queue and conflict resolution into
// one explicit instance.
//
// An Engine owns the event bus, the conflict detector and resolver, and the
// sync queue processor. The store and the remote endpoint are injected by
// the caller, who also owns their lifetimes.
//
// Flow:
//  1. Enqueue applies a local mutation to its record and queues it.
//  2. Drain (or Run, on a schedule) replays queued items in priority order.
//  3. A replay that reveals remote divergence records a Conflict, which the
//     resolver settles automatically or escalates to manual-required.
//  4. ResolveManually settles escalated conflicts; Retry re-queues failed
//     records.
//
// Every state change is published on the bus; Subscribe to observe them.
//
// Thread-safety: every method is safe for concurrent use. Drains are
// single-flight.
package engine
