// Package remote defines the contract between the sync engine and the
// backend system that owns the canonical version of every entity.
package remote

import (
	"context"
	"time"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/syncerr"
)

// Status is the application-level outcome of a replay that reached the remote.
type Status string

const (
	// StatusSuccess means the mutation was applied.
	StatusSuccess Status = "success"

	// StatusConflict means the remote refused the mutation because its
	// version diverged. ServerVersion carries that version.
	StatusConflict Status = "conflict"
)

// Request is one replay of a queue item.
type Request struct {
	Operation  model.Operation
	EntityType string
	EntityID   string
	Payload    fields.Object

	// BaseTimestamp is the server timestamp the mutation was made against.
	BaseTimestamp time.Time

	// IdempotencyKey is identical across every replay of the same queue
	// item, so an endpoint can collapse duplicate deliveries.
	IdempotencyKey string
}

// Result is the outcome of a replay that reached the remote.
type Result struct {
	Status Status

	// ServerVersion is the canonical field set after the call, if returned.
	ServerVersion fields.Object

	// ServerTimestamp is the remote modification time of ServerVersion.
	ServerTimestamp time.Time
}

// Canonical is the latest server-side version of an entity.
type Canonical struct {
	Fields    fields.Object
	UpdatedAt time.Time
}

// Endpoint is the remote system.
//
// Replay returns an error only when the mutation did not take effect:
// syncerr.CodeNetworkTransient (retryable), syncerr.CodeRemoteRejected
// (terminal) or syncerr.CodeNetworkUnavailable (offline; not an attempt).
// Implementations must be safe for at-least-once delivery.
type Endpoint interface {
	Replay(ctx context.Context, req Request) (Result, error)
	FetchCanonical(ctx context.Context, entityType, entityID string) (Canonical, error)
}

// Connectivity reports whether the remote is currently reachable.
// Endpoints that track their own reachability implement it.
type Connectivity interface {
	Online() bool
}

// Disconnected is an endpoint for stores without a configured remote.
// It is always offline, so drains halt before any item is attempted.
type Disconnected struct{}

// Replay implements Endpoint.
func (Disconnected) Replay(context.Context, Request) (Result, error) {
	return Result{}, syncerr.New(syncerr.CodeNetworkUnavailable, "replay", "no remote configured")
}

// FetchCanonical implements Endpoint.
func (Disconnected) FetchCanonical(context.Context, string, string) (Canonical, error) {
	return Canonical{}, syncerr.New(syncerr.CodeNetworkUnavailable, "fetch canonical", "no remote configured")
}

// Online implements Connectivity.
func (Disconnected) Online() bool { return false }
