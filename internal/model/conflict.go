package model

import (
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/fields"
)

// ConflictType labels which side changed last.
type ConflictType string

const (
	ConflictConcurrent  ConflictType = "concurrent"
	ConflictLocalNewer  ConflictType = "local-newer"
	ConflictServerNewer ConflictType = "server-newer"
)

// Severity is the urgency tier of a conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictStatus is the resolution state of a conflict.
type ConflictStatus string

const (
	ConflictPending        ConflictStatus = "pending"
	ConflictResolved       ConflictStatus = "resolved"
	ConflictManualRequired ConflictStatus = "manual-required"
	ConflictFailed         ConflictStatus = "failed"
)

// Open reports whether the conflict still awaits a resolution.
func (s ConflictStatus) Open() bool {
	return s == ConflictPending || s == ConflictManualRequired
}

// Terminal reports whether no further transition is possible.
func (s ConflictStatus) Terminal() bool {
	return s == ConflictResolved || s == ConflictFailed
}

// Strategy names how a conflict was, or should be, resolved.
type Strategy string

const (
	StrategyServerWins Strategy = "server-wins"
	StrategyClientWins Strategy = "client-wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"

	// Labels recorded for operator choices.
	StrategyKeepLocal  Strategy = "keep-local"
	StrategyKeepServer Strategy = "keep-server"
	StrategyCustom     Strategy = "custom"
)

// ParseStrategy validates a configured default strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want server-wins, client-wins, merge or manual)", s)
}

// PushesBack reports whether resolving with s must replay the result to the remote.
func (s Strategy) PushesBack() bool {
	switch s {
	case StrategyClientWins, StrategyMerge, StrategyCustom, StrategyKeepLocal:
		return true
	}
	return false
}

// Conflict is a detected divergence between local and server versions of a record.
// Immutable once resolved. At most one open conflict exists per record.
type Conflict struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	LocalData       fields.Object `json:"local_data"`
	ServerData      fields.Object `json:"server_data"`
	LocalUpdatedAt  time.Time     `json:"local_updated_at"`
	ServerUpdatedAt time.Time     `json:"server_updated_at"`

	Type       ConflictType `json:"conflict_type"`
	Severity   Severity     `json:"severity"`
	DiffFields []string     `json:"diff_fields"`

	Status     ConflictStatus `json:"status"`
	Resolution Strategy       `json:"resolution,omitempty"`
	LastError  string         `json:"last_error,omitempty"`

	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Key returns the identity of the conflicted record.
func (c Conflict) Key() RecordKey {
	return RecordKey{EntityType: c.EntityType, EntityID: c.EntityID}
}
