package config

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Default policy values.
const (
	DefaultSimultaneityWindow = 60 * time.Second
	DefaultRetryCeiling       = 3
)

// DefaultCriticalFields are the fields whose divergence always needs an operator.
var DefaultCriticalFields = []string{"status", "amount", "quantity", "price", "active", "deleted"}

// DefaultAuditFields are bookkeeping timestamps excluded from diff and merge.
var DefaultAuditFields = []string{"updatedAt", "updated_at", "createdAt", "created_at", "mergedAt", "merged_at"}

// MergedAtField is stamped onto every merged record.
const MergedAtField = "mergedAt"

// Policy holds conflict and retry policy, with optional per-entity-type overrides.
type Policy struct {
	SimultaneityWindow time.Duration `mapstructure:"simultaneity_window"`
	RetryCeiling       int           `mapstructure:"retry_ceiling"`
	CriticalFields     []string      `mapstructure:"critical_fields"`
	AuditFields        []string      `mapstructure:"audit_fields"`
	DefaultStrategy    string        `mapstructure:"default_strategy"`

	// Revalidate re-fetches the server version before committing a
	// resolution that depends on it.
	Revalidate bool `mapstructure:"revalidate"`

	EntityTypes map[string]EntityPolicy `mapstructure:"entity_types"`
}

// EntityPolicy overrides Policy for one entity type. Zero values inherit.
type EntityPolicy struct {
	SimultaneityWindow time.Duration `mapstructure:"simultaneity_window"`
	RetryCeiling       int           `mapstructure:"retry_ceiling"`
	CriticalFields     []string      `mapstructure:"critical_fields"`
	DefaultStrategy    string        `mapstructure:"default_strategy"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		SimultaneityWindow: DefaultSimultaneityWindow,
		RetryCeiling:       DefaultRetryCeiling,
		CriticalFields:     append([]string(nil), DefaultCriticalFields...),
		AuditFields:        append([]string(nil), DefaultAuditFields...),
		DefaultStrategy:    string(model.StrategyMerge),
		Revalidate:         true,
	}
}

// Validate reports every invalid setting.
func (p Policy) Validate() error {
	var errs []error
	if p.SimultaneityWindow <= 0 {
		errs = append(errs, fmt.Errorf("policy.simultaneity_window must be positive, got %s", p.SimultaneityWindow))
	}
	if p.RetryCeiling < 1 {
		errs = append(errs, fmt.Errorf("policy.retry_ceiling must be at least 1, got %d", p.RetryCeiling))
	}
	if _, err := model.ParseStrategy(p.DefaultStrategy); err != nil {
		errs = append(errs, fmt.Errorf("policy.default_strategy: %w", err))
	}
	for name, ep := range p.EntityTypes {
		if ep.SimultaneityWindow < 0 {
			errs = append(errs, fmt.Errorf("policy.entity_types.%s.simultaneity_window must not be negative", name))
		}
		if ep.RetryCeiling < 0 {
			errs = append(errs, fmt.Errorf("policy.entity_types.%s.retry_ceiling must not be negative", name))
		}
		if ep.DefaultStrategy != "" {
			if _, err := model.ParseStrategy(ep.DefaultStrategy); err != nil {
				errs = append(errs, fmt.Errorf("policy.entity_types.%s.default_strategy: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Strategy returns the parsed default strategy. Validate guarantees it parses.
func (p Policy) Strategy() model.Strategy {
	s, err := model.ParseStrategy(p.DefaultStrategy)
	if err != nil {
		return model.StrategyMerge
	}
	return s
}

// Rules is the effective policy for a single entity type.
type Rules struct {
	SimultaneityWindow time.Duration
	RetryCeiling       int
	Critical           map[string]bool
	Audit              map[string]bool
	Strategy           model.Strategy
	Revalidate         bool
}

// IsCritical reports whether field belongs to the critical set.
func (r Rules) IsCritical(field string) bool {
	return r.Critical[field]
}

// IsAudit reports whether field is a bookkeeping timestamp.
func (r Rules) IsAudit(field string) bool {
	return r.Audit[field]
}

// For resolves the effective rules for entityType.
func (p Policy) For(entityType string) Rules {
	r := Rules{
		SimultaneityWindow: p.SimultaneityWindow,
		RetryCeiling:       p.RetryCeiling,
		Critical:           toSet(p.CriticalFields),
		Audit:              toSet(p.AuditFields),
		Strategy:           p.Strategy(),
		Revalidate:         p.Revalidate,
	}

	ep, ok := p.EntityTypes[entityType]
	if !ok {
		return r
	}
	if ep.SimultaneityWindow > 0 {
		r.SimultaneityWindow = ep.SimultaneityWindow
	}
	if ep.RetryCeiling > 0 {
		r.RetryCeiling = ep.RetryCeiling
	}
	if ep.CriticalFields != nil {
		r.Critical = toSet(ep.CriticalFields)
	}
	if s, err := model.ParseStrategy(ep.DefaultStrategy); err == nil {
		r.Strategy = s
	}
	return r
}

func toSet(ss []string) map[string]bool {
	set := make(map[string]bool, len(ss))
	for _, s := range ss {
		set[s] = true
	}
	return set
}

// Holder publishes the current policy to concurrent readers.
// Reloads swap the whole policy atomically.
type Holder struct {
	p atomic.Pointer[Policy]
}

// NewHolder creates a holder with an initial policy.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Load returns the current policy.
func (h *Holder) Load() Policy {
	return *h.p.Load()
}

// Store replaces the current policy.
func (h *Holder) Store(p Policy) {
	h.p.Store(&p)
}

// For is shorthand for Load().For(entityType).
func (h *Holder) For(entityType string) Rules {
	return h.Load().For(entityType)
}
