package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/ids"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// Severity thresholds on the number of differing fields.
const (
	highDiffCount   = 5
	mediumDiffCount = 2
)

// Snapshot is one side of a divergence: a field set and its modification time.
type Snapshot struct {
	Fields    fields.Object
	UpdatedAt time.Time
}

// Classification is the pure outcome of comparing two snapshots.
type Classification struct {
	Type       model.ConflictType
	Severity   model.Severity
	DiffFields []string
}

// Classify compares local against server. It is a pure function of its inputs.
func Classify(local, server Snapshot, rules config.Rules) Classification {
	diff := DiffFields(local.Fields, server.Fields, rules)
	return Classification{
		Type:       classifyType(local.UpdatedAt, server.UpdatedAt, rules.SimultaneityWindow),
		Severity:   classifySeverity(diff, rules),
		DiffFields: diff,
	}
}

func classifyType(local, server time.Time, window time.Duration) model.ConflictType {
	delta := local.Sub(server)
	if delta.Abs() < window {
		return model.ConflictConcurrent
	}
	if delta > 0 {
		return model.ConflictLocalNewer
	}
	return model.ConflictServerNewer
}

func classifySeverity(diff []string, rules config.Rules) model.Severity {
	for _, f := range diff {
		if rules.IsCritical(f) {
			return model.SeverityCritical
		}
	}
	switch n := len(diff); {
	case n > highDiffCount:
		return model.SeverityHigh
	case n > mediumDiffCount:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

// DiffFields returns the sorted top-level fields whose values differ between
// the two objects. A field missing on one side compares as null. Audit
// fields are ignored.
func DiffFields(local, server fields.Object, rules config.Rules) []string {
	keys := make(map[string]struct{}, len(local)+len(server))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range server {
		keys[k] = struct{}{}
	}

	diff := []string{}
	for k := range keys {
		if rules.IsAudit(k) {
			continue
		}
		if !fields.Equal(local[k], server[k]) {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

// Detector classifies divergences and persists them as pending conflicts.
type Detector struct {
	policy *config.Holder
	ids    ids.Generator
	clock  clock.Clock
}

// NewDetector creates a detector. Nil dependencies fall back to the default
// policy, UUIDv7 IDs and the system clock.
func NewDetector(policy *config.Holder, gen ids.Generator, clk clock.Clock) *Detector {
	if policy == nil {
		policy = config.NewHolder(config.DefaultPolicy())
	}
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Detector{policy: policy, ids: gen, clock: clk}
}

// Classify classifies a divergence under the current policy for entityType.
func (d *Detector) Classify(entityType string, local, server Snapshot) Classification {
	return Classify(local, server, d.policy.For(entityType))
}

// Detect classifies the divergence on key and persists it with status
// pending inside tx, which must include the conflicts collection.
//
// An open conflict for the same record is overwritten in place and keeps
// its ID.
func (d *Detector) Detect(ctx context.Context, tx *store.Tx, key model.RecordKey, local, server Snapshot) (model.Conflict, error) {
	cls := d.Classify(key.EntityType, local, server)

	id := ""
	open, err := tx.OpenConflict(ctx, key)
	switch {
	case err == nil:
		id = open.ID
	case errors.Is(err, store.ErrNotFound):
		id = d.ids.Generate()
	default:
		return model.Conflict{}, fmt.Errorf("detect conflict %s: %w", key, err)
	}

	c := model.Conflict{
		ID:              id,
		EntityType:      key.EntityType,
		EntityID:        key.EntityID,
		LocalData:       fields.CloneObject(local.Fields),
		ServerData:      fields.CloneObject(server.Fields),
		LocalUpdatedAt:  local.UpdatedAt,
		ServerUpdatedAt: server.UpdatedAt,
		Type:            cls.Type,
		Severity:        cls.Severity,
		DiffFields:      cls.DiffFields,
		Status:          model.ConflictPending,
		DetectedAt:      d.clock.Now(),
	}
	if err := tx.PutConflict(ctx, c); err != nil {
		return model.Conflict{}, fmt.Errorf("detect conflict %s: %w", key, err)
	}
	return c, nil
}
