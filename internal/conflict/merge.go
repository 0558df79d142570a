package conflict

import (
	"time"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/fields"
)

// Merge combines local and server field-by-field.
//
// The server version is the base. A local value replaces the server value
// only when it differs and local is strictly newer, so ties go to the
// server. Lists held on both sides are merged by set union (server order,
// then local items the server lacks); nested objects held on both sides
// are merged recursively. Audit fields keep the server value and the
// result is stamped with mergedAt. A zero mergedAt skips the stamp.
func Merge(local, server Snapshot, rules config.Rules, mergedAt time.Time) fields.Object {
	localNewer := local.UpdatedAt.After(server.UpdatedAt)
	out := mergeObjects(local.Fields, server.Fields, localNewer, rules)
	if !mergedAt.IsZero() {
		out[config.MergedAtField] = fields.Time(mergedAt.UTC())
	}
	return out
}

func mergeObjects(local, server fields.Object, localNewer bool, rules config.Rules) fields.Object {
	out := fields.CloneObject(server)

	for _, k := range local.SortedKeys() {
		if rules.IsAudit(k) {
			continue
		}
		lv := local[k]
		sv, ok := server[k]
		if !ok {
			if localNewer {
				out[k] = fields.Clone(lv)
			}
			continue
		}

		switch l := lv.(type) {
		case fields.List:
			if s, ok := sv.(fields.List); ok {
				out[k] = unionLists(s, l)
				continue
			}
		case fields.Object:
			if s, ok := sv.(fields.Object); ok {
				out[k] = mergeObjects(l, s, localNewer, rules)
				continue
			}
		}

		if localNewer && !fields.Equal(lv, sv) {
			out[k] = fields.Clone(lv)
		}
	}
	return out
}

// unionLists keeps server in order and appends local items it lacks.
// Repeated items on either side appear once.
func unionLists(server, local fields.List) fields.List {
	out := make(fields.List, 0, len(server)+len(local))
	for _, side := range []fields.List{server, local} {
		for _, item := range side {
			if !containsValue(out, item) {
				out = append(out, fields.Clone(item))
			}
		}
	}
	return out
}

func containsValue(list fields.List, v fields.Value) bool {
	for _, x := range list {
		if fields.Equal(x, v) {
			return true
		}
	}
	return false
}
