package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/fields"
)

func TestMerge_ScenarioD(t *testing.T) {
	t1 := t0
	t2 := t0.Add(5 * time.Minute)
	local := snap(map[string]any{"quantity": 5, "updatedAt": t2}, t2)
	server := snap(map[string]any{"quantity": 5, "name": "Widget", "updatedAt": t1}, t1)

	got := Merge(local, server, defaultRules(), time.Time{})

	assert.Equal(t, fields.Int(5), got["quantity"])
	assert.Equal(t, fields.String("Widget"), got["name"])
	assert.Equal(t, fields.Time(t1), got["updatedAt"], "audit fields keep the server value")
}

func TestMerge_LastWriterPerField(t *testing.T) {
	local := map[string]any{"name": "Local", "only_local": "x"}
	server := map[string]any{"name": "Server", "only_server": "y"}

	tests := []struct {
		name        string
		localAt     time.Time
		wantName    string
		wantOnlyLoc bool
	}{
		{"local newer", t0.Add(time.Second), "Local", true},
		{"tie goes to server", t0, "Server", false},
		{"local older", t0.Add(-time.Second), "Server", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(snap(local, tt.localAt), snap(server, t0), defaultRules(), time.Time{})
			assert.Equal(t, fields.String(tt.wantName), got["name"])
			assert.Equal(t, fields.String("y"), got["only_server"])
			_, ok := got["only_local"]
			assert.Equal(t, tt.wantOnlyLoc, ok)
		})
	}
}

func TestMerge_ListsUnion(t *testing.T) {
	local := snap(map[string]any{"tags": []any{"b", "c", "c", "d"}}, t0.Add(-time.Hour))
	server := snap(map[string]any{"tags": []any{"a", "b"}}, t0)

	got := Merge(local, server, defaultRules(), time.Time{})

	assert.Equal(t, fields.List{fields.String("a"), fields.String("b"), fields.String("c"), fields.String("d")}, got["tags"])
}

func TestMerge_ListsUnionDropsServerDuplicates(t *testing.T) {
	local := snap(map[string]any{"tags": []any{"b"}}, t0)
	server := snap(map[string]any{"tags": []any{"a", "a", "b", "a"}}, t0)

	got := Merge(local, server, defaultRules(), time.Time{})

	assert.Equal(t, fields.List{fields.String("a"), fields.String("b")}, got["tags"])
}

func TestMerge_ListOfObjects(t *testing.T) {
	local := snap(map[string]any{"items": []any{map[string]any{"sku": "1"}, map[string]any{"sku": "2"}}}, t0)
	server := snap(map[string]any{"items": []any{map[string]any{"sku": "1"}}}, t0)

	got := Merge(local, server, defaultRules(), time.Time{})
	assert.Len(t, got["items"], 2)
}

func TestMerge_NestedObjectsRecurse(t *testing.T) {
	local := snap(map[string]any{
		"address": map[string]any{"city": "Oslo", "zip": "0150", "tags": []any{"hq"}},
	}, t0.Add(time.Minute))
	server := snap(map[string]any{
		"address": map[string]any{"city": "Bergen", "country": "NO", "tags": []any{"main"}},
	}, t0)

	got := Merge(local, server, defaultRules(), time.Time{})

	assert.Equal(t, fields.Object{
		"city":    fields.String("Oslo"),
		"zip":     fields.String("0150"),
		"country": fields.String("NO"),
		"tags":    fields.List{fields.String("main"), fields.String("hq")},
	}, got["address"])
}

func TestMerge_TypeMismatchIsScalar(t *testing.T) {
	local := snap(map[string]any{"tags": "none"}, t0.Add(time.Minute))
	server := snap(map[string]any{"tags": []any{"a"}}, t0)

	got := Merge(local, server, defaultRules(), time.Time{})
	assert.Equal(t, fields.String("none"), got["tags"])
}

func TestMerge_StampsMergedAt(t *testing.T) {
	at := t0.Add(time.Hour)
	got := Merge(snap(map[string]any{"a": 1}, t0), snap(map[string]any{"a": 1, "mergedAt": "old"}, t0), defaultRules(), at)
	assert.Equal(t, fields.Time(at), got[config.MergedAtField])
}

func TestMerge_Idempotent(t *testing.T) {
	inputs := []map[string]any{
		{},
		{"name": "Widget", "quantity": 5},
		{"tags": []any{"a", "b", "a"}, "address": map[string]any{"city": "Oslo", "lines": []any{"1", "2"}}},
		{"status": "active", "updatedAt": t0, "price": 9.5, "active": true, "note": nil},
	}

	for _, in := range inputs {
		x := fields.MustObject(in)
		for _, at := range []time.Time{t0, t0.Add(time.Hour)} {
			got := Merge(Snapshot{Fields: x, UpdatedAt: at}, Snapshot{Fields: x, UpdatedAt: at}, defaultRules(), t0.Add(2*time.Hour))
			assert.True(t, fields.Equal(x, got.Without(config.MergedAtField)), "merge(x, x) != x for %v", in)
		}
	}
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	local := snap(map[string]any{"tags": []any{"b"}}, t0.Add(time.Minute))
	server := snap(map[string]any{"tags": []any{"a"}}, t0)

	got := Merge(local, server, defaultRules(), time.Time{})
	got["tags"] = fields.List{}

	assert.Equal(t, fields.List{fields.String("a")}, server.Fields["tags"])
	assert.Equal(t, fields.List{fields.String("b")}, local.Fields["tags"])
}
