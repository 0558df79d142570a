// Package schema validates enqueued payloads against per-entity-type CUE constraints.
//
// A schema file declares one top-level struct per entity type:
//
//	inventory_item: {
//		name:      string
//		quantity?: int & >=0
//		status?:   "active" | "inactive"
//	}
//
// Entity types without a struct are accepted unchecked.
package schema

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/syncerr"
)

// Registry holds compiled entity schemas.
//
// Thread-safety: Validate is serialized internally because cue.Context is
// not safe for concurrent use.
type Registry struct {
	ctx   *cue.Context
	root  cue.Value
	types []string
	mu    sync.Mutex
}

// Load compiles the schema file at path.
func Load(path string) (*Registry, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Compile(path, src)
}

// Compile builds a registry from CUE source. filename is used in error positions.
func Compile(filename string, src []byte) (*Registry, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %s", cueerrors.Details(err, nil))
	}

	iter, err := root.Fields(cue.Definitions(false))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	var types []string
	for iter.Next() {
		if iter.Value().IncompleteKind() != cue.StructKind {
			return nil, fmt.Errorf("compile schema: entity type %q must be a struct", iter.Selector().String())
		}
		types = append(types, iter.Selector().Unquoted())
	}
	sort.Strings(types)

	return &Registry{ctx: ctx, root: root, types: types}, nil
}

// Types returns the entity types with a schema, sorted.
func (r *Registry) Types() []string {
	return append([]string(nil), r.types...)
}

// Has reports whether entityType has a schema.
func (r *Registry) Has(entityType string) bool {
	return r.lookup(entityType).Exists()
}

func (r *Registry) lookup(entityType string) cue.Value {
	return r.root.LookupPath(cue.MakePath(cue.Str(entityType)))
}

// Validate checks payload for an operation on entityType.
//
// Creates must satisfy the whole schema, including required fields.
// Updates are partial: every field present must satisfy its constraint
// but missing fields are allowed. Deletes carry no payload to check.
// Failures are syncerr.CodeInvalidPayload. A nil registry accepts everything.
func (r *Registry) Validate(op model.Operation, entityType string, payload fields.Object) error {
	if r == nil || op == model.OpDelete {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	schema := r.lookup(entityType)
	if !schema.Exists() {
		return nil
	}

	data := r.ctx.Encode(fields.PlainObject(payload))
	if err := data.Err(); err != nil {
		return invalid(entityType, err)
	}

	unified := schema.Unify(data)
	var opts []cue.Option
	if op == model.OpCreate {
		opts = append(opts, cue.Concrete(true), cue.Final())
	}
	if err := unified.Validate(opts...); err != nil {
		return invalid(entityType, err)
	}
	return nil
}

func invalid(entityType string, err error) error {
	return &syncerr.Error{
		Code:       syncerr.CodeInvalidPayload,
		Op:         "validate payload",
		EntityType: entityType,
		Message:    cueerrors.Details(err, nil),
	}
}
