// Package registry is the static dispatch table built from a loaded Schema:
// operationId -> descriptor, plus a tag index.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/estatectl/internal/spec"
)

// DefaultTag groups operations that declare no tags.
const DefaultTag = "default"

var ErrDuplicateOperation = errors.New("duplicate operation id")

type table struct {
	schema *spec.Schema
	byID   map[string]*spec.Operation
	byTag  map[string][]*spec.Operation
	tags   []string
	ops    []*spec.Operation
}

// Registry is safe for concurrent use. Register replaces the whole table at
// once; readers see either the old or the new table.
type Registry struct {
	t atomic.Pointer[table]
}

func New() *Registry {
	r := &Registry{}
	r.t.Store(&table{
		byID:  map[string]*spec.Operation{},
		byTag: map[string][]*spec.Operation{},
	})
	return r
}

// Register rebuilds the table from schema. A schema with duplicate
// operation ids is rejected and the previous table stays active.
func (r *Registry) Register(schema *spec.Schema) error {
	if schema == nil {
		return fmt.Errorf("register: nil schema")
	}
	next := &table{
		schema: schema,
		byID:   make(map[string]*spec.Operation, len(schema.Operations)),
		byTag:  make(map[string][]*spec.Operation),
	}
	for _, op := range schema.Operations {
		if prev, ok := next.byID[op.ID]; ok {
			return fmt.Errorf("%w: %q used by %s %s and %s %s",
				ErrDuplicateOperation, op.ID, prev.Method, prev.Path, op.Method, op.Path)
		}
		next.byID[op.ID] = op
		next.ops = append(next.ops, op)

		tags := op.Tags
		if len(tags) == 0 {
			tags = []string{DefaultTag}
		}
		seen := make(map[string]bool, len(tags))
		for _, tag := range tags {
			if seen[tag] {
				continue
			}
			seen[tag] = true
			if _, ok := next.byTag[tag]; !ok {
				next.tags = append(next.tags, tag)
			}
			next.byTag[tag] = append(next.byTag[tag], op)
		}
	}
	r.t.Store(next)
	return nil
}

// Get looks up an operation by id.
func (r *Registry) Get(id string) (*spec.Operation, bool) {
	op, ok := r.t.Load().byID[id]
	return op, ok
}

// ByTag returns a fresh copy of the tag index. Operations keep schema order
// within each group; an operation with several tags appears in each.
func (r *Registry) ByTag() map[string][]*spec.Operation {
	t := r.t.Load()
	out := make(map[string][]*spec.Operation, len(t.byTag))
	for tag, ops := range t.byTag {
		out[tag] = append([]*spec.Operation(nil), ops...)
	}
	return out
}

// Tags returns tag names in first-seen order.
func (r *Registry) Tags() []string {
	return append([]string(nil), r.t.Load().tags...)
}

// Definition returns a named schema definition from the registered Schema.
func (r *Registry) Definition(name string) (spec.Definition, bool) {
	t := r.t.Load()
	if t.schema == nil {
		return spec.Definition{}, false
	}
	d, ok := t.schema.Definitions[name]
	return d, ok
}

// Operations returns every registered operation in schema order.
func (r *Registry) Operations() []*spec.Operation {
	return append([]*spec.Operation(nil), r.t.Load().ops...)
}

func (r *Registry) Len() int { return len(r.t.Load().byID) }

// Schema returns the registered Schema, nil before the first Register.
func (r *Registry) Schema() *spec.Schema { return r.t.Load().schema }
