// Package objgraph is the resolved "schema + callable handles" contract
// the session core consumes (§1, §4.5, §4.6.1). The decorator/metadata
// frontend that would generate a Registry from annotated user types is
// out of scope; callers build a Registry directly or generate one.
package objgraph

import (
	"context"
	"fmt"
	"reflect"

	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// OpCtx carries the per-operation context threaded into every handle
// invocation: the connection's visibility context (used by schema
// visibility predicates) and a cancellation context composed from the
// connection and operation abort signals (§4.6.4, design note §9).
// Edge handles run through the server session's node cache, and the
// property reads of a Ref snapshot, receive an OpCtx whose ConnCtx is nil.
type OpCtx struct {
	Context  context.Context
	ConnCtx  interface{}
}

// EdgeFunc navigates from a resolved parent node to a child node.
type EdgeFunc func(op OpCtx, parent interface{}, args []interface{}) (interface{}, error)

// MethodFunc invokes a named method on a resolved node.
type MethodFunc func(op OpCtx, self interface{}, args []interface{}) (interface{}, error)

// PropertyFunc reads a named computed/data property on a resolved node.
type PropertyFunc func(op OpCtx, self interface{}) (interface{}, error)

// Handles is the set of callable implementations backing one Class.
type Handles struct {
	Edges      map[string]EdgeFunc
	Methods    map[string]MethodFunc
	Properties map[string]PropertyFunc
}

// dangerousNames are never resolved as terminals or snapshot fields even
// if present, mirroring the original object-graph model's exclusion of
// constructor/prototype-ish names (§4.5).
var dangerousNames = map[string]bool{
	"Constructor": true,
	"Prototype":   true,
	"Proto":       true,
}

// Registry binds schema.Class values to their runtime Handles and holds
// the session root instance.
type Registry struct {
	Root      interface{}
	RootClass *schema.Class
	handles   map[*schema.Class]Handles
}

func NewRegistry(rootClass *schema.Class, root interface{}) *Registry {
	return &Registry{
		Root:      root,
		RootClass: rootClass,
		handles:   make(map[*schema.Class]Handles),
	}
}

func (r *Registry) Register(c *schema.Class, h Handles) {
	r.handles[c] = h
}

func (r *Registry) Edge(c *schema.Class, name string) (EdgeFunc, bool) {
	if dangerousNames[name] {
		return nil, false
	}
	h, ok := r.handles[c]
	if !ok {
		return nil, false
	}
	f, ok := h.Edges[name]
	return f, ok
}

func (r *Registry) Method(c *schema.Class, name string) (MethodFunc, bool) {
	if dangerousNames[name] {
		return nil, false
	}
	h, ok := r.handles[c]
	if !ok {
		return nil, false
	}
	f, ok := h.Methods[name]
	return f, ok
}

func (r *Registry) Property(c *schema.Class, name string) (PropertyFunc, bool) {
	if dangerousNames[name] {
		return nil, false
	}
	h, ok := r.handles[c]
	if !ok {
		return nil, false
	}
	f, ok := h.Properties[name]
	return f, ok
}

// IsDangerousName reports whether name is excluded from resolution
// entirely — never an edge, terminal, method, or snapshot field — used
// by the dispatcher's "resolve terminal" protocol (§4.6.1) before it
// even looks the name up in the schema.
func IsDangerousName(name string) bool {
	return dangerousNames[name]
}

// FieldValue is the reflection fallback for an undeclared terminal
// (§4.6.1's "walk prototype for a non-function getter / value
// descriptor"): it looks up name as an exported struct field (or its
// graphrpc tag alias) on node. ok is false if no such field exists.
func FieldValue(node interface{}, name string) (value interface{}, ok bool, err error) {
	if node == nil {
		return nil, false, nil
	}
	rv := reflect.ValueOf(node)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false, nil
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		fname := f.Name
		if tag := f.Tag.Get("graphrpc"); tag == "-" {
			continue
		} else if tag != "" {
			fname = tag
		}
		if fname == name {
			return rv.Field(i).Interface(), true, nil
		}
	}
	return nil, false, nil
}

// DataSource lets a node type provide its own data snapshot instead of
// relying on the struct-reflection fallback (§4.5).
type DataSource interface {
	SnapshotData() (wire.OrderedMap, error)
}

// Snapshot enumerates a resolved node's own data (§4.5): it prefers an
// explicit DataSource implementation, then reflects over exported struct
// fields, skipping anything named as an edge or method terminal on cls
// (those are navigated, not snapshotted) and any field tagged
// `graphrpc:"-"`. Any non-method terminal still unsatisfied after that —
// a property registered purely as a computed registry.Properties getter,
// with no backing exported field — is filled in from registry by calling
// its PropertyFunc, the same getter `get` itself would have used.
func Snapshot(cls *schema.Class, node interface{}, registry *Registry, op OpCtx) (wire.OrderedMap, error) {
	var out wire.OrderedMap
	have := make(map[string]bool)

	if ds, ok := node.(DataSource); ok {
		data, err := ds.SnapshotData()
		if err != nil {
			return nil, err
		}
		out = data
		for _, e := range out {
			have[e.Key] = true
		}
	} else if node != nil {
		rv := reflect.ValueOf(node)
		for rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				rv = reflect.Value{}
				break
			}
			rv = rv.Elem()
		}
		if rv.IsValid() {
			if rv.Kind() != reflect.Struct {
				return nil, fmt.Errorf("objgraph: %T is not snapshot-able (not a struct)", node)
			}
			skip := make(map[string]bool, len(cls.Edges)+len(cls.Terminals))
			for _, e := range cls.Edges {
				skip[e.Name] = true
			}
			for _, t := range cls.Terminals {
				if t.Method {
					skip[t.Name] = true
				}
			}
			rt := rv.Type()
			for i := 0; i < rt.NumField(); i++ {
				f := rt.Field(i)
				if !f.IsExported() {
					continue
				}
				name := f.Name
				if tag := f.Tag.Get("graphrpc"); tag == "-" {
					continue
				} else if tag != "" {
					name = tag
				}
				if skip[name] || dangerousNames[name] {
					continue
				}
				out = append(out, wire.MapEntry{Key: name, Value: rv.Field(i).Interface()})
				have[name] = true
			}
		}
	}

	if registry == nil || node == nil {
		return out, nil
	}
	for _, t := range cls.Terminals {
		if t.Method || have[t.Name] || dangerousNames[t.Name] {
			continue
		}
		fn, ok := registry.Property(cls, t.Name)
		if !ok {
			continue
		}
		val, err := fn(op, node)
		if err != nil {
			return nil, err
		}
		out = append(out, wire.MapEntry{Key: t.Name, Value: val})
		have[t.Name] = true
	}
	return out, nil
}
