// Package stub implements the client-side path-building proxy and the
// classifier that splits a path into its edge prefix and terminal
// segment (§4.7).
package stub

import (
	"context"
	"fmt"

	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// Backend is the sole entry point a Stub calls into when awaited. The
// client session implements it.
type Backend interface {
	Resolve(ctx context.Context, path wire.Path) (interface{}, error)
}

// Stub is a local, synchronous handle carrying a path. Property access
// (Get) and method call (Call) extend the path without ever touching
// the network; only Await does.
type Stub struct {
	backend Backend
	path    wire.Path
}

// New roots a Stub at path against backend.
func New(backend Backend, path wire.Path) *Stub {
	return &Stub{backend: backend, path: path}
}

// Path exposes the stub's current path, e.g. for canonical-key formatting.
func (s *Stub) Path() wire.Path {
	return s.path
}

// Get extends the path with a bare property/edge segment.
func (s *Stub) Get(name string) *Stub {
	return &Stub{backend: s.backend, path: s.path.Append(wire.Segment{Name: name})}
}

// Call extends the path with a method-call segment carrying args.
func (s *Stub) Call(name string, args ...interface{}) *Stub {
	if args == nil {
		args = []interface{}{}
	}
	return &Stub{backend: s.backend, path: s.path.Append(wire.Segment{Name: name, Args: args})}
}

// Await is the stub's thenable: resolving it is the sole entry point
// into the session core.
func (s *Stub) Await(ctx context.Context) (interface{}, error) {
	return s.backend.Resolve(ctx, s.path)
}

// DataProxy wraps a resolved data snapshot plus the path it was fetched
// for: property access returns the snapshot value if present, otherwise
// constructs a child Stub for continued navigation (§4.7).
type DataProxy struct {
	backend Backend
	path    wire.Path
	data    wire.OrderedMap
}

// NewDataProxy builds a DataProxy over a resolved snapshot.
func NewDataProxy(backend Backend, path wire.Path, data wire.OrderedMap) *DataProxy {
	return &DataProxy{backend: backend, path: path, data: data}
}

// Get returns the snapshot's value for name if present; otherwise a
// child Stub rooted at path+[name] for continued navigation.
func (p *DataProxy) Get(name string) (value interface{}, fromData bool, child *Stub) {
	if v, ok := p.data.Get(name); ok {
		return v, true, nil
	}
	return nil, false, &Stub{backend: p.backend, path: p.path.Append(wire.Segment{Name: name})}
}

// Data exposes the full snapshot.
func (p *DataProxy) Data() wire.OrderedMap {
	return p.data
}

// Classification is the result of splitting a path into its navigable
// prefix and its terminal segment (§4.7).
type Classification struct {
	EdgePath wire.Path
	Terminal *wire.Segment // nil means a full-node data fetch on EdgePath
}

// ClassifyPath walks path against table starting at type index 0: each
// segment naming a visible edge advances the walk; the first segment
// that does not name an edge is the terminal, and every remaining
// segment after it is an error.
func ClassifyPath(table *schema.Table, path wire.Path) (Classification, error) {
	edgePath, terminal, err := schema.Classify(table, path)
	if err != nil {
		return Classification{}, fmt.Errorf("stub: %w", err)
	}
	return Classification{EdgePath: edgePath, Terminal: terminal}, nil
}
