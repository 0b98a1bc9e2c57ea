package session

import (
	"context"

	"github.com/latticerpc/graphrpc/internal/server/objgraph"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// Ref computes a reference for path the way handler code asks "here is a
// node, here is its current data" (§4.5). It:
//  1. ensures cache entries exist along every ancestor key,
//  2. force-resets the leaf entry so it re-resolves,
//  3. invalidates all settled descendants under the leaf key,
//  4. awaits the fresh leaf entry,
//  5. returns a Reference carrying the leaf path + a data snapshot.
func (m *Manager) Ref(ctx context.Context, path wire.Path) (wire.Reference, error) {
	if err := path.Validate(); err != nil {
		return wire.Reference{}, err
	}
	if err := m.EnsureAncestors(path); err != nil {
		return wire.Reference{}, err
	}
	key := m.Key(path)
	m.ForceResetLeaf(key)
	m.InvalidateSubtree(key)

	entry := m.Entry(key)
	node, err := entry.getNode(ctx)
	if err != nil {
		return wire.Reference{}, err
	}

	cls, err := m.ClassAtPath(path)
	if err != nil {
		return wire.Reference{}, err
	}
	data, err := objgraph.Snapshot(cls, node, m.registry, objgraph.OpCtx{Context: ctx})
	if err != nil {
		return wire.Reference{}, err
	}
	return wire.Reference{Path: path, Data: data}, nil
}
