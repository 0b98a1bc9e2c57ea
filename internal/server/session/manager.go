// Package session implements the server-side token manager and node
// cache (§4.4, §4.5): lazy, ordered handle allocation and the single
// coalescing point that guarantees "same canonical path ⇒ same node".
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/latticerpc/graphrpc/internal/server/objgraph"
	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// Manager owns, per connection, the dense token table and the node
// cache. It is not safe to share across connections (§5: "owned
// exclusively by the session that created them").
type Manager struct {
	mu sync.Mutex

	fmt      *wire.Formatter
	table    *schema.Table
	registry *objgraph.Registry

	tokens  []string // tokens[tok] = canonical key; tokens[0] = root key
	typeIdx []int    // typeIdx[tok] = schema type index, or -1 if invalid

	cache map[string]*lazyEntry // canonical key -> lazy entry

	maxTokens int
}

// New builds a Manager for one connection's resolved schema table.
func New(f *wire.Formatter, table *schema.Table, registry *objgraph.Registry, maxTokens int) *Manager {
	m := &Manager{
		fmt:       f,
		table:     table,
		registry:  registry,
		tokens:    []string{"$"},
		typeIdx:   []int{0},
		cache:     make(map[string]*lazyEntry),
		maxTokens: maxTokens,
	}
	m.cache["$"] = newLazyEntry(func(ctx context.Context) (interface{}, error) {
		return registry.Root, nil
	})
	return m
}

// TokenCount reports how many tokens have been allocated, including the
// implicit root token 0.
func (m *Manager) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// ErrTokenLimitExceeded is returned by Claim once the session has grown
// past maxTokens (§4.4, §4.6 step 4).
var ErrTokenLimitExceeded = rpcerr.New(rpcerr.TokenLimitExceeded, "token limit exceeded")

// Claim synchronously allocates a new token for parentTok/edgeName/args.
// This MUST be synchronous (no awaiting the parent) so that a child edge
// message arriving in the same batch as its parent can reference
// `tok = parent` before the parent edge has actually resolved — the core
// of pipelining (§4.4, §5).
func (m *Manager) Claim(parentTok int, edgeName string, args []interface{}) (tok int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentTok < 0 || parentTok >= len(m.tokens) {
		return 0, rpcerr.New(rpcerr.InvalidToken, "unknown token %d", parentTok)
	}
	parentKey := m.tokens[parentTok]
	parentType := m.typeIdx[parentTok]

	seg := wire.Segment{Name: edgeName, Args: args}
	key := parentKey + m.fmt.FormatSegment(seg)

	targetType, isEdge := m.table.HasEdge(parentType, edgeName)
	if !isEdge {
		targetType = -1
	}

	tok = len(m.tokens)
	m.tokens = append(m.tokens, key)
	m.typeIdx = append(m.typeIdx, targetType)

	if len(m.tokens) > m.maxTokens {
		return tok, ErrTokenLimitExceeded
	}

	if _, exists := m.cache[key]; !exists {
		capturedParentKey, capturedEdge, capturedArgs := parentKey, edgeName, args
		capturedParentType, capturedTargetType := parentType, targetType
		m.cache[key] = newLazyEntry(func(ctx context.Context) (interface{}, error) {
			return m.resolveEdge(ctx, capturedParentKey, capturedParentType, capturedTargetType, capturedEdge, capturedArgs)
		})
	}
	return tok, nil
}

func nonNilArgs(args []interface{}) []interface{} {
	if args == nil {
		return []interface{}{}
	}
	return args
}

// resolveEdge is the thunk a claimed entry runs on first demand: await
// the parent entry, then invoke the edge implementation (§4.4).
func (m *Manager) resolveEdge(ctx context.Context, parentKey string, parentType, targetType int, edgeName string, args []interface{}) (interface{}, error) {
	if targetType < 0 {
		return nil, rpcerr.New(rpcerr.EdgeNotFound, "no edge %q", edgeName)
	}
	parentEntry := m.entryAt(parentKey)
	parentNode, err := parentEntry.getNode(ctx)
	if err != nil {
		return nil, rpcerr.PoisonedBy(rpcerr.EdgeError, rpcerr.Wrap(rpcerr.EdgeError, err))
	}
	cls := m.table.Entries[parentType].Class
	fn, ok := m.registry.Edge(cls, edgeName)
	if !ok {
		return nil, rpcerr.New(rpcerr.EdgeNotFound, "no edge %q on %s", edgeName, cls.Name)
	}
	op := objgraph.OpCtx{Context: ctx}
	node, err := fn(op, parentNode, args)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.EdgeError, err)
	}
	return node, nil
}

func (m *Manager) entryAt(key string) *lazyEntry {
	m.mu.Lock()
	e := m.cache[key]
	m.mu.Unlock()
	return e
}

// Resolve awaits the node behind tok, per §4.4's `resolve(tok)`.
func (m *Manager) Resolve(ctx context.Context, tok int) (interface{}, error) {
	m.mu.Lock()
	if tok < 0 || tok >= len(m.tokens) {
		m.mu.Unlock()
		return nil, rpcerr.New(rpcerr.InvalidToken, "unknown token %d", tok)
	}
	key := m.tokens[tok]
	e := m.cache[key]
	m.mu.Unlock()
	if e == nil {
		return nil, rpcerr.New(rpcerr.InvalidToken, "unknown token %d", tok)
	}
	return e.getNode(ctx)
}

// ClassOf returns the schema class resolved for tok, used by the
// dispatcher to look up terminal handles (§4.6.1). ok is false if the
// token's edge was never valid (e.g. an EDGE_NOT_FOUND token).
func (m *Manager) ClassOf(tok int) (*schema.Class, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok < 0 || tok >= len(m.typeIdx) {
		return nil, false
	}
	idx := m.typeIdx[tok]
	if idx < 0 || idx >= len(m.table.Entries) {
		return nil, false
	}
	return m.table.Entries[idx].Class, true
}

// InvalidateSubtree force-resets the leaf entry at leafKey and, for every
// entry whose key has leafKey as a strict prefix, invalidates it only if
// settled — in-flight invalidations are a documented no-op (§4.4, §9 Open
// Questions).
func (m *Manager) InvalidateSubtree(leafKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[leafKey]; ok {
		e.reset()
	}
	prefix := leafKey
	for key, e := range m.cache {
		if key == leafKey {
			continue
		}
		if strings.HasPrefix(key, prefix) && e.settled() {
			e.reset()
		}
	}
}

// Poison force-fails tok's entry with cause, idempotently (§8).
func (m *Manager) Poison(tok int, cause error) {
	m.mu.Lock()
	var e *lazyEntry
	if tok >= 0 && tok < len(m.tokens) {
		e = m.cache[m.tokens[tok]]
	}
	m.mu.Unlock()
	if e != nil {
		e.poison(cause)
	}
}

// Clear drops all entries on connection close (§4.4).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]*lazyEntry)
	m.tokens = m.tokens[:1]
	m.typeIdx = m.typeIdx[:1]
}

// EnsureAncestors creates (but does not resolve) lazy entries for every
// prefix of path that does not already have one, walking edges from the
// root class. Used by Ref (§4.5 step 1) so a mutation can be referenced
// before the client has ever claimed a token along that path.
func (m *Manager) EnsureAncestors(path wire.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "$"
	typeIdx := 0
	for _, seg := range path {
		parentKey, parentType := key, typeIdx
		key = key + m.fmt.FormatSegment(seg)
		targetType, isEdge := m.table.HasEdge(parentType, seg.Name)
		if !isEdge {
			targetType = -1
		}
		if _, exists := m.cache[key]; !exists {
			capturedParentKey, capturedEdge, capturedArgs := parentKey, seg.Name, seg.Args
			capturedParentType, capturedTargetType := parentType, targetType
			m.cache[key] = newLazyEntry(func(ctx context.Context) (interface{}, error) {
				return m.resolveEdge(ctx, capturedParentKey, capturedParentType, capturedTargetType, capturedEdge, capturedArgs)
			})
		}
		typeIdx = targetType
	}
	return nil
}

// entryForKey returns the lazy entry cached under key, or nil if there is
// none; it creates nothing.
func (m *Manager) entryForKey(key string) *lazyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[key]
}

// Key renders path's canonical key using this manager's formatter.
func (m *Manager) Key(path wire.Path) string {
	return m.fmt.FormatPath(path)
}

// ForceResetLeaf resets the entry at key regardless of settled state
// (§4.5 step 2 of Ref).
func (m *Manager) ForceResetLeaf(key string) {
	m.mu.Lock()
	e := m.cache[key]
	m.mu.Unlock()
	if e != nil {
		e.reset()
	}
}

// Entry exposes the lazy entry at a canonical key for Ref's use; returns
// nil if none exists (callers should EnsureAncestors first).
func (m *Manager) Entry(key string) *lazyEntry {
	return m.entryForKey(key)
}

// ClassAtPath walks the schema from the root class along path's edges and
// returns the class path resolves to, without touching the node cache.
func (m *Manager) ClassAtPath(path wire.Path) (*schema.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	typeIdx := 0
	for _, seg := range path {
		next, ok := m.table.HasEdge(typeIdx, seg.Name)
		if !ok {
			return nil, rpcerr.New(rpcerr.EdgeNotFound, "no edge %q", seg.Name)
		}
		typeIdx = next
	}
	if typeIdx < 0 || typeIdx >= len(m.table.Entries) {
		return nil, rpcerr.New(rpcerr.InvalidPath, "invalid path")
	}
	return m.table.Entries[typeIdx].Class, nil
}
