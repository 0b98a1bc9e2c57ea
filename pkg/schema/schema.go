// Package schema builds the per-connection schema table (§4.3) from a
// root class and classifies paths into an edge prefix + terminal (§4.7).
//
// The decorator/metadata system that lets user code declare classes is
// explicitly out of scope (§1); this package only consumes the resolved
// shape — a graph of *Class values — that such a frontend would produce.
package schema

import (
	"fmt"

	"github.com/latticerpc/graphrpc/pkg/wire"
)

// EdgeDef is one named navigational transition declared on a Class.
type EdgeDef struct {
	Name    string
	Target  *Class
	Visible func(ctx interface{}) bool // nil means always visible
}

func (e EdgeDef) visible(ctx interface{}) bool {
	return e.Visible == nil || e.Visible(ctx)
}

// TerminalDef is a named read or method call declared on a Class.
type TerminalDef struct {
	Name    string
	Method  bool // true for a method call, false for a property/getter
	Visible func(ctx interface{}) bool
	// NumArgs is the number of declared argument validator slots for a
	// method terminal; extra args beyond this are always rejected (§4.6.1).
	NumArgs int
}

func (t TerminalDef) visible(ctx interface{}) bool {
	return t.Visible == nil || t.Visible(ctx)
}

// Class describes one node type: its edges and terminals. Classes form a
// graph (possibly cyclic) rooted at whatever Class is passed to Build.
type Class struct {
	Name      string
	Edges     []EdgeDef
	Terminals []TerminalDef
}

// Entry is one row of the schema table: the edges visible on this type,
// by name, mapped to the index of their target type.
type Entry struct {
	Class     *Class
	EdgeIndex map[string]int
}

// Table is the finite indexed schema built for one connection context.
// Index 0 is always the root type (§3).
type Table struct {
	Entries    []Entry
	classIndex map[*Class]int
}

// IndexOf returns the schema index assigned to class, used for
// path-argument plausibility checks (§4.3). ok is false if the class was
// never reached by the visible-edge walk from the root (e.g. it is only
// reachable through edges hidden for this context).
func (t *Table) IndexOf(c *Class) (int, bool) {
	i, ok := t.classIndex[c]
	return i, ok
}

// Build performs the recursive walk described in §4.3: starting from
// root, it emits an indexed array where each entry lists the edges
// visible for ctx, omitting hidden edges and any type reachable only
// through hidden edges entirely.
func Build(root *Class, ctx interface{}) (*Table, error) {
	if root == nil {
		return nil, fmt.Errorf("schema: root class is nil")
	}
	t := &Table{classIndex: make(map[*Class]int)}
	var walk func(c *Class) int
	walk = func(c *Class) int {
		if idx, ok := t.classIndex[c]; ok {
			return idx
		}
		idx := len(t.Entries)
		t.classIndex[c] = idx
		t.Entries = append(t.Entries, Entry{Class: c, EdgeIndex: make(map[string]int)})
		edgeIdx := make(map[string]int, len(c.Edges))
		for _, e := range c.Edges {
			if !e.visible(ctx) || e.Target == nil {
				continue
			}
			targetIdx := walk(e.Target)
			edgeIdx[e.Name] = targetIdx
		}
		t.Entries[idx].EdgeIndex = edgeIdx
		return idx
	}
	walk(root)
	return t, nil
}

// Classify splits a path into its edge prefix and terminal segment,
// walking the schema from type index 0 (§4.3, §4.7). If no segment names
// a non-edge, terminal is nil (the path denotes a full-node data fetch).
// A path with segments remaining after the first non-edge is an "invalid
// path" programming error.
func Classify(t *Table, p wire.Path) (edgePath wire.Path, terminal *wire.Segment, err error) {
	if err = p.Validate(); err != nil {
		return nil, nil, err
	}
	typeIdx := 0
	for i, seg := range p {
		if typeIdx >= len(t.Entries) {
			return nil, nil, fmt.Errorf("schema: type index %d out of range", typeIdx)
		}
		targetIdx, isEdge := t.Entries[typeIdx].EdgeIndex[seg.Name]
		if !isEdge {
			terminalSeg := seg
			if i != len(p)-1 {
				return nil, nil, fmt.Errorf("schema: invalid path: extra segments after terminal %q", seg.Name)
			}
			return p[:i], &terminalSeg, nil
		}
		typeIdx = targetIdx
	}
	return p, nil, nil
}

// HasEdge reports whether name is a visible edge on the type at typeIdx.
func (t *Table) HasEdge(typeIdx int, name string) (targetIdx int, ok bool) {
	if typeIdx < 0 || typeIdx >= len(t.Entries) {
		return 0, false
	}
	targetIdx, ok = t.Entries[typeIdx].EdgeIndex[name]
	return
}
