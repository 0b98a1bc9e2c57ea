// Package hydrate implements the SSR hydration cache (§4.9): a
// short-lived prelude in front of a live session.Session that lets a
// freshly-booted client satisfy the first round of awaits from a
// payload the server already computed during server-side rendering,
// without opening a transport.
package hydrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latticerpc/graphrpc/internal/client/stub"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// Ref is one entry of a hydration payload's refs list: the path at
// which a token was assigned during SSR navigation.
type Ref struct {
	Path  wire.Path
	Token int
}

// DataEntry is one entry of a hydration payload's data list: either a
// full node snapshot (Name == "") or a single method-call result
// (Name/Args set).
type DataEntry struct {
	Token int
	Name  string        // empty for a full-node snapshot
	Args  []interface{} // nil for a property or full snapshot
	Value interface{}
}

// Payload is a decoded hydration payload as emitted by SSR.
type Payload struct {
	Refs []Ref
	Data []DataEntry
}

// Cache wraps a stub.Backend, intercepting resolve calls with hits from
// a decoded hydration payload while active, and falling through to the
// wrapped backend (opening the transport lazily) on a miss. Cache
// itself implements stub.Backend.
type Cache struct {
	backend stub.Backend
	table   *schema.Table
	fmt     *wire.Formatter
	ttl     time.Duration

	mu            sync.Mutex
	active        bool
	pathToToken   map[string]int
	dataCache     map[int]wire.OrderedMap
	callCache     map[string]interface{}
	dropTimer     *time.Timer
	dropScheduled bool
}

// New builds an inactive Cache in front of backend. Call Activate to
// load a payload.
func New(backend stub.Backend, table *schema.Table, f *wire.Formatter, ttl time.Duration) *Cache {
	return &Cache{backend: backend, table: table, fmt: f, ttl: ttl}
}

// Activate loads payload and marks the cache active; root always maps
// to token 0.
func (c *Cache) Activate(payload Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.pathToToken = map[string]int{"$": 0}
	c.dataCache = make(map[int]wire.OrderedMap)
	c.callCache = make(map[string]interface{})

	for _, r := range payload.Refs {
		c.pathToToken[c.fmt.FormatPath(r.Path)] = r.Token
	}
	for _, d := range payload.Data {
		if d.Name == "" {
			if om, ok := d.Value.(wire.OrderedMap); ok {
				c.dataCache[d.Token] = om
			}
			continue
		}
		c.callCache[callKey(d.Token, d.Name, d.Args)] = d.Value
	}
}

func callKey(tok int, name string, args []interface{}) string {
	return fmt.Sprintf("%d:%s:%v", tok, name, args)
}

// Resolve implements stub.Backend: a hit is served entirely from the
// payload; a miss is delegated to the wrapped backend.
func (c *Cache) Resolve(ctx context.Context, path wire.Path) (interface{}, error) {
	edgePath, terminal, err := schema.Classify(c.table, path)
	if err != nil {
		return nil, fmt.Errorf("hydrate: %w", err)
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return c.backend.Resolve(ctx, path)
	}
	edgeKey := c.fmt.FormatPath(edgePath)
	tok, ok := c.pathToToken[edgeKey]
	if !ok {
		c.mu.Unlock()
		return c.backend.Resolve(ctx, path)
	}

	if terminal == nil {
		snap, ok := c.dataCache[tok]
		if !ok {
			c.mu.Unlock()
			return c.backend.Resolve(ctx, path)
		}
		c.scheduleDropLocked()
		c.mu.Unlock()
		return snap, nil
	}

	if v, ok := c.callCache[callKey(tok, terminal.Name, terminal.Args)]; ok {
		c.scheduleDropLocked()
		c.mu.Unlock()
		return v, nil
	}
	// A call with args never falls through to the data snapshot; only a
	// bare property lookup (no args at all) may.
	if len(terminal.Args) == 0 {
		if snap, ok := c.dataCache[tok]; ok {
			if v, ok := snap.Get(terminal.Name); ok {
				c.scheduleDropLocked()
				c.mu.Unlock()
				return v, nil
			}
		}
	}
	c.mu.Unlock()
	return c.backend.Resolve(ctx, path)
}

// scheduleDropLocked implements the two-step microtask-then-timer
// inactivity window: the arm is deferred onto its own goroutine so a
// burst of synchronous hits collapses onto a single pending timer,
// then the timer itself is (re)started only once that deferred step
// runs. Must be called with c.mu held.
func (c *Cache) scheduleDropLocked() {
	if c.dropScheduled {
		return
	}
	c.dropScheduled = true
	go func() {
		c.mu.Lock()
		c.dropScheduled = false
		if !c.active {
			c.mu.Unlock()
			return
		}
		if c.dropTimer != nil {
			c.dropTimer.Stop()
		}
		c.dropTimer = time.AfterFunc(c.ttl, c.Drop)
		c.mu.Unlock()
	}()
}

// Drop clears the cache and cancels any pending timer. Idempotent.
func (c *Cache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.pathToToken = nil
	c.dataCache = nil
	c.callCache = nil
	if c.dropTimer != nil {
		c.dropTimer.Stop()
		c.dropTimer = nil
	}
}
