package session

import (
	"context"
	"sync"
)

// resolveFunc produces the node for a lazyEntry: typically "await the
// parent entry, then invoke the edge implementation" (§4.4).
type resolveFunc func(ctx context.Context) (interface{}, error)

// lazyEntry is the cache record backing one canonical key in the node
// cache: `{promise|null, settled, resolve}` from §4.4/§9. The future is
// created only on first demand (getNode), which is what lets a claim()
// install an entry synchronously without doing any work.
type lazyEntry struct {
	mu      sync.Mutex
	fut     *future
	resolve resolveFunc
}

func newLazyEntry(resolve resolveFunc) *lazyEntry {
	return &lazyEntry{resolve: resolve}
}

// getNode lazily starts resolution on first call and returns the shared
// result to every caller thereafter — the sole coalescing point (§4.5):
// two lookups of the same key always observe the same future.
func (e *lazyEntry) getNode(ctx context.Context) (interface{}, error) {
	e.mu.Lock()
	fut := e.fut
	if fut == nil {
		fut = newFuture()
		e.fut = fut
		go func() {
			v, err := e.resolve(ctx)
			fut.settle(v, err)
		}()
	}
	e.mu.Unlock()
	return fut.wait(ctx)
}

// reset clears any in-flight or completed resolution so the next getNode
// call starts fresh (used by force-reset on Ref and on invalidation).
func (e *lazyEntry) reset() {
	e.mu.Lock()
	e.fut = nil
	e.mu.Unlock()
}

// settled reports whether a resolution has completed (fulfilled or
// rejected). An in-flight or never-started entry is not settled.
func (e *lazyEntry) settled() bool {
	e.mu.Lock()
	fut := e.fut
	e.mu.Unlock()
	return fut != nil && fut.isSettled()
}

// poison force-settles the entry (if not already settled) with cause,
// without running resolve. Idempotent: poisoning an already-poisoned or
// already-settled entry leaves its existing result untouched (§8).
func (e *lazyEntry) poison(cause error) {
	e.mu.Lock()
	if e.fut == nil {
		fut := newFuture()
		e.fut = fut
		e.mu.Unlock()
		fut.settle(nil, cause)
		return
	}
	fut := e.fut
	e.mu.Unlock()
	if !fut.isSettled() {
		fut.settle(nil, cause)
	}
}
