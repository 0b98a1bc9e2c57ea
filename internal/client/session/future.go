package session

import (
	"context"
	"sync"
)

// future is the client-side twin of the server's lazy-entry future
// (internal/server/session): a single-assignment, many-reader result
// cell used to coalesce concurrent navigation of the same canonical
// path onto one in-flight request.
type future struct {
	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) settle(v interface{}, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

func (f *future) wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
