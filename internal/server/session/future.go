package session

import (
	"context"
	"sync"
)

// future is a single-assignment, many-reader result cell — the Go
// realization of the "coalescing cache value is Future<T>, not T" design
// note (§9): entries are installed before work begins so concurrent
// lookups share the same future.
type future struct {
	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// settle is safe to call more than once (e.g. a racing poison() against
// an in-flight resolve()); only the first call takes effect.
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

func (f *future) isSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
