package dedup

import (
	"sync"
)

// Operation represents an in-flight operation with result sharing
type Operation[T any] struct {
	wg     *sync.WaitGroup
	result T
	err    error
}

// Group collapses concurrent calls that share a key into one execution.
// Nothing is cached: once the in-flight call returns, the next Do runs fn again.
type Group[K comparable, T any] struct {
	operations sync.Map // map[K]*Operation[T]
}

// Do executes fn for key, deduplicating concurrent calls.
// If another goroutine is already running fn for the same key, this call waits
// for that result instead of executing fn again. shared reports whether the
// result came from another caller.
func (g *Group[K, T]) Do(key K, fn func() (T, error)) (result T, err error, shared bool) {
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Done()

	inflight, loaded := g.operations.LoadOrStore(key, &Operation[T]{wg: &wg})
	op := inflight.(*Operation[T])
	if loaded {
		op.wg.Wait()
		return op.result, op.err, true
	}

	op.result, op.err = fn()

	// Clean up before waiters are released so a later call starts fresh
	g.operations.Delete(key)
	return op.result, op.err, false
}
