// Package arena provides short-lived per-event allocation pools for the
// event loop's hot path. Each pool reuses fixed-size objects instead of
// allocating per event, the same discipline the lock-free queue's slots
// use for their backing storage, generalized into a reusable type.
package arena

import "sync"

// Pool reuses values of type T. New is called to construct a fresh value
// only when the pool is empty; Reset (if non-nil) clears a value's
// contents before it's handed back out, so a freed value is never reused
// with stale state.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)
}

// NewPool creates a pool whose values are constructed by newFn and, on
// reuse, cleared by resetFn (resetFn may be nil if the type has no state
// to clear, e.g. a plain numeric buffer that callers fully overwrite).
func NewPool[T any](newFn func() *T, resetFn func(*T)) *Pool[T] {
	p := &Pool[T]{reset: resetFn}
	p.pool.New = func() any { return newFn() }
	return p
}

// Get returns a value, freshly constructed or recycled.
func (p *Pool[T]) Get() *T {
	v := p.pool.Get().(*T)
	return v
}

// Put clears v with the pool's reset function (if any) and returns it to
// the pool, so a freed value is never handed out again with stale state.
func (p *Pool[T]) Put(v *T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.pool.Put(v)
}

// ByteArena hands out fixed-size byte buffers for short-lived per-event
// encoding (WAL entry payloads, NDJSON line buffers) without a per-call
// allocation.
type ByteArena struct {
	pool sync.Pool
	size int
}

// NewByteArena creates an arena of buffers of the given size.
func NewByteArena(size int) *ByteArena {
	a := &ByteArena{size: size}
	a.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return a
}

// Get returns a buffer of the arena's fixed size, truncated to zero
// length but with full capacity retained.
func (a *ByteArena) Get() []byte {
	b := *a.pool.Get().(*[]byte)
	return b[:0]
}

// Put returns a buffer to the arena. Buffers with altered capacity (grown
// past the arena's size via append) are dropped rather than pooled.
func (a *ByteArena) Put(b []byte) {
	if cap(b) != a.size {
		return
	}
	b = b[:a.size]
	a.pool.Put(&b)
}
