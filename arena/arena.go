// Package arena implements the process-wide memory context: a
// fixed-capacity byte pool handed out through reference-counted handles, the
// Go analogue of the reference-counted allocator the network stack this
// package replaces built its packet and fragment storage on top of. Go has a
// garbage collector, so the "free the block" half of that contract becomes
// "credit the block's size back to the Context's byte budget" (the slice
// itself is left to the garbage collector) — but the counting contract itself (construction fails cleanly when out of
// budget, copy increments, drop decrements, zero frees) is preserved
// verbatim because callers reason about it directly.
package arena

import "sync"

// OutOfMemoryFunc is invoked whenever an allocation cannot be satisfied.
type OutOfMemoryFunc func(requested, available int)

// Context is a bounded memory pool. Its internal mutex guards only the byte
// budget; a Handle's reference count is updated without any lock, so Retain
// and Release on handles to the same block must not run concurrently unless
// the caller serializes them itself.
type Context struct {
	mu        sync.Mutex
	capacity  int
	allocated int
	onOOM     OutOfMemoryFunc
}

// NewContext creates a Context with the given byte capacity.
func NewContext(capacity int) *Context {
	return &Context{capacity: capacity}
}

// SetOutOfMemoryCallback registers the function invoked on a failed
// allocation. Passing nil disables the callback.
func (c *Context) SetOutOfMemoryCallback(fn OutOfMemoryFunc) {
	c.onOOM = fn
}

// AvailableMemory reports the number of bytes still free in the pool.
func (c *Context) AvailableMemory() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.allocated
}

// malloc reserves n bytes from the pool's budget and returns a
// freshly-allocated slice of that size, or nil if the budget is exhausted.
func (c *Context) malloc(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity-c.allocated < n {
		if c.onOOM != nil {
			c.onOOM(n, c.capacity-c.allocated)
		}
		return nil
	}
	c.allocated += n
	return make([]byte, n)
}

// free releases n bytes back to the pool's budget.
func (c *Context) free(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocated -= n
}

// Handle is a reference-counted byte buffer drawn from a Context. A zero
// Handle is falsy, mirroring a RefPtr that failed construction.
type Handle struct {
	ctx   *Context
	count *int
	buf   []byte
}

// Alloc reserves n bytes from ctx and returns a Handle with an initial
// reference count of 1. The returned Handle is falsy if ctx's budget cannot
// cover n.
func Alloc(ctx *Context, n int) Handle {
	buf := ctx.malloc(n)
	if buf == nil {
		return Handle{}
	}
	count := 1
	return Handle{ctx: ctx, count: &count, buf: buf}
}

// Valid reports whether h refers to a live allocation.
func (h Handle) Valid() bool {
	return h.ctx != nil && h.count != nil && h.buf != nil
}

// Bytes returns the handle's backing storage. Callers must not retain the
// slice past the handle's last Release.
func (h Handle) Bytes() []byte {
	return h.buf
}

// Len reports the size of the backing allocation in bytes.
func (h Handle) Len() int {
	return len(h.buf)
}

// Retain increments the reference count and returns h, mirroring RefPtr's
// copy constructor. The increment is not synchronized; see Context.
func (h Handle) Retain() Handle {
	if h.count != nil {
		*h.count++
	}
	return h
}

// Release decrements the reference count. When it reaches zero the backing
// bytes are returned to the Context's budget. Calling Release on an already
// fully-released or zero Handle is a no-op.
func (h Handle) Release() {
	if h.count == nil || *h.count <= 0 {
		return
	}
	*h.count--
	if *h.count == 0 {
		h.ctx.free(len(h.buf))
	}
}

// RefCount reports the current reference count, for tests and diagnostics.
func (h Handle) RefCount() int {
	if h.count == nil {
		return 0
	}
	return *h.count
}
