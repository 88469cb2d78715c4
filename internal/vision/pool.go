package vision

import (
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// ResourcePool hands out scoped gocv.Mat handles. Every handle acquired
// through it must be closed on every exit path — including errors — which
// is the single most load-bearing invariant in the whole pipeline (see
// SPEC_FULL.md's design notes). The pool itself does not reuse Mat memory
// (gocv/OpenCV already pools native buffers internally); its job is
// bookkeeping: it lets callers assert, in tests, that acquisitions and
// releases balance for any sequence of frames.
type ResourcePool struct {
	mu        sync.Mutex
	allocated int64
	released  int64
}

// NewResourcePool constructs an empty pool.
func NewResourcePool() *ResourcePool {
	return &ResourcePool{}
}

// Handle wraps a gocv.Mat acquired from a ResourcePool. Close is idempotent.
type Handle struct {
	Mat     gocv.Mat
	pool    *ResourcePool
	closed  bool
	mu      sync.Mutex
}

// Acquire hands out a new, empty Mat tracked by the pool.
func (p *ResourcePool) Acquire() *Handle {
	atomic.AddInt64(&p.allocated, 1)
	return &Handle{Mat: gocv.NewMat(), pool: p}
}

// Adopt wraps an already-constructed Mat (e.g. the return value of a gocv
// function that builds its own Mat) under pool bookkeeping so it is
// guaranteed to be released through the same accounting as Acquire.
func (p *ResourcePool) Adopt(m gocv.Mat) *Handle {
	atomic.AddInt64(&p.allocated, 1)
	return &Handle{Mat: m, pool: p}
}

// Close releases the underlying Mat. Safe to call more than once and safe
// to call on the zero Handle.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.Mat.Ptr() != nil {
		h.Mat.Close()
	}
	if h.pool != nil {
		atomic.AddInt64(&h.pool.released, 1)
	}
}

// Outstanding returns the number of acquired handles not yet released —
// zero after a clean teardown is the leak-freedom property spec.md §8
// requires of any frame sequence ending in stop().
func (p *ResourcePool) Outstanding() int64 {
	return atomic.LoadInt64(&p.allocated) - atomic.LoadInt64(&p.released)
}

// Stats returns the raw allocate/release counters, mainly for tests.
func (p *ResourcePool) Stats() (allocated, released int64) {
	return atomic.LoadInt64(&p.allocated), atomic.LoadInt64(&p.released)
}
