package vision

import (
	"testing"

	"gocv.io/x/gocv"
)

func TestResourcePoolAcquireCloseBalances(t *testing.T) {
	pool := NewResourcePool()
	h := pool.Acquire()
	if pool.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1 after Acquire", pool.Outstanding())
	}
	h.Close()
	if pool.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after Close", pool.Outstanding())
	}
}

func TestResourcePoolCloseIsIdempotent(t *testing.T) {
	pool := NewResourcePool()
	h := pool.Acquire()
	h.Close()
	h.Close()
	if allocated, released := pool.Stats(); allocated != 1 || released != 1 {
		t.Fatalf("Stats() = (%d, %d), want (1, 1) after double Close", allocated, released)
	}
}

func TestResourcePoolAdoptTracksExternalMat(t *testing.T) {
	pool := NewResourcePool()
	m := gocv.NewMat()
	h := pool.Adopt(m)
	if pool.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1 after Adopt", pool.Outstanding())
	}
	h.Close()
	if pool.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after Close", pool.Outstanding())
	}
}

func TestResourcePoolNilHandleCloseIsSafe(t *testing.T) {
	var h *Handle
	h.Close() // must not panic
}

func TestResourcePoolManyAcquireCloseSequenceLeavesNoLeak(t *testing.T) {
	pool := NewResourcePool()
	for i := 0; i < 50; i++ {
		h := pool.Acquire()
		h.Close()
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after balanced acquire/close sequence", pool.Outstanding())
	}
}
