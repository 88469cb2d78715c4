package vision

import (
	"math"
	"testing"
)

func TestCornerSmootherConvergesTowardStationaryMeasurement(t *testing.T) {
	s := NewCornerSmoother()
	corners := QuadCorners{{X: 10, Y: 10}, {X: 110, Y: 10}, {X: 110, Y: 110}, {X: 10, Y: 110}}

	var last QuadCorners
	for i := 0; i < 50; i++ {
		last = s.Smooth("t1", corners)
	}

	for i, p := range last {
		if math.Abs(p.X-corners[i].X) > 1 || math.Abs(p.Y-corners[i].Y) > 1 {
			t.Errorf("corner %d = %+v did not converge to %+v after repeated stationary measurements", i, p, corners[i])
		}
	}
}

func TestCornerSmootherResetDropsState(t *testing.T) {
	s := NewCornerSmoother()
	corners := QuadCorners{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	for i := 0; i < 20; i++ {
		s.Smooth("t1", corners)
	}
	s.Reset("t1")
	if len(s.filters) != 0 {
		t.Fatalf("expected Reset to drop all filter state, %d filters remain", len(s.filters))
	}
}

func TestCornerSmootherIsolatesTargets(t *testing.T) {
	s := NewCornerSmoother()
	a := QuadCorners{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	b := QuadCorners{{X: 500, Y: 500}, {X: 510, Y: 500}, {X: 510, Y: 510}, {X: 500, Y: 510}}

	s.Smooth("a", a)
	s.Smooth("b", b)
	if len(s.filters) != 8 {
		t.Fatalf("expected 4 corner filters per target (8 total), got %d", len(s.filters))
	}
}
