package vision

import (
	"math"
	"testing"
)

func square(side float64) QuadCorners {
	return QuadCorners{
		{X: 0, Y: 0},
		{X: side, Y: 0},
		{X: side, Y: side},
		{X: 0, Y: side},
	}
}

func TestValidateGeometryAcceptsSquare(t *testing.T) {
	p := DefaultParams()
	g := validateGeometry(square(100), p, nil)
	if !g.ok {
		t.Fatalf("expected square to pass geometric validation, got reason %q", g.reason)
	}
	if g.area != 10000 {
		t.Errorf("area = %v, want 10000", g.area)
	}
}

func TestValidateGeometryRejectsNonConvex(t *testing.T) {
	p := DefaultParams()
	q := QuadCorners{
		{X: 0, Y: 0},
		{X: 100, Y: 0},
		{X: 20, Y: 20}, // dented inward
		{X: 0, Y: 100},
	}
	g := validateGeometry(q, p, nil)
	if g.ok {
		t.Fatal("expected non-convex quad to be rejected")
	}
}

func TestValidateGeometryRejectsTooSmallArea(t *testing.T) {
	p := DefaultParams()
	g := validateGeometry(square(1), p, nil)
	if g.ok {
		t.Fatal("expected below-MinArea quad to be rejected")
	}
	if g.reason != "area below minimum" {
		t.Errorf("reason = %q, want area rejection", g.reason)
	}
}

func TestValidateGeometryRejectsNonFiniteCorner(t *testing.T) {
	p := DefaultParams()
	q := square(100)
	q[2].X = math.NaN()
	g := validateGeometry(q, p, nil)
	if g.ok {
		t.Fatal("expected non-finite corner to be rejected")
	}
	if g.reason != "non-finite corner" {
		t.Errorf("reason = %q, want non-finite corner rejection", g.reason)
	}
}

func TestValidateGeometryRejectsExcessiveAspectRatio(t *testing.T) {
	p := DefaultParams()
	q := QuadCorners{
		{X: 0, Y: 0},
		{X: 1000, Y: 0},
		{X: 1000, Y: 50},
		{X: 0, Y: 50},
	}
	g := validateGeometry(q, p, nil)
	if g.ok {
		t.Fatal("expected extreme aspect ratio to be rejected")
	}
}

func TestValidateGeometryRejectsScaleJump(t *testing.T) {
	p := DefaultParams()
	prev := &TrackState{HasLast: true, LastScale: 100, LastRotation: 0, LastAspect: 1}
	q := square(500) // far larger than MaxScaleChange allows relative to LastScale
	g := validateGeometry(q, p, prev)
	if g.ok {
		t.Fatal("expected scale jump beyond MaxScaleChange to be rejected")
	}
}

func TestIsConvex(t *testing.T) {
	if !isConvex(square(10)) {
		t.Error("square should be convex")
	}
	dart := QuadCorners{
		{X: 0, Y: 0},
		{X: 100, Y: 0},
		{X: 20, Y: 20},
		{X: 0, Y: 100},
	}
	if isConvex(dart) {
		t.Error("dart shape should not be convex")
	}
}

func TestPolygonArea(t *testing.T) {
	if a := polygonArea(square(10)); a != 100 {
		t.Errorf("area = %v, want 100", a)
	}
}

func TestPointInQuad(t *testing.T) {
	q := square(100)
	if !pointInQuad(Point{X: 50, Y: 50}, q) {
		t.Error("center point should be inside quad")
	}
	if pointInQuad(Point{X: 200, Y: 200}, q) {
		t.Error("far point should be outside quad")
	}
}
