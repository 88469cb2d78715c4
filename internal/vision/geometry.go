package vision

import "math"

// geometricResult carries every sub-check spec.md §4.5.1 names plus the
// combined geometric score (used as one of three composite-score terms).
type geometricResult struct {
	ok          bool
	reason      string
	area        float64
	compactness float64
	scale       float64
	rotationDeg float64
	aspect      float64
	score       float64 // in [0,1], higher is better
}

// validateGeometry checks every invariant spec.md §4.5.1 lists for a
// candidate quadrilateral, plus (when prev.HasLast) the scale/rotation/
// aspect-change bounds against the last accepted shape.
func validateGeometry(q QuadCorners, p Params, prev *TrackState) geometricResult {
	if !q.AllFinite() {
		return geometricResult{reason: "non-finite corner"}
	}
	if !isConvex(q) {
		return geometricResult{reason: "non-convex"}
	}

	area := polygonArea(q)
	if area < p.MinArea {
		return geometricResult{reason: "area below minimum", area: area}
	}

	perimeter := edgeLength(q[0], q[1]) + edgeLength(q[1], q[2]) + edgeLength(q[2], q[3]) + edgeLength(q[3], q[0])
	compactness := 0.0
	if perimeter > 0 {
		compactness = 4 * math.Pi * area / (perimeter * perimeter)
	}
	if compactness <= 0.1 {
		return geometricResult{reason: "compactness too low", area: area, compactness: compactness}
	}

	angle01 := edgeAngleDeg(q[0], q[1])
	angle23 := edgeAngleDeg(q[2], q[3])
	angle12 := edgeAngleDeg(q[1], q[2])
	angle30 := edgeAngleDeg(q[3], q[0])
	if angleDiffDeg(angle01, angle23) > p.ParallelTolDeg {
		return geometricResult{reason: "edges 0-1/2-3 not parallel enough"}
	}
	if angleDiffDeg(angle12, angle30) > p.ParallelTolDeg {
		return geometricResult{reason: "edges 1-2/3-0 not parallel enough"}
	}

	len01 := edgeLength(q[0], q[1])
	len23 := edgeLength(q[2], q[3])
	len12 := edgeLength(q[1], q[2])
	len30 := edgeLength(q[3], q[0])
	if !lengthRatioOK(len01, len23, 3) || !lengthRatioOK(len12, len30, 3) {
		return geometricResult{reason: "opposite-edge length ratio too high"}
	}

	mid := (p.MinCornerAngleDeg + p.MaxCornerAngleDeg) / 2
	halfRange := (p.MaxCornerAngleDeg - p.MinCornerAngleDeg) / 2
	cornerComfort := 1.0
	for i := 0; i < 4; i++ {
		a := cornerAngleDeg(q[(i+3)%4], q[i], q[(i+1)%4])
		if a < p.MinCornerAngleDeg || a > p.MaxCornerAngleDeg {
			return geometricResult{reason: "corner angle out of range"}
		}
		if halfRange > 0 {
			comfort := 1 - math.Abs(a-mid)/halfRange
			cornerComfort = math.Min(cornerComfort, comfort)
		}
	}

	longSide := math.Max((len01+len23)/2, (len12+len30)/2)
	shortSide := math.Min((len01+len23)/2, (len12+len30)/2)
	aspect := 1.0
	if shortSide > 0 {
		aspect = longSide / shortSide
	}
	if aspect > p.MaxAspectRatio {
		return geometricResult{reason: "aspect ratio too high", aspect: aspect}
	}

	diag1 := edgeLength(q[0], q[2])
	diag2 := edgeLength(q[1], q[3])
	scale := (diag1 + diag2) / 2
	rotation := edgeAngleDeg(q[0], q[1])

	if prev != nil && prev.HasLast {
		if prev.LastScale > 0 {
			ratio := scale / prev.LastScale
			if ratio < 1 {
				ratio = 1 / ratio
			}
			if ratio > p.MaxScaleChange {
				return geometricResult{reason: "scale change too large", scale: scale}
			}
		}
		if angleDiffDeg(rotation, prev.LastRotation) > p.MaxRotationChange {
			return geometricResult{reason: "rotation change too large", rotationDeg: rotation}
		}
		if math.Abs(aspect-prev.LastAspect) > p.MaxAspectChange {
			return geometricResult{reason: "aspect-ratio change too large", aspect: aspect}
		}
	}

	// Combined geometric score: compactness capped at 1, blended with how
	// comfortably the corner angles sit inside their allowed range (the
	// worst of the four corners sets the blend weight).
	score := 0.7*math.Min(compactness, 1.0) + 0.3*cornerComfort
	return geometricResult{
		ok:          true,
		area:        area,
		compactness: compactness,
		scale:       scale,
		rotationDeg: rotation,
		aspect:      aspect,
		score:       score,
	}
}

func isConvex(q QuadCorners) bool {
	sign := 0
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		c := q[(i+2)%4]
		cross := (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if cross == 0 {
			continue
		}
		s := 1
		if cross < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if sign != s {
			return false
		}
	}
	return sign != 0
}

// polygonArea returns the unsigned area via the shoelace formula.
func polygonArea(q QuadCorners) float64 {
	sum := 0.0
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		sum += a.X*b.Y - b.X*a.Y
	}
	return math.Abs(sum) / 2
}

func edgeLength(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func edgeAngleDeg(a, b Point) float64 {
	return math.Atan2(b.Y-a.Y, b.X-a.X) * 180 / math.Pi
}

// angleDiffDeg returns the smallest positive difference between two
// angles, modulo 180 degrees (edges have no inherent direction).
func angleDiffDeg(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 180)
	if d > 90 {
		d = 180 - d
	}
	return d
}

func lengthRatioOK(a, b, maxRatio float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	ratio := a / b
	if ratio < 1 {
		ratio = 1 / ratio
	}
	return ratio <= maxRatio
}

// cornerAngleDeg returns the interior angle at vertex b formed by a-b-c.
func cornerAngleDeg(a, b, c Point) float64 {
	v1x, v1y := a.X-b.X, a.Y-b.Y
	v2x, v2y := c.X-b.X, c.Y-b.Y
	dot := v1x*v2x + v1y*v2y
	m1 := math.Hypot(v1x, v1y)
	m2 := math.Hypot(v2x, v2y)
	if m1 == 0 || m2 == 0 {
		return 0
	}
	cos := dot / (m1 * m2)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos) * 180 / math.Pi
}

// pointInQuad is a standard even-odd ray-casting test, used by the
// spatial-distribution filter to prefer points actually inside the
// quadrilateral over points merely inside its bounding box.
func pointInQuad(p Point, q QuadCorners) bool {
	inside := false
	for i, j := 0, 3; i < 4; j, i = i, i+1 {
		pi, pj := q[i], q[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			xIntersect := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}
