package vision

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// TrackState is the per-target rolling state the optical-flow tracker and
// the orchestrator's quality/redetect bookkeeping both read and write: a
// short quality history, a consecutive-poor-frame counter, the last
// accepted shape (for scale/rotation/aspect-change bounds), and how many
// frames have elapsed since the target was last confirmed by detection.
type TrackState struct {
	QualityHistory       []float64
	PoorFrameCount        int
	LastScale             float64
	LastRotation          float64
	LastAspect            float64
	HasLast               bool
	FramesSinceDetection  int
}

const qualityHistoryCap = 10

func NewTrackState() *TrackState {
	return &TrackState{}
}

func (ts *TrackState) pushQuality(q float64) {
	ts.QualityHistory = append(ts.QualityHistory, q)
	if len(ts.QualityHistory) > qualityHistoryCap {
		ts.QualityHistory = ts.QualityHistory[len(ts.QualityHistory)-qualityHistoryCap:]
	}
}

func (ts *TrackState) meanQuality() float64 {
	if len(ts.QualityHistory) == 0 {
		return 0
	}
	sum := 0.0
	for _, q := range ts.QualityHistory {
		sum += q
	}
	return sum / float64(len(ts.QualityHistory))
}

func (ts *TrackState) recordAccepted(g geometricResult) {
	ts.LastScale = g.scale
	ts.LastRotation = g.rotationDeg
	ts.LastAspect = g.aspect
	ts.HasLast = true
	ts.PoorFrameCount = 0
}

// OpticalFlowTracker implements spec.md §4.5: per-frame pyramidal
// Lucas-Kanade tracking of a previously located quadrilateral, validated by
// forward-backward consistency and geometric plausibility. It holds no
// per-target state itself (the caller supplies and keeps a *TrackState per
// target) so one tracker instance serves every target in a catalog.
type OpticalFlowTracker struct {
	params Params
}

func NewOpticalFlowTracker(params Params) *OpticalFlowTracker {
	return &OpticalFlowTracker{params: params}
}

// Track runs one tracking-mode step: feature selection inside the previous
// quadrilateral, forward/backward LK, FB and magnitude filtering, RANSAC
// homography, geometric validation, and the re-detection signal of
// spec.md §4.5.2. prevGray and currGray must be same-size single-channel
// Mats. state is mutated in place (quality history, poor-frame counter,
// last-accepted shape).
func (f *OpticalFlowTracker) Track(prevGray, currGray gocv.Mat, prevCorners QuadCorners, state *TrackState, pool *ResourcePool) FlowOutcome {
	state.FramesSinceDetection++

	prevPts, ok := f.selectFeatures(prevGray, prevCorners, pool)
	if !ok || len(prevPts) < 8 {
		return f.reject(state, "fewer than 8 seed features inside quadrilateral")
	}

	fwdPts, fwdStatus, ok := f.calcFlow(prevGray, currGray, prevPts, pool)
	if !ok {
		return f.reject(state, "forward optical flow failed")
	}
	backPts, backStatus, ok := f.calcFlow(currGray, prevGray, fwdPts, pool)
	if !ok {
		return f.reject(state, "backward optical flow failed")
	}

	fbThreshold := f.params.FBThreshold
	if state.meanQuality() > 0.8 {
		fbThreshold = f.params.FBThresholdMax
	}

	maxFlowMag := f.params.MaxFlowMag
	if maxFlowMag <= 0 {
		maxFlowMag = hypot(float64(currGray.Cols()), float64(currGray.Rows())) / 4
	}

	var srcGood, dstGood []float32
	var fbSum float64
	var fbCount int
	for i := range prevPts {
		if fwdStatus[i] == 0 || backStatus[i] == 0 {
			continue
		}
		dx := float64(prevPts[i].X - backPts[i].X)
		dy := float64(prevPts[i].Y - backPts[i].Y)
		fbErr := hypot(dx, dy)
		if fbErr > fbThreshold {
			continue
		}
		mx := float64(fwdPts[i].X - prevPts[i].X)
		my := float64(fwdPts[i].Y - prevPts[i].Y)
		if hypot(mx, my) > maxFlowMag {
			continue
		}
		srcGood = append(srcGood, prevPts[i].X, prevPts[i].Y)
		dstGood = append(dstGood, fwdPts[i].X, fwdPts[i].Y)
		fbSum += fbErr
		fbCount++
	}

	minInliers := f.params.MinInliers
	if state.PoorFrameCount > 0 {
		minInliers = f.params.MinInliersStrict
	}
	if fbCount < minInliers {
		return f.reject(state, "fewer surviving correspondences than required")
	}

	h, ransacInliers, ok := findHomographyRANSAC(srcGood, dstGood, fbCount, f.params.RansacReproj)
	if !ok {
		return f.reject(state, ErrDegenerateHomography.Error())
	}
	if ransacInliers < minInliers {
		return f.reject(state, "fewer RANSAC inliers than required")
	}
	newCorners := applyHomography(h, prevCorners)
	if !newCorners.AllFinite() {
		return f.reject(state, "transformed corners not finite")
	}

	geom := validateGeometry(newCorners, f.params, state)
	if !geom.ok {
		return f.reject(state, geom.reason)
	}

	meanFB := fbSum / float64(fbCount)
	inlierRatio := float64(fbCount) / float64(len(prevPts))
	fbScore := clamp01(1 - meanFB/fbThreshold)
	composite := 0.4*inlierRatio + 0.3*fbScore + 0.3*geom.score

	state.pushQuality(composite)
	state.recordAccepted(geom)

	shouldRedetect := state.FramesSinceDetection > f.params.FeatureRefreshInterval && composite < 0.8

	return FlowOutcome{
		Success: true,
		Corners: newCorners,
		Quality: QualityMetrics{
			Composite:   composite,
			InlierRatio: inlierRatio,
			FBError:     meanFB,
			Geometric:   geom.score,
		},
		ShouldRedetect: shouldRedetect,
	}
}

func (f *OpticalFlowTracker) reject(state *TrackState, reason string) FlowOutcome {
	state.pushQuality(0)
	state.PoorFrameCount++
	shouldRedetect := state.PoorFrameCount >= f.params.QualityDegradeFrames
	return FlowOutcome{Success: false, Reason: reason, ShouldRedetect: shouldRedetect}
}

// selectFeatures runs GoodFeaturesToTrack restricted to prevCorners (via a
// bitwise-and mask, since the corpus's GoodFeaturesToTrack binding has no
// mask parameter of its own) and applies the spatial-distribution grid
// filter so features aren't all bunched in one high-texture corner.
func (f *OpticalFlowTracker) selectFeatures(gray gocv.Mat, corners QuadCorners, pool *ResourcePool) ([]Point, bool) {
	mask := PolygonMask(corners, gray.Rows(), gray.Cols(), pool)
	defer mask.Close()

	masked := pool.Acquire()
	defer masked.Close()
	gocv.BitwiseAnd(gray, mask.Mat, &masked.Mat)

	raw := pool.Acquire()
	defer raw.Close()
	gocv.GoodFeaturesToTrack(masked.Mat, &raw.Mat, f.params.MaxFlowFeatures, 0.01, 10)
	if raw.Mat.Empty() {
		return nil, false
	}

	n := raw.Mat.Rows()
	pts := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		v := raw.Mat.GetVecfAt(i, 0)
		if len(v) < 2 {
			continue
		}
		p := Point{X: float64(v[0]), Y: float64(v[1])}
		if pointInQuad(p, corners) {
			pts = append(pts, p)
		}
	}
	if len(pts) == 0 {
		return nil, false
	}

	filtered := spatialFilter(pts, corners, f.params.SpatialGrid, f.params.MaxFlowFeatures)
	return filtered, len(filtered) >= 8
}

// calcFlow runs pyramidal LK from srcGray to dstGray for the given seed
// points using f.params' window/pyramid/termination settings and returns
// the tracked points plus per-point status (1 = found).
func (f *OpticalFlowTracker) calcFlow(srcGray, dstGray gocv.Mat, seed []Point, pool *ResourcePool) ([]Point, []byte, bool) {
	n := len(seed)
	if n == 0 {
		return nil, nil, false
	}
	coords := make([]float32, 0, n*2)
	for _, p := range seed {
		coords = append(coords, float32(p.X), float32(p.Y))
	}
	srcMat, err := gocv.NewMatFromBytes(n, 1, gocv.MatTypeCV32FC2, float32SliceToBytes(coords))
	if err != nil {
		return nil, nil, false
	}
	defer srcMat.Close()

	dstMat := gocv.NewMat()
	defer dstMat.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()

	winSize := image.Pt(f.params.LKWinSize, f.params.LKWinSize)
	criteria := gocv.NewTermCriteria(gocv.MaxIter+gocv.Eps, f.params.LKMaxIter, f.params.LKEpsilon)
	gocv.CalcOpticalFlowPyrLKWithParams(srcGray, dstGray, srcMat, dstMat, &status, &flowErr,
		winSize, f.params.LKMaxLevel, criteria, 0, 0.001)

	if dstMat.Empty() || dstMat.Rows() != n {
		return nil, nil, false
	}
	out := make([]Point, n)
	st := make([]byte, n)
	for i := 0; i < n; i++ {
		v := dstMat.GetVecfAt(i, 0)
		if len(v) >= 2 {
			out[i] = Point{X: float64(v[0]), Y: float64(v[1])}
		}
		st[i] = status.GetUCharAt(i, 0)
	}
	return out, st, true
}

// spatialFilter buckets points into a grid x grid partition of the
// quadrilateral's bounding box and keeps up to ceil(maxPoints/(grid*grid))
// per cell (points already arrive quality-sorted from GoodFeaturesToTrack),
// then fills any remaining budget from the overflow in arrival order, so
// the retained set is spread across the target rather than clustered
// around its single strongest corner.
func spatialFilter(pts []Point, quad QuadCorners, grid, maxPoints int) []Point {
	if grid < 1 {
		grid = 1
	}
	minX, minY, maxX, maxY := quad[0].X, quad[0].Y, quad[0].X, quad[0].Y
	for _, c := range quad {
		minX = minFloat(minX, c.X)
		minY = minFloat(minY, c.Y)
		maxX = maxFloat(maxX, c.X)
		maxY = maxFloat(maxY, c.Y)
	}
	w := maxX - minX
	h := maxY - minY
	if w <= 0 || h <= 0 {
		if len(pts) > maxPoints {
			return pts[:maxPoints]
		}
		return pts
	}

	cells := grid * grid
	perCell := (maxPoints + cells - 1) / cells
	counts := make([]int, cells)

	out := make([]Point, 0, maxPoints)
	var leftover []Point
	for _, p := range pts {
		cx := int((p.X - minX) / w * float64(grid))
		cy := int((p.Y - minY) / h * float64(grid))
		if cx >= grid {
			cx = grid - 1
		}
		if cy >= grid {
			cy = grid - 1
		}
		if cx < 0 || cy < 0 {
			continue
		}
		idx := cy*grid + cx
		if counts[idx] < perCell {
			counts[idx]++
			out = append(out, p)
		} else {
			leftover = append(leftover, p)
		}
		if len(out) >= maxPoints {
			return out
		}
	}
	for _, p := range leftover {
		if len(out) >= maxPoints {
			break
		}
		out = append(out, p)
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hypot(dx, dy float64) float64 {
	return math.Hypot(dx, dy)
}
