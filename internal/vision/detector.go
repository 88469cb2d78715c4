package vision

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// FeatureDetector extracts features from a frame and matches them against
// one target at a time, producing a homography-transformed quadrilateral.
// It caches the current frame's extracted descriptors so that checking
// several candidate targets in the same frame reuses the extraction; the
// cache is a single slot invalidated by the next frame.
type FeatureDetector struct {
	params Params

	cacheFrameID uint64
	cacheSet     DescriptorSet
	cacheValid   bool
}

func NewFeatureDetector(params Params) *FeatureDetector {
	return &FeatureDetector{params: params}
}

// DetectAndMatch runs the full detection pipeline (spec.md §4.4) for one
// target against frameID's grayscale view, reusing the cached frame
// descriptors when frameID matches the last call.
func (d *FeatureDetector) DetectAndMatch(frameGray gocv.Mat, frameID uint64, target *ReferenceTarget) DetectionOutcome {
	frameSet, err := d.frameDescriptors(frameGray, frameID)
	if err != nil {
		return DetectionOutcome{Success: false, Reason: err.Error()}
	}

	if frameSet.Len() < 10 {
		return DetectionOutcome{Success: false, Reason: "fewer than 10 frame features"}
	}
	if target.Data.Len() < 10 {
		return DetectionOutcome{Success: false, Reason: "fewer than 10 target features"}
	}
	if frameSet.Width != target.Data.Width || frameSet.Width == 0 {
		return DetectionOutcome{Success: false, Reason: ErrDescriptorMismatch.Error()}
	}

	matches := knnRatioMatch(target.Data.Descriptors, frameSet.Descriptors, 0.7)
	if len(matches) < d.params.GoodMatchMin {
		return DetectionOutcome{Success: false, Reason: fmt.Sprintf("only %d ratio-test survivors, need %d", len(matches), d.params.GoodMatchMin)}
	}

	var targetPts, framePts []float32
	var nPts int
	for _, m := range matches {
		if m.targetIdx < 0 || m.targetIdx >= len(target.Data.Keypoints) {
			continue
		}
		if m.frameIdx < 0 || m.frameIdx >= len(frameSet.Keypoints) {
			continue
		}
		tk := target.Data.Keypoints[m.targetIdx]
		fk := frameSet.Keypoints[m.frameIdx]
		if !finite32(tk.X) || !finite32(tk.Y) || !finite32(fk.X) || !finite32(fk.Y) {
			continue
		}
		targetPts = append(targetPts, tk.X, tk.Y)
		framePts = append(framePts, fk.X, fk.Y)
		nPts++
	}

	if nPts < 8 {
		return DetectionOutcome{Success: false, Reason: "fewer than 8 valid correspondences"}
	}

	h, _, ok := findHomographyRANSAC(targetPts, framePts, nPts, d.params.RansacReproj)
	if !ok {
		return DetectionOutcome{Success: false, Reason: ErrDegenerateHomography.Error()}
	}

	refCorners := QuadCorners{
		{X: 0, Y: 0},
		{X: float64(target.Cols), Y: 0},
		{X: float64(target.Cols), Y: float64(target.Rows)},
		{X: 0, Y: float64(target.Rows)},
	}
	corners := applyHomography(h, refCorners)
	if !corners.AllFinite() {
		return DetectionOutcome{Success: false, Reason: "transformed corners not finite"}
	}

	return DetectionOutcome{Success: true, Corners: corners, GoodMatchCount: len(matches)}
}

func (d *FeatureDetector) frameDescriptors(frameGray gocv.Mat, frameID uint64) (DescriptorSet, error) {
	if d.cacheValid && d.cacheFrameID == frameID {
		return d.cacheSet, nil
	}
	ds, err := extractDescriptorSet(frameGray, d.params.MaxFrameFeatures, 50)
	if err != nil {
		d.cacheValid = false
		return DescriptorSet{}, err
	}
	d.cacheSet = ds
	d.cacheFrameID = frameID
	d.cacheValid = true
	return ds, nil
}

// InvalidateCache drops the cached frame descriptors; call at the start of
// every new frame tick before the first DetectAndMatch of that frame.
func (d *FeatureDetector) InvalidateCache() {
	d.cacheValid = false
}

func finite32(v float32) bool {
	f := float64(v)
	return f == f && f < 1e18 && f > -1e18
}

type matchPair struct {
	targetIdx, frameIdx int
	distance            int
}

// knnRatioMatch matches target->frame descriptors with k=2 Hamming KNN and
// Lowe's ratio test (keep when d1 < ratio*d2). Falls back to best-match
// thresholded at min(100, 3*dMin) when fewer than 2 candidates exist for
// a query (KNN "failure" in the spec's terms).
func knnRatioMatch(targetDescs, frameDescs [][]byte, ratio float64) []matchPair {
	if len(frameDescs) == 0 {
		return nil
	}
	var out []matchPair
	for ti, td := range targetDescs {
		best, second := -1, -1
		bestDist, secondDist := math.MaxInt32, math.MaxInt32
		for fi, fd := range frameDescs {
			dist := hammingDistance(td, fd)
			if dist < bestDist {
				second, secondDist = best, bestDist
				best, bestDist = fi, dist
			} else if dist < secondDist {
				second, secondDist = fi, dist
			}
		}
		if best < 0 {
			continue
		}
		if second >= 0 {
			if float64(bestDist) < ratio*float64(secondDist) {
				out = append(out, matchPair{targetIdx: ti, frameIdx: best, distance: bestDist})
			}
			continue
		}
		threshold := 3 * bestDist
		if threshold > 100 {
			threshold = 100
		}
		if bestDist <= threshold {
			out = append(out, matchPair{targetIdx: ti, frameIdx: best, distance: bestDist})
		}
	}
	return out
}

// findHomographyRANSAC wraps gocv.FindHomography. src/dst are interleaved
// [x0,y0,x1,y1,...] float32 coordinates, n points each, converted to the
// CV_32FC2 Mat shape FindHomography expects (the same conversion
// camera_motion.go's matDenseToGocvMat uses for optical-flow point pairs).
// The returned int is the RANSAC inlier count (non-zero entries of the
// mask FindHomography fills in), distinct from n, the correspondence
// count fed in before RANSAC's own pruning.
func findHomographyRANSAC(src, dst []float32, n int, reprojThreshold float64) (Homography, int, bool) {
	if n < 4 || len(src) != n*2 || len(dst) != n*2 {
		return Homography{}, 0, false
	}
	srcMat, err := gocv.NewMatFromBytes(n, 1, gocv.MatTypeCV32FC2, float32SliceToBytes(src))
	if err != nil {
		return Homography{}, 0, false
	}
	defer srcMat.Close()
	dstMat, err := gocv.NewMatFromBytes(n, 1, gocv.MatTypeCV32FC2, float32SliceToBytes(dst))
	if err != nil {
		return Homography{}, 0, false
	}
	defer dstMat.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	hMat := gocv.FindHomography(srcMat, dstMat, gocv.HomographyMethodRANSAC, reprojThreshold, &mask, 2000, 0.995)
	defer hMat.Close()

	if hMat.Empty() || hMat.Rows() != 3 || hMat.Cols() != 3 {
		return Homography{}, 0, false
	}

	inliers := 0
	for i := 0; i < mask.Rows(); i++ {
		if mask.GetUCharAt(i, 0) != 0 {
			inliers++
		}
	}

	var h Homography
	det := 0.0
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r*3+c] = hMat.GetDoubleAt(r, c)
		}
	}
	det = h[0]*(h[4]*h[8]-h[5]*h[7]) - h[1]*(h[3]*h[8]-h[5]*h[6]) + h[2]*(h[3]*h[7]-h[4]*h[6])
	if math.Abs(det) < 1e-12 {
		return Homography{}, 0, false
	}
	return h, inliers, true
}

// applyHomography transforms each point of corners through h (row-major,
// homogeneous) with perspective division.
func applyHomography(h Homography, corners QuadCorners) QuadCorners {
	var out QuadCorners
	for i, p := range corners {
		x := h[0]*p.X + h[1]*p.Y + h[2]
		y := h[3]*p.X + h[4]*p.Y + h[5]
		w := h[6]*p.X + h[7]*p.Y + h[8]
		if w == 0 {
			w = 1e-9
		}
		out[i] = Point{X: x / w, Y: y / w}
	}
	return out
}
