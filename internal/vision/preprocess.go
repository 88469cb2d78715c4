package vision

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// DecodeImage turns an encoded image (JPEG/PNG bytes, as handed off by the
// external image-I/O collaborator) into a BGR Mat. Decoding itself is the
// one image-file-I/O boundary the core still owns, per spec.md §1 ("all
// image-file I/O" is out of scope for everything *except* turning the
// already-fetched bytes the frame-ingestion endpoint received into a Mat).
func DecodeImage(data []byte, pool *ResourcePool) (*Handle, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, ErrInvalidImage
	}
	return pool.Adopt(mat), nil
}

// ToGrayscale produces a single-channel grayscale view of src.
func ToGrayscale(src gocv.Mat, pool *ResourcePool) *Handle {
	h := pool.Acquire()
	gocv.CvtColor(src, &h.Mat, gocv.ColorBGRToGray)
	return h
}

// BlurAndEqualize applies the 3x3 Gaussian blur and histogram equalization
// spec.md §4.1 prescribes before keypoint extraction.
func BlurAndEqualize(gray gocv.Mat, pool *ResourcePool) *Handle {
	blurred := pool.Acquire()
	gocv.GaussianBlur(gray, &blurred.Mat, image.Pt(3, 3), 0, 0, gocv.BorderDefault)

	equalized := pool.Acquire()
	gocv.EqualizeHist(blurred.Mat, &equalized.Mat)
	blurred.Close()
	return equalized
}

// Downscale scales src down (area-interpolated) so max(cols, rows) <=
// maxDim, preserving aspect ratio. If src already fits, it returns a
// tracked clone rather than resizing — the invariant in spec.md §3 is
// "<=", not "==", and MAX_DIMENSION x MAX_DIMENSION input must pass
// through unchanged.
func Downscale(src gocv.Mat, maxDim int, pool *ResourcePool) *Handle {
	rows, cols := src.Rows(), src.Cols()
	largest := rows
	if cols > largest {
		largest = cols
	}

	out := pool.Acquire()
	if largest <= maxDim || largest == 0 {
		src.CopyTo(&out.Mat)
		return out
	}

	scale := float64(maxDim) / float64(largest)
	newW := int(float64(cols)*scale + 0.5)
	newH := int(float64(rows)*scale + 0.5)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	gocv.Resize(src, &out.Mat, image.Pt(newW, newH), 0, 0, gocv.InterpolationArea)
	return out
}

// PolygonMask builds a single-channel mask of the given quadrilateral over
// a rows x cols frame, for restricting GoodFeaturesToTrack to the region a
// known target occupies (spec.md §4.5 step 2).
func PolygonMask(corners QuadCorners, rows, cols int, pool *ResourcePool) *Handle {
	h := pool.Adopt(gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U))

	pts := make([]image.Point, 0, 4)
	for _, c := range corners {
		pts = append(pts, image.Pt(int(c.X+0.5), int(c.Y+0.5)))
	}
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.FillPoly(&h.Mat, pv, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	return h
}

// float32SliceToBytes packs an interleaved [x0,y0,x1,y1,...] float32 slice
// into little-endian bytes for gocv.NewMatFromBytes(..., CV_32FC2, ...),
// the conversion camera-motion point-pair handling in this codebase's
// grounding material uses for FindHomography/CalcOpticalFlowPyrLK inputs.
func float32SliceToBytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		bits := math.Float32bits(v)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
