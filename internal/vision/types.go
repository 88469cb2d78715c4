// Package vision implements the planar-image tracking pipeline: reference
// target preparation, vocabulary-tree candidate filtering, feature-match
// detection, optical-flow tracking, and the per-frame orchestrator that
// ties them together.
package vision

import (
	"errors"
	"time"
)

// Error kinds per the tracking error-handling design. These surface from
// catalog mutation and vocabulary build; kernel-internal failures (detection,
// flow) are carried in typed result structs instead, never as Go errors.
var (
	ErrCatalogFull          = errors.New("vision: catalog is at capacity")
	ErrInsufficientFeatures = errors.New("vision: fewer than the minimum number of features")
	ErrInvalidImage         = errors.New("vision: image could not be decoded")
	ErrDescriptorMismatch   = errors.New("vision: descriptor widths disagree")
	ErrDegenerateHomography = errors.New("vision: homography is empty or singular")
	ErrGeometricRejection   = errors.New("vision: candidate quadrilateral failed geometric validation")
	ErrResourceExhausted    = errors.New("vision: resource pool exhausted")
	ErrTargetNotFound       = errors.New("vision: target id not present in catalog")
)

// Mode identifies which kernel produced a TrackingResult.
type Mode string

const (
	ModeDetection Mode = "detection"
	ModeFlow      Mode = "flow"
	ModeNone      Mode = "none"
)

// Keypoint is a single detected feature location, salience, and optional
// scale/orientation, as produced by the feature extractor.
type Keypoint struct {
	X, Y        float32
	Response    float32
	Size        float32
	Angle       float32
	Octave      int
}

// DescriptorSet is an ordered sequence of keypoints and a parallel,
// index-linked sequence of binary descriptors (one row per keypoint).
// len(Descriptors) must equal len(Keypoints); descriptors of the same extractor are
// directly comparable by Hamming distance.
type DescriptorSet struct {
	Keypoints   []Keypoint
	Descriptors [][]byte // one packed-bit row per keypoint, same width throughout
	Width       int      // descriptor width in bytes
}

func (d *DescriptorSet) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Keypoints)
}

func (d *DescriptorSet) Empty() bool {
	return d.Len() == 0
}

// Homography is a 3x3 projective matrix, stored row-major (Go-native;
// callers marshaling to the spec's column-major persisted format transpose
// at the boundary).
type Homography [9]float64

// QuadCorners holds exactly four points in fixed cyclic order: top-left,
// top-right, bottom-right, bottom-left.
type QuadCorners [4]Point

// Point is a 2-D coordinate in the processing-frame coordinate system.
type Point struct {
	X, Y float64
}

func (q QuadCorners) AllFinite() bool {
	for _, p := range q {
		if isNaNOrInf(p.X) || isNaNOrInf(p.Y) {
			return false
		}
	}
	return true
}

// Centroid returns the mean of the four corners.
func (q QuadCorners) Centroid() Point {
	var sx, sy float64
	for _, p := range q {
		sx += p.X
		sy += p.Y
	}
	return Point{X: sx / 4, Y: sy / 4}
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e18 || v < -1e18
}

// QualityMetrics is the composite score attached to an accepted tracking
// result (the composite is computed in OpticalFlowTracker.Track, the
// geometric score in geometry.go's validateGeometry).
type QualityMetrics struct {
	Composite   float64
	InlierRatio float64
	FBError     float64
	Geometric   float64
}

// TrackingResult is emitted once per processed frame.
type TrackingResult struct {
	Success        bool
	TargetID       string
	Corners        QuadCorners
	Mode           Mode
	Quality        QualityMetrics
	ShouldRedetect bool
	Timestamp      time.Time
}

// DetectionOutcome is the typed result of FeatureDetector.DetectAndMatch —
// never a Go error, per the spec's error-handling design: the orchestrator
// only ever observes a typed failure reason, not a raised error.
type DetectionOutcome struct {
	Success        bool
	Corners        QuadCorners
	GoodMatchCount int
	Reason         string
}

// FlowOutcome is the typed result of OpticalFlowTracker.Track.
type FlowOutcome struct {
	Success        bool
	Corners        QuadCorners
	Quality        QualityMetrics
	ShouldRedetect bool
	Reason         string
}
