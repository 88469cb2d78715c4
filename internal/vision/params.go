package vision

// Params collects every tunable named in the external-interfaces
// configuration list, with the defaults spec.md gives for each. A zero
// Params is invalid; use DefaultParams() and override from config.
type Params struct {
	MaxDimension   int // MAX_DIMENSION
	MaxTargets     int // MAX_TARGETS
	MaxRefFeatures int // MAX_REF_FEATURES
	MaxFrameFeatures int // MAX_FRAME_FEATURES
	MaxFlowFeatures  int // MAX_FLOW_FEATURES

	DetectionInterval int // DETECTION_INTERVAL
	GoodMatchMin       int     // GOOD_MATCH_MIN
	RansacReproj       float64 // RANSAC_REPROJ

	FBThreshold    float64 // FB_THRESHOLD
	FBThresholdMax float64 // FB_THRESHOLD_MAX

	MinInliers       int // MIN_INLIERS
	MinInliersStrict int // MIN_INLIERS_STRICT
	MaxFlowMag       float64 // MAX_FLOW_MAG; <= 0 resolves to frame-diagonal/4 in Track

	LKWinSize  int     // LK_WIN_SIZE, square search window side
	LKMaxLevel int     // LK_MAX_LEVEL, pyramid levels
	LKMaxIter  int     // LK_MAX_ITER, termination iteration count
	LKEpsilon  float64 // LK_EPSILON, termination accuracy

	MaxScaleChange    float64 // MAX_SCALE_CHANGE
	MaxRotationChange float64 // MAX_ROTATION_CHANGE (degrees)
	MaxAspectChange   float64 // MAX_ASPECT_CHANGE

	MinArea float64 // MIN_AREA

	QualityDegradeFrames   int // QUALITY_DEGRADE_FRAMES
	FeatureRefreshInterval int // FEATURE_REFRESH_INTERVAL

	SpatialGrid int // SPATIAL_GRID

	VocabBranching int // VOCAB_BRANCHING (k)
	VocabLevels    int // VOCAB_LEVELS (L)
	VocabTopT      int // VOCAB_TOP_T

	MinCornerAngleDeg float64 // MIN_CORNER
	MaxCornerAngleDeg float64 // MAX_CORNER
	ParallelTolDeg    float64 // PARALLEL_TOL
	MaxAspectRatio    float64 // rectangle aspect ratio ceiling

	KalmanSmoothing bool // SUPPLEMENTED FEATURES: off-by-default corner smoother
}

// DefaultParams returns the defaults spec.md §4/§6 assigns to every
// recognised configuration key.
func DefaultParams() Params {
	return Params{
		MaxDimension:     640,
		MaxTargets:       20,
		MaxRefFeatures:   500,
		MaxFrameFeatures: 500,
		MaxFlowFeatures:  100,

		DetectionInterval: 10,
		GoodMatchMin:      20,
		RansacReproj:      5.0,

		FBThreshold:    1.0,
		FBThresholdMax: 2.0,

		MinInliers:       16,
		MinInliersStrict: 24,
		MaxFlowMag:       0, // Track() resolves this to frame-diagonal/4 when <= 0

		LKWinSize:  30,
		LKMaxLevel: 5,
		LKMaxIter:  10,
		LKEpsilon:  0.03,

		MaxScaleChange:    1.5,
		MaxRotationChange: 45,
		MaxAspectChange:   0.5,

		MinArea: 100,

		QualityDegradeFrames:   3,
		FeatureRefreshInterval: 30,

		SpatialGrid: 4,

		VocabBranching: 10,
		VocabLevels:    2,
		VocabTopT:      5,

		MinCornerAngleDeg: 45,
		MaxCornerAngleDeg: 135,
		ParallelTolDeg:    25,
		MaxAspectRatio:    5,

		KalmanSmoothing: false,
	}
}

// VocabWords returns W = k^L, the vocabulary word count.
func (p Params) VocabWords() int {
	w := 1
	for i := 0; i < p.VocabLevels; i++ {
		w *= p.VocabBranching
	}
	return w
}
