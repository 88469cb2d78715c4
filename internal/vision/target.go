package vision

import (
	"fmt"
	"sort"

	"gocv.io/x/gocv"
)

// ReferenceTarget is one prepared reference image: its identity, original
// dimensions (used for corner templating), descriptor set, and a thumbnail
// for the UI collaborator. Once Processed is true neither Keypoints nor
// Descriptors is mutated again.
type ReferenceTarget struct {
	ID        string
	Name      string
	Cols      int
	Rows      int
	Thumbnail []byte
	Data      DescriptorSet
	Processed bool
}

// PrepareOpts tunes extraction away from the defaults (e.g. raising the
// FAST threshold for high-texture photographs, as spec.md §4.1 allows).
type PrepareOpts struct {
	MaxFeatures  int
	FastThreshold int // 0 uses the default (50)
}

func DefaultPrepareOpts(maxFeatures int) PrepareOpts {
	return PrepareOpts{MaxFeatures: maxFeatures, FastThreshold: 50}
}

// Prepare runs the full extraction pipeline on an already-decoded BGR
// image and fills in t's descriptor set. On any failure the target is left
// unmodified (Processed stays false) and the caller must not store it.
func (t *ReferenceTarget) Prepare(image gocv.Mat, opts PrepareOpts, pool *ResourcePool) error {
	if opts.MaxFeatures <= 0 {
		opts.MaxFeatures = 500
	}
	if opts.FastThreshold <= 0 {
		opts.FastThreshold = 50
	}

	gray := ToGrayscale(image, pool)
	defer gray.Close()
	prepped := BlurAndEqualize(gray.Mat, pool)
	defer prepped.Close()

	ds, err := extractDescriptorSet(prepped.Mat, opts.MaxFeatures, opts.FastThreshold)
	if err != nil {
		return err
	}
	if ds.Len() < 10 {
		return fmt.Errorf("%w: got %d keypoints, need >= 10", ErrInsufficientFeatures, ds.Len())
	}

	t.Cols = image.Cols()
	t.Rows = image.Rows()
	t.Data = ds
	t.Processed = true
	return nil
}

// extractDescriptorSet runs ORB over a prepared grayscale image, retains
// the maxFeatures strongest keypoints by response, and returns their
// descriptors index-linked to the retained keypoints. ORB's own internal
// ranking already truncates to nFeatures by response before returning, so
// requesting a generous candidate pool and re-sorting here is equivalent to
// recomputing descriptors on the thinned set: each descriptor depends only
// on its own local patch, never on the other retained keypoints.
func extractDescriptorSet(gray gocv.Mat, maxFeatures, fastThreshold int) (DescriptorSet, error) {
	candidatePool := maxFeatures * 4
	orb := gocv.NewORBWithParams(candidatePool, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, fastThreshold)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := orb.DetectAndCompute(gray, mask)
	defer desc.Close()

	if len(kps) == 0 || desc.Empty() {
		return DescriptorSet{}, fmt.Errorf("%w: no keypoints extracted", ErrInsufficientFeatures)
	}

	order := make([]int, len(kps))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return kps[order[a]].Response > kps[order[b]].Response
	})
	if len(order) > maxFeatures {
		order = order[:maxFeatures]
	}

	width := desc.Cols()
	out := DescriptorSet{
		Keypoints:   make([]Keypoint, len(order)),
		Descriptors: make([][]byte, len(order)),
		Width:       width,
	}
	for i, idx := range order {
		kp := kps[idx]
		out.Keypoints[i] = Keypoint{
			X:        float32(kp.X),
			Y:        float32(kp.Y),
			Response: float32(kp.Response),
			Size:     float32(kp.Size),
			Angle:    float32(kp.Angle),
			Octave:   kp.Octave,
		}
		row := desc.RowRange(idx, idx+1)
		out.Descriptors[i] = append([]byte(nil), row.ToBytes()...)
		row.Close()
	}
	return out, nil
}
