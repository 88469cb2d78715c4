package vision

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// CornerSmoother is the optional post-filter spec.md §9 leaves as a design
// note rather than a required behavior: a per-corner constant-velocity
// Kalman filter that smooths the four corner points a tracking result
// reports, independent of and downstream from every accuracy-affecting
// check in flow.go or detector.go. It is off by default
// (Params.KalmanSmoothing) and never influences acceptance/rejection.
type CornerSmoother struct {
	mu      sync.Mutex
	filters map[string]*cornerFilter
}

func NewCornerSmoother() *CornerSmoother {
	return &CornerSmoother{filters: make(map[string]*cornerFilter)}
}

// Smooth filters each of the four corners independently, keyed by target
// id and corner index so unrelated targets (or a target re-acquired after
// a gap) never share filter state.
func (c *CornerSmoother) Smooth(targetID string, corners QuadCorners) QuadCorners {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out QuadCorners
	for i, p := range corners {
		key := fmt.Sprintf("%s:%d", targetID, i)
		f, ok := c.filters[key]
		if !ok {
			f = newCornerFilter(p)
			c.filters[key] = f
		}
		out[i] = f.step(p)
	}
	return out
}

// Reset drops all filter state for a target. The orchestrator calls it on
// every detection lock, periodic revalidation included, so a fresh lock is
// not smoothed against the previous track.
func (c *CornerSmoother) Reset(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 4; i++ {
		delete(c.filters, fmt.Sprintf("%s:%d", targetID, i))
	}
}

// cornerFilter is a constant-velocity Kalman filter over state
// [x, y, vx, vy] with a fixed one-frame time step, measuring position
// only.
type cornerFilter struct {
	x *mat.Dense // 4x1
	p *mat.Dense // 4x4
}

func newCornerFilter(initial Point) *cornerFilter {
	x := mat.NewDense(4, 1, []float64{initial.X, initial.Y, 0, 0})
	p := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		p.Set(i, i, 10)
	}
	return &cornerFilter{x: x, p: p}
}

var (
	kalmanF = mat.NewDense(4, 4, []float64{
		1, 0, 1, 0,
		0, 1, 0, 1,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	kalmanH = mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	kalmanQ = mat.NewDense(4, 4, []float64{
		0.01, 0, 0, 0,
		0, 0.01, 0, 0,
		0, 0, 0.01, 0,
		0, 0, 0, 0.01,
	})
	kalmanR = mat.NewDense(2, 2, []float64{
		4, 0,
		0, 4,
	})
)

func (f *cornerFilter) step(measured Point) Point {
	// Predict.
	var xPred mat.Dense
	xPred.Mul(kalmanF, f.x)

	var pPred, ft, fpft mat.Dense
	ft.CloneFrom(kalmanF.T())
	fpft.Mul(kalmanF, f.p)
	pPred.Mul(&fpft, &ft)
	pPred.Add(&pPred, kalmanQ)

	// Update.
	z := mat.NewDense(2, 1, []float64{measured.X, measured.Y})
	var y mat.Dense
	var hx mat.Dense
	hx.Mul(kalmanH, &xPred)
	y.Sub(z, &hx)

	var ht, s, ph mat.Dense
	ht.CloneFrom(kalmanH.T())
	ph.Mul(&pPred, &ht)
	s.Mul(kalmanH, &ph)
	s.Add(&s, kalmanR)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		f.x = &xPred
		f.p = &pPred
		return measured
	}

	var k mat.Dense
	k.Mul(&ph, &sInv)

	var ky mat.Dense
	ky.Mul(&k, &y)

	var xNew mat.Dense
	xNew.Add(&xPred, &ky)

	var kh, ikh, pNew mat.Dense
	kh.Mul(&k, kalmanH)
	id := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		id.Set(i, i, 1)
	}
	ikh.Sub(id, &kh)
	pNew.Mul(&ikh, &pPred)

	f.x = &xNew
	f.p = &pNew
	return Point{X: f.x.At(0, 0), Y: f.x.At(1, 0)}
}
