package visual

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// observationView is one keyframe's view of a landmark being
// triangulated: the camera pose (world-to-camera) at that keyframe
// and the normalized pixel observation.
type observationView struct {
	R          *mat.Dense // world-to-camera rotation
	T          r3.Vector  // world-to-camera translation
	Normalized r2.Point
}

const triangulationMinViews = 3

// triangulateDLT recovers a landmark's world position from ≥3
// keyframe observations via multi-view DLT (spec.md §4.2: "triangulate
// every untriangulated id that has ≥3 keyframe observations using a
// multi-view DLT"). Returns false if the system is singular (the
// finite-condition check) or if the recovered point has non-positive
// depth in any observing frame.
func triangulateDLT(views []observationView) (r3.Vector, bool) {
	if len(views) < triangulationMinViews {
		return r3.Vector{}, false
	}

	a := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		// world-to-camera projection matrix P = [R|t] (normalized, K
		// already divided out), rows p1,p2,p3.
		p1 := []float64{v.R.At(0, 0), v.R.At(0, 1), v.R.At(0, 2), v.T.X}
		p2 := []float64{v.R.At(1, 0), v.R.At(1, 1), v.R.At(1, 2), v.T.Y}
		p3 := []float64{v.R.At(2, 0), v.R.At(2, 1), v.R.At(2, 2), v.T.Z}

		u, vv := v.Normalized.X, v.Normalized.Y
		row1 := make([]float64, 4)
		row2 := make([]float64, 4)
		for c := 0; c < 4; c++ {
			row1[c] = u*p3[c] - p1[c]
			row2[c] = vv*p3[c] - p2[c]
		}
		a.SetRow(2*i, row1)
		a.SetRow(2*i+1, row2)
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	sv := svd.Values(nil)
	// finite-condition check: the second-smallest singular value must
	// not vanish, otherwise the null space is more than one-dimensional
	// and the system is ill-posed (near-degenerate baseline/parallax).
	n := len(sv)
	if n < 4 || sv[n-2] < 1e-9 {
		return r3.Vector{}, false
	}

	var vMat mat.Dense
	svd.VTo(&vMat)
	w := vMat.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	point := r3.Vector{X: vMat.At(0, 3) / w, Y: vMat.At(1, 3) / w, Z: vMat.At(2, 3) / w}

	for _, v := range views {
		depth := matVec3Visual(v.R, point).Add(v.T).Z
		if depth <= 0 {
			return r3.Vector{}, false
		}
	}
	return point, true
}
