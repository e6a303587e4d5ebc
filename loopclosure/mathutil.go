package loopclosure

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

func toQuat(o spatialmath.Orientation) quat.Number {
	q := o.Quaternion()
	return quat.Number{Real: q.Real, Imag: q.Imag, Jmag: q.Jmag, Kmag: q.Kmag}
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// relativeEstimate computes T_match_query: query's pose expressed in
// match's frame, the estimate a CandidateSearcher hands to a Refiner
// as its starting point (spec.md §4.6 step 1).
func relativeEstimate(match, query spatialmath.Pose) spatialmath.Pose {
	qm := toQuat(match.Orientation())
	qq := toQuat(query.Orientation())
	qRel := quat.Mul(quat.Conj(qm), qq)
	tRel := rotateVector(quat.Conj(qm), query.Point().Sub(match.Point()))
	return spatialmath.NewPoseFromOrientation(tRel, &spatialmath.Quaternion{Real: qRel.Real, Imag: qRel.Imag, Jmag: qRel.Jmag, Kmag: qRel.Kmag})
}

func decodePoseValue(v []float64) (quat.Number, r3.Vector) {
	return quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]}, r3.Vector{X: v[4], Y: v[5], Z: v[6]}
}

func buildInformation(diag [6]float64) *mat.SymDense {
	cov := mat.NewSymDense(6, nil)
	for i, v := range diag {
		if v <= 0 {
			v = 1
		}
		cov.SetSym(i, i, v)
	}
	return cov
}

// numericalJacobian computes d(f)/d(values[varIdx]) by central
// differences, flattened row-major — the same per-package-duplicated
// helper used throughout this codebase.
func numericalJacobian(f func([][]float64) []float64, values [][]float64, varIdx int) []float64 {
	const eps = 1e-6
	base := f(values)
	n := len(values[varIdx])
	jac := make([]float64, len(base)*n)
	perturbed := make([][]float64, len(values))
	for i := range values {
		perturbed[i] = append([]float64(nil), values[i]...)
	}
	for c := 0; c < n; c++ {
		orig := perturbed[varIdx][c]
		perturbed[varIdx][c] = orig + eps
		plus := f(perturbed)
		perturbed[varIdx][c] = orig - eps
		minus := f(perturbed)
		perturbed[varIdx][c] = orig
		for r := range base {
			jac[r*n+c] = (plus[r] - minus[r]) / (2 * eps)
		}
	}
	return jac
}
