package submap

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
)

func anchorVariable(id string, pose spatialmath.Pose) graph.Variable {
	q := toQuat(pose.Orientation())
	p := pose.Point()
	return graph.Variable{
		ID:    id,
		Kind:  "submap_anchor",
		Value: []float64{q.Real, q.Imag, q.Jmag, q.Kmag, p.X, p.Y, p.Z},
	}
}

func toQuat(o spatialmath.Orientation) quat.Number {
	q := o.Quaternion()
	return quat.Number{Real: q.Real, Imag: q.Imag, Jmag: q.Jmag, Kmag: q.Kmag}
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

// relativeAnchorConstraint ties submap anchor i and j (spec.md §4.5's
// "relative-pose constraint linking it to the previous submap's
// anchor"), reusing the same quaternion-retraction residual style
// established in imupreint/visual/lidarreg.
func relativeAnchorConstraint(varIDi, varIDj string, measured spatialmath.Pose, info *mat.SymDense) graph.Constraint {
	qMeas := toQuat(measured.Orientation())
	tMeas := measured.Point()

	residualFn := func(values [][]float64) []float64 {
		qi, ti := decodePoseValue(values[0])
		qj, tj := decodePoseValue(values[1])

		qRelPred := quat.Mul(quat.Conj(qi), qj)
		tRelPred := rotateVector(quat.Conj(qi), tj.Sub(ti))

		transErr := tRelPred.Sub(tMeas)
		qErr := quat.Mul(quat.Conj(qMeas), qRelPred)
		if qErr.Real < 0 {
			qErr = quat.Scale(-1, qErr)
		}
		return []float64{
			transErr.X, transErr.Y, transErr.Z,
			2 * qErr.Imag, 2 * qErr.Jmag, 2 * qErr.Kmag,
		}
	}

	return graph.Constraint{
		ID:          "submap_rel_" + varIDi + "_" + varIDj,
		VariableIDs: []string{varIDi, varIDj},
		Source:      "submap_anchor_relative",
		Covariance:  info,
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jacI := numericalJacobian(residualFn, values, 0)
			jacJ := numericalJacobian(residualFn, values, 1)
			return r, [][]float64{jacI, jacJ}
		},
	}
}

// anchorPriorConstraint pins the first submap anchor (spec.md §4.5:
// "a prior on it if it is the first ever").
func anchorPriorConstraint(varID string, seeded spatialmath.Pose, info *mat.SymDense) graph.Constraint {
	qSeed := toQuat(seeded.Orientation())
	tSeed := seeded.Point()

	residualFn := func(values [][]float64) []float64 {
		q, t := decodePoseValue(values[0])
		qErr := quat.Mul(quat.Conj(qSeed), q)
		if qErr.Real < 0 {
			qErr = quat.Scale(-1, qErr)
		}
		d := t.Sub(tSeed)
		return []float64{d.X, d.Y, d.Z, 2 * qErr.Imag, 2 * qErr.Jmag, 2 * qErr.Kmag}
	}

	return graph.Constraint{
		ID:          "submap_prior_" + varID,
		VariableIDs: []string{varID},
		Source:      "submap_anchor_prior",
		Covariance:  info,
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jac := numericalJacobian(residualFn, values, 0)
			return r, [][]float64{jac}
		},
	}
}

// relativePose computes the pose of b expressed in a's frame,
// mirroring the composition relativeAnchorConstraint's residual
// predicts internally, so the measured relative pose fed into that
// constraint is computed the same way it will be checked.
func relativePose(a, b spatialmath.Pose) spatialmath.Pose {
	qa := toQuat(a.Orientation())
	qb := toQuat(b.Orientation())
	qRel := quat.Mul(quat.Conj(qa), qb)
	tRel := rotateVector(quat.Conj(qa), b.Point().Sub(a.Point()))
	return spatialmath.NewPoseFromOrientation(tRel, &spatialmath.Quaternion{Real: qRel.Real, Imag: qRel.Imag, Jmag: qRel.Jmag, Kmag: qRel.Kmag})
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// numericalJacobian computes d(f)/d(values[varIdx]) by central
// differences, flattened row-major — the same per-package-duplicated
// helper used in imupreint, visual, lidarreg and initializer.
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
