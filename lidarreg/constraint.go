package lidarreg

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
)

// poseVariable encodes a pose as the 7-value [qw,qx,qy,qz,tx,ty,tz]
// block every pose-kind graph.Variable in this package uses, the same
// convention visual's cam_pose variables use.
func poseVariable(id string, pose spatialmath.Pose) graph.Variable {
	q := toQuat(pose.Orientation())
	p := pose.Point()
	return graph.Variable{
		ID:    id,
		Kind:  "lidar_pose",
		Value: []float64{q.Real, q.Imag, q.Jmag, q.Kmag, p.X, p.Y, p.Z},
	}
}

func decodePoseValue(v []float64) (quat.Number, r3.Vector) {
	return quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]}, r3.Vector{X: v[4], Y: v[5], Z: v[6]}
}

// relativePoseConstraint ties pose variables i and j together with the
// relative transform a Matcher reported (spec.md §4.3's "relative-pose
// constraint"), in a minimal 6-dim residual: 3 translation components
// expressed in frame i, plus 2x the vector part of the quaternion
// error (a first-order small-angle rotation-error approximation).
func relativePoseConstraint(id, varIDi, varIDj string, measured spatialmath.Pose, info *mat.SymDense, source string) graph.Constraint {
	qMeas := toQuat(measured.Orientation())
	tMeas := measured.Point()

	residualFn := func(values [][]float64) []float64 {
		qi, ti := decodePoseValue(values[0])
		qj, tj := decodePoseValue(values[1])

		qRelPred := quat.Mul(quat.Conj(qi), qj)
		tRelPred := rotateVectorLocal(quat.Conj(qi), tj.Sub(ti))

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
		ID:          id,
		VariableIDs: []string{varIDi, varIDj},
		Source:      source,
		Covariance:  info,
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jacI := numericalJacobian(residualFn, values, 0)
			jacJ := numericalJacobian(residualFn, values, 1)
			return r, [][]float64{jacI, jacJ}
		},
	}
}

// priorConstraint pins a single pose variable near its seeded value,
// used to fix_first_scan or to seed an otherwise prior-free window
// (spec.md §4.3.1 step 1).
func priorConstraint(id, varID string, seeded spatialmath.Pose, info *mat.SymDense) graph.Constraint {
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
		ID:          id,
		VariableIDs: []string{varID},
		Source:      "lidar_prior",
		Covariance:  info,
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jac := numericalJacobian(residualFn, values, 0)
			return r, [][]float64{jac}
		},
	}
}

// rotateVectorLocal rotates v by unit quaternion q, mirroring
// imupreint's rotateVector (duplicated locally per this codebase's
// established per-package convention for small math helpers).
func rotateVectorLocal(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// numericalJacobian computes d(f)/d(values[varIdx]) by central
// differences, flattened row-major; the same pattern as
// imupreint.numericalJacobian and visual.numericalJacobianMultiVar.
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
