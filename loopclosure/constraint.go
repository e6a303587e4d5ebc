package loopclosure

import (
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
)

// relativeConstraint ties a loop-closure match submap anchor to a
// query submap anchor (spec.md §4.6 step 4: "add the constraint to the
// pose graph"), reusing the same quaternion-retraction residual style
// as submap.relativeAnchorConstraint.
func relativeConstraint(varIDMatch, varIDQuery string, measured spatialmath.Pose, info *mat.SymDense) graph.Constraint {
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
		ID:          "loop_" + varIDMatch + "_" + varIDQuery,
		VariableIDs: []string{varIDMatch, varIDQuery},
		Source:      "loop_closure",
		Covariance:  info,
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jacI := numericalJacobian(residualFn, values, 0)
			jacJ := numericalJacobian(residualFn, values, 1)
			return r, [][]float64{jacI, jacJ}
		},
	}
}
