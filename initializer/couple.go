package initializer

import (
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
)

// couplingConstraint softly ties imupreint's 16-dim keyframe state
// (q,p,v,b_g,b_a) to visual's 7-dim cam_pose variable for the same
// keyframe, so the local graph's reprojection factors (which reference
// the cam_pose variable) and inertial factors (which reference the
// imu_state variable) jointly constrain one physical keyframe pose
// without requiring either package to adopt the other's variable
// schema — each subsystem keeps owning its native representation, and
// this constraint is the seam between them (spec.md §4.4's "local
// factor graph with the recovered variables, the preintegrated
// inertial factors, and reprojection factors").
func couplingConstraint(imuVarID, poseVarID string, sigma float64) graph.Constraint {
	residualFn := func(values [][]float64) []float64 {
		imu := values[0]
		pose := values[1]
		qImu := quat.Number{Real: imu[0], Imag: imu[1], Jmag: imu[2], Kmag: imu[3]}
		qPose := quat.Number{Real: pose[0], Imag: pose[1], Jmag: pose[2], Kmag: pose[3]}
		qErr := quat.Mul(quat.Conj(qImu), qPose)
		if qErr.Real < 0 {
			qErr = quat.Scale(-1, qErr)
		}
		return []float64{
			pose[4] - imu[4], pose[5] - imu[5], pose[6] - imu[6],
			2 * qErr.Imag, 2 * qErr.Jmag, 2 * qErr.Kmag,
		}
	}

	info := diagCovariance(sigma)
	return graph.Constraint{
		ID:          "couple_" + imuVarID + "_" + poseVarID,
		VariableIDs: []string{imuVarID, poseVarID},
		Source:      "imu_visual_coupling",
		Covariance:  info,
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jacImu := numericalJacobian(residualFn, values, 0)
			jacPose := numericalJacobian(residualFn, values, 1)
			return r, [][]float64{jacImu, jacPose}
		},
	}
}
