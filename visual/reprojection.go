package visual

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/slam-fusion/graph"
)

// reprojectionConstraint builds the factor linking a keyframe pose
// variable (world_T_cam, quat+translation) to a landmark position
// variable, with a 2-dim pixel-space residual (spec.md §4.2's
// "reprojection constraints"). Jacobians are obtained by central
// difference, matching imupreint's treatment of its graph-level
// constraint residuals.
func reprojectionConstraint(poseVarID, landmarkID string, pixel r2.Point, k Intrinsics) graph.Constraint {
	residualFn := func(values [][]float64) []float64 {
		pose := values[0]
		world := values[1]

		rWorldCam := rotationFromQuat(pose[0], pose[1], pose[2], pose[3])
		tWorldCam := r3.Vector{X: pose[4], Y: pose[5], Z: pose[6]}
		rCamWorld := transposeDense(rWorldCam)

		worldPt := r3.Vector{X: world[0], Y: world[1], Z: world[2]}
		cam := matVec3Visual(rCamWorld, worldPt.Sub(tWorldCam))
		if cam.Z <= 1e-6 {
			return []float64{1e6, 1e6}
		}
		proj := k.Project(cam)
		return []float64{proj.X - pixel.X, proj.Y - pixel.Y}
	}

	return graph.Constraint{
		ID:          "reproj_" + poseVarID + "_" + landmarkID,
		VariableIDs: []string{poseVarID, landmarkVariableID(landmarkID)},
		Source:      "visual_reprojection",
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jacPose := numericalJacobianMultiVar(residualFn, values, 0)
			jacWorld := numericalJacobianMultiVar(residualFn, values, 1)
			return r, [][]float64{jacPose, jacWorld}
		},
	}
}
