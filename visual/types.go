package visual

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// ErrDuplicateStamp is returned by AddImage when stamp already has an
// entry (spec.md §4.2's DUPLICATE_STAMP).
var ErrDuplicateStamp = errors.New("visual: duplicate image stamp")

// ErrUnderconstrained is returned by Localize when fewer than three
// 2D-3D correspondences are available (spec.md §4.2's UNDERCONSTRAINED).
var ErrUnderconstrained = errors.New("visual: fewer than 3 correspondences for PnP")

// Intrinsics are the pinhole camera intrinsics used to project
// world/camera-frame points into pixel space and to normalize pixel
// observations for the DLT solves.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
}

// Project maps a point in the camera frame to pixel coordinates.
func (k Intrinsics) Project(pCam r3.Vector) r2.Point {
	return r2.Point{X: k.Fx*pCam.X/pCam.Z + k.Cx, Y: k.Fy*pCam.Y/pCam.Z + k.Cy}
}

// Normalize maps a pixel observation to a normalized-plane point
// (K^-1 · [u, v, 1]).
func (k Intrinsics) Normalize(px r2.Point) r2.Point {
	return r2.Point{X: (px.X - k.Cx) / k.Fx, Y: (px.Y - k.Cy) / k.Fy}
}

// landmark is the internal bookkeeping record for spec.md §3's
// Landmark entity: lazily created on first observation, triangulated
// once it has ≥3 keyframe observations with sufficient parallax.
type landmark struct {
	id           string
	triangulated bool
	worldPos     r3.Vector
	// observations maps observing keyframe stamp to the pixel measurement.
	observations map[time.Time]r2.Point
}

func newLandmark(id string) *landmark {
	return &landmark{id: id, observations: make(map[time.Time]r2.Point)}
}

// keyframeRecord is one committed Keyframe (spec.md §3): a stamp with
// a stable pose variable in the graph and its current pose, used for
// multi-view triangulation. The landmark observations at a keyframe
// are stored on each landmark, not here.
type keyframeRecord struct {
	stamp      time.Time
	variableID string
	pose       r3PoseQuat
}

// r3PoseQuat is a minimal translation+quaternion pose representation,
// avoiding a dependency on the full spatialmath.Pose interface inside
// the package-private bookkeeping (the public API still speaks
// spatialmath.Pose at its boundary, in tracker.go).
type r3PoseQuat struct {
	Pos  r3.Vector
	Quat [4]float64 // w, x, y, z
}

// toQuatVisual extracts an Orientation's quaternion as [w,x,y,z].
func toQuatVisual(o spatialmath.Orientation) [4]float64 {
	q := o.Quaternion()
	return [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}
}
