// Package sensors defines the external input types and timed-reading
// interfaces consumed by the SLAM back-end's front-ends: images, IMU
// samples, lidar scans, an optional externally-initialized path, and
// relocalization requests (spec.md §6).
package sensors

import (
	"context"
	"math"
	"time"

	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"github.com/golang/geo/r3"
)

// ErrEndOfDataset is returned by a replay-backed sensor once its
// recorded dataset is exhausted.
var ErrEndOfDataset = errors.New("end of dataset")

// IMUSample is a single high-rate inertial measurement (spec.md §3).
type IMUSample struct {
	Stamp            time.Time
	AngularVelocity  r3.Vector // rad/s, body frame
	LinearAccel      r3.Vector // m/s^2, body frame
	HasCovariance    bool
	AngVelCovariance [3]float64
	AccelCovariance  [3]float64
}

// Image is a single monocular camera frame.
type Image struct {
	Stamp    time.Time
	Width    int
	Height   int
	Encoding string
	Pixels   []byte
}

// LidarScan is a single 3D lidar sweep. Intensity, Ring and TimeOffset
// are optional per-point attributes; a nil slice means "not provided."
type LidarScan struct {
	Stamp      time.Time
	Points     pointcloud.PointCloud
	Intensity  []float64
	Ring       []int
	TimeOffset []time.Duration
}

// PathPose is one sample of an externally-produced trajectory, with
// optional velocity and bias hints, used only by the trajectory
// initializer (spec.md §4.4, §6).
type PathPose struct {
	Stamp    time.Time
	Pose     spatialmath.Pose
	Velocity *r3.Vector
	GyroBias *r3.Vector
	AccBias  *r3.Vector
}

// InitializedPath is an ordered externally-produced trajectory that,
// when available, seeds the trajectory initializer instead of running
// pure visual structure-from-motion (spec.md §4.4 step 2).
type InitializedPath struct {
	Poses []PathPose
}

// GeoSeededPath builds an InitializedPath by projecting a sparse set
// of GPS/odometry fixes onto baselink poses at zero altitude, the way
// a movement-sensor-fed odometer would seed a path before any lidar-
// or vision-based localization exists. Fixes must be ordered by time;
// fewer than two fixes yields an empty path.
func GeoSeededPath(fixes []time.Time, points []*geo.Point, headingsRad []float64) InitializedPath {
	n := len(fixes)
	if n != len(points) || n != len(headingsRad) || n < 2 {
		return InitializedPath{}
	}
	poses := make([]PathPose, 0, n)
	origin := points[0]
	const metersPerDegLat = 111320.0
	metersPerDegLng := metersPerDegLat * math.Cos(origin.Lat()*math.Pi/180.0)
	for i, pt := range points {
		// Equirectangular local-tangent approximation around the first
		// fix, adequate for the short baselines a SLAM session covers.
		dLat := pt.Lat() - origin.Lat()
		dLng := pt.Lng() - origin.Lng()
		x := dLng * metersPerDegLng
		y := dLat * metersPerDegLat
		orient := &spatialmath.OrientationVector{Theta: headingsRad[i], OX: 0, OY: 0, OZ: 1}
		poses = append(poses, PathPose{
			Stamp: fixes[i],
			Pose:  spatialmath.NewPose(r3.Vector{X: x, Y: y, Z: 0}, orient),
		})
	}
	return InitializedPath{Poses: poses}
}

// RelocRequest asks the loop-closure engine to relocalize the
// baselink against previously built submaps (spec.md §4.7, §6).
type RelocRequest struct {
	Stamp            time.Time
	PoseWorldLMQuery spatialmath.Pose
	Cloud            pointcloud.PointCloud // optional, may be nil
}

// TimedIMUSensor describes a polled source of IMUSamples.
type TimedIMUSensor interface {
	Name() string
	DataFrequencyHz() int
	TimedIMUSensorReading(ctx context.Context) (IMUSample, error)
}

// TimedImageSensor describes a polled source of camera Images.
type TimedImageSensor interface {
	Name() string
	DataFrequencyHz() int
	TimedImageSensorReading(ctx context.Context) (Image, error)
}

// TimedLidarSensor describes a polled source of LidarScans.
type TimedLidarSensor interface {
	Name() string
	DataFrequencyHz() int
	TimedLidarSensorReading(ctx context.Context) (LidarScan, error)
}
