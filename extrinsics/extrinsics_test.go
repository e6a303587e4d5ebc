package extrinsics

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
)

func TestGetBaselinkIsIdentity(t *testing.T) {
	r := New(nil, nil)
	pose, err := r.Get(BaselinkFrame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Point(), test.ShouldResemble, r3.Vector{})
}

func TestGetStaticTransform(t *testing.T) {
	lidarPose := spatialmath.NewPoseFromPoint(r3.Vector{X: 100, Y: 0, Z: 50})
	r := New(map[string]spatialmath.Pose{"lidar": lidarPose}, nil)

	pose, err := r.Get("lidar")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Point(), test.ShouldResemble, lidarPose.Point())
}

func TestGetMissingStaticTransform(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Get("camera")
	test.That(t, errors.Is(err, ErrMissing), test.ShouldBeTrue)
}

func TestGetCopiesNotAliases(t *testing.T) {
	lidarPose := spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3})
	r := New(map[string]spatialmath.Pose{"lidar": lidarPose}, nil)

	first, err := r.Get("lidar")
	test.That(t, err, test.ShouldBeNil)

	r.Set("lidar", spatialmath.NewPoseFromPoint(r3.Vector{X: 9, Y: 9, Z: 9}))

	// the pose retrieved before the Set call must be unaffected.
	test.That(t, first.Point(), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
}

type fakeSource struct {
	transforms map[string]spatialmath.Pose
	err        error
}

func (f *fakeSource) GetTransform(frame string) (spatialmath.Pose, error) {
	if f.err != nil {
		return nil, f.err
	}
	pose, ok := f.transforms[frame]
	if !ok {
		return nil, errors.New("no such frame")
	}
	return pose, nil
}

func TestDynamicModeConsultsSource(t *testing.T) {
	src := &fakeSource{transforms: map[string]spatialmath.Pose{
		"camera": spatialmath.NewPoseFromPoint(r3.Vector{X: 5, Y: 0, Z: 0}),
	}}
	r := New(nil, src)

	pose, err := r.Get("camera")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Point(), test.ShouldResemble, r3.Vector{X: 5, Y: 0, Z: 0})
}

func TestDynamicModeWrapsSourceFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("broadcaster unreachable")}
	r := New(nil, src)

	_, err := r.Get("camera")
	test.That(t, errors.Is(err, ErrMissing), test.ShouldBeTrue)
}

func TestFrames(t *testing.T) {
	r := New(map[string]spatialmath.Pose{
		"lidar":  spatialmath.NewZeroPose(),
		"camera": spatialmath.NewZeroPose(),
	}, nil)
	frames := r.Frames()
	test.That(t, len(frames), test.ShouldEqual, 2)
}
