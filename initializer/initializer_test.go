package initializer

import (
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/slam-fusion/imupreint"
	"github.com/viamrobotics/slam-fusion/sensors"
	"github.com/viamrobotics/slam-fusion/visual"
)

func testConfig() Config {
	return Config{
		CandidateGapSeconds:   0,
		InitializationWindowS: 5,
		MaxOptimizationS:      5,
		MinTrajectoryLengthM:  0.1,
		Gravity:               r3.Vector{X: 0, Y: 0, Z: -9.81},
	}
}

func testVisualMap(t *testing.T, byStamp map[int64][]visual.TrackedFeature) *visual.Map {
	intrinsics := visual.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}
	cfg := visual.Config{MinKFTimeSeconds: 0, ParallaxThreshold: 0, TracksDropThreshold: 3, WindowSize: 10}
	return visual.New(intrinsics, visual.NewFakeTracker(byStamp), cfg, logging.NewTestLogger(t))
}

func testPreintegrator() *imupreint.Preintegrator {
	noise := imupreint.NoiseModel{
		GyroNoiseDensity:    1e-3,
		AccelNoiseDensity:   1e-2,
		GyroBiasRandomWalk:  1e-5,
		AccelBiasRandomWalk: 1e-4,
	}
	return imupreint.New(r3.Vector{X: 0, Y: 0, Z: -9.81}, noise, 1e-3)
}

// straightLinePath builds a totalMeters-long ground-truth trajectory
// along X, sampled at stamps, with identity orientation throughout
// (spec.md §8 scenario 6 uses a 2m path).
func straightLinePath(stamps []time.Time, totalMeters float64) sensors.InitializedPath {
	poses := make([]sensors.PathPose, len(stamps))
	for i, s := range stamps {
		x := totalMeters * float64(i) / float64(len(stamps)-1)
		poses[i] = sensors.PathPose{
			Stamp: s,
			Pose:  spatialmath.NewPoseFromPoint(r3.Vector{X: x, Y: 0, Z: 0}),
		}
	}
	return sensors.InitializedPath{Poses: poses}
}

func TestTryInitializePathSeededSucceeds(t *testing.T) {
	stamps := []time.Time{
		time.Unix(0, 0),
		time.Unix(1, 0),
		time.Unix(2, 0),
		time.Unix(3, 0),
	}

	byStamp := map[int64][]visual.TrackedFeature{}
	for i, s := range stamps {
		byStamp[s.UnixNano()] = []visual.TrackedFeature{
			{ID: "a", Pixel: r2.Point{X: 320 + float64(i)*5, Y: 240}},
			{ID: "b", Pixel: r2.Point{X: 340 - float64(i)*5, Y: 260}},
			{ID: "c", Pixel: r2.Point{X: 300, Y: 220 + float64(i)*5}},
		}
	}
	vmap := testVisualMap(t, byStamp)
	preint := testPreintegrator()

	ini := New(testConfig(), preint, vmap, logging.NewTestLogger(t))
	for _, s := range stamps {
		test.That(t, ini.AddImageCandidate(s, sensors.Image{Stamp: s}), test.ShouldBeNil)
	}

	path := straightLinePath(stamps, 2.0)
	out, err := ini.TryInitialize(&path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Success, test.ShouldBeTrue)
	test.That(t, out.Gravity.Z, test.ShouldEqual, -9.81)
	test.That(t, len(out.Keyframes) > 0, test.ShouldBeTrue)
}

func TestTryInitializeTooFewCandidatesFails(t *testing.T) {
	vmap := testVisualMap(t, nil)
	preint := testPreintegrator()
	ini := New(testConfig(), preint, vmap, logging.NewTestLogger(t))

	stamp := time.Unix(0, 0)
	test.That(t, ini.AddImageCandidate(stamp, sensors.Image{Stamp: stamp}), test.ShouldBeNil)

	_, err := ini.TryInitialize(nil)
	test.That(t, err, test.ShouldEqual, ErrNotEnoughCandidates)
}

func TestTryInitializeUnderconstrainedWhenStationary(t *testing.T) {
	stamps := []time.Time{time.Unix(0, 0), time.Unix(1, 0)}
	byStamp := map[int64][]visual.TrackedFeature{}
	for _, s := range stamps {
		byStamp[s.UnixNano()] = []visual.TrackedFeature{{ID: "a", Pixel: r2.Point{X: 320, Y: 240}}}
	}
	vmap := testVisualMap(t, byStamp)
	preint := testPreintegrator()

	cfg := testConfig()
	cfg.MinTrajectoryLengthM = 10
	ini := New(cfg, preint, vmap, logging.NewTestLogger(t))
	for _, s := range stamps {
		test.That(t, ini.AddImageCandidate(s, sensors.Image{Stamp: s}), test.ShouldBeNil)
	}

	path := straightLinePath(stamps, 0.01)
	_, err := ini.TryInitialize(&path)
	test.That(t, err, test.ShouldEqual, ErrUnderconstrained)
}

func TestTryInitializeIMUSeededWithoutPath(t *testing.T) {
	stamps := []time.Time{time.Unix(0, 0), time.Unix(1, 0), time.Unix(2, 0)}
	byStamp := map[int64][]visual.TrackedFeature{}
	for i, s := range stamps {
		byStamp[s.UnixNano()] = []visual.TrackedFeature{
			{ID: "a", Pixel: r2.Point{X: 320 + float64(i)*5, Y: 240}},
			{ID: "b", Pixel: r2.Point{X: 340 - float64(i)*5, Y: 260}},
			{ID: "c", Pixel: r2.Point{X: 300, Y: 220 + float64(i)*5}},
		}
	}
	vmap := testVisualMap(t, byStamp)
	preint := testPreintegrator()
	preint.PushSample(sensors.IMUSample{Stamp: stamps[0].Add(-time.Millisecond), LinearAccel: r3.Vector{X: 1, Y: 0, Z: 9.81}})
	for t0 := stamps[0]; t0.Before(stamps[len(stamps)-1]); t0 = t0.Add(10 * time.Millisecond) {
		preint.PushSample(sensors.IMUSample{Stamp: t0, LinearAccel: r3.Vector{X: 1, Y: 0, Z: 9.81}})
	}

	cfg := testConfig()
	cfg.MinTrajectoryLengthM = 0
	ini := New(cfg, preint, vmap, logging.NewTestLogger(t))
	for _, s := range stamps {
		test.That(t, ini.AddImageCandidate(s, sensors.Image{Stamp: s}), test.ShouldBeNil)
	}

	out, err := ini.TryInitialize(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Success, test.ShouldBeTrue)
}
