package lidarreg

import (
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
)

func testCloud(n int) pointcloud.PointCloud {
	pc := pointcloud.NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		pc.Set(r3.Vector{X: float64(i), Y: 0, Z: 0}, pointcloud.NewColoredData(color.NRGBA{B: 100}))
	}
	return pc
}

func emptyCloud() pointcloud.PointCloud {
	return pointcloud.NewWithPrealloc(0)
}

func testRegConfig() RegistrationConfig {
	return RegistrationConfig{
		NumNeighbors:      3,
		MapSize:           5,
		OutlierThresholdT: 1.0,
		OutlierThresholdR: 1.0,
		MinMotionTransM:   0.001,
		MinMotionRotRad:   0.001,
		FixFirstScan:      true,
		CovarianceDiag:    [6]float64{1, 1, 1, 1, 1, 1},
	}
}

func zeroPose() spatialmath.Pose {
	return spatialmath.NewZeroPose()
}

func poseAtX(x float64) spatialmath.Pose {
	return spatialmath.NewPoseFromPoint(r3.Vector{X: x})
}

func TestMultiScanRegisterRejectsEmptyCloud(t *testing.T) {
	w := NewMultiScanWindow(testRegConfig(), NewFakeMatcher(nil, nil))
	_, err := w.Register(time.Unix(0, 0), zeroPose(), emptyCloud())
	test.That(t, err, test.ShouldEqual, ErrEmptyCloud)
}

func TestMultiScanFirstScanEmitsPriorNoNeighbors(t *testing.T) {
	w := NewMultiScanWindow(testRegConfig(), NewFakeMatcher(nil, nil))
	tx, err := w.Register(time.Unix(0, 0), zeroPose(), testCloud(10))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(tx.VariablesToAdd), test.ShouldEqual, 1)
	test.That(t, len(tx.ConstraintsToAdd), test.ShouldEqual, 1) // prior only
}

// TestMultiScanNeighborCandidateCount checks spec.md §8's testable
// property: with num_neighbors=n on m scans, each new scan after the
// first produces exactly min(n, m-1) candidate constraints before
// outlier filtering (here every candidate is accepted).
func TestMultiScanNeighborCandidateCount(t *testing.T) {
	cfg := testRegConfig()
	cfg.NumNeighbors = 2

	results := make([]MatchResult, 0, 10)
	for i := 0; i < 10; i++ {
		results = append(results, MatchResult{RelativePose: poseAtX(1)})
	}
	matcher := NewFakeMatcher(results, nil)
	w := NewMultiScanWindow(cfg, matcher)

	base := time.Unix(0, 0)
	expectedNeighbors := []int{0, 1, 2, 2} // m=1..4 scans, min(2, m-1)
	for i, want := range expectedNeighbors {
		stamp := base.Add(time.Duration(i) * time.Second)
		tx, err := w.Register(stamp, poseAtX(float64(i)), testCloud(5))
		test.That(t, err, test.ShouldBeNil)
		relConstraints := 0
		for _, c := range tx.ConstraintsToAdd {
			if c.Source == "lidar_reg_multiscan" {
				relConstraints++
			}
		}
		test.That(t, relConstraints, test.ShouldEqual, want)
	}
}

func TestMultiScanBelowMotionThresholdRefused(t *testing.T) {
	cfg := testRegConfig()
	cfg.MinMotionTransM = 10
	cfg.MinMotionRotRad = 10
	w := NewMultiScanWindow(cfg, NewFakeMatcher(nil, nil))
	_, err := w.Register(time.Unix(0, 0), zeroPose(), testCloud(5))
	test.That(t, err, test.ShouldBeNil)

	_, err = w.Register(time.Unix(1, 0), poseAtX(0.01), testCloud(5))
	test.That(t, err, test.ShouldEqual, ErrBelowMotionThreshold)
}

func TestMultiScanAllNeighborsOutliersRefusesTransaction(t *testing.T) {
	cfg := testRegConfig()
	cfg.OutlierThresholdT = 0.01
	matcher := NewFakeMatcher([]MatchResult{{RelativePose: poseAtX(50)}}, nil) // huge relative translation vs. guess
	w := NewMultiScanWindow(cfg, matcher)

	_, err := w.Register(time.Unix(0, 0), zeroPose(), testCloud(5))
	test.That(t, err, test.ShouldBeNil)

	_, err = w.Register(time.Unix(1, 0), poseAtX(1), testCloud(5))
	test.That(t, err, test.ShouldEqual, ErrAllNeighborsOutliers)
}

// TestScanToMapTwoScanRegistrationEmitsRelativeConstraint sets up the
// spec.md §8 scenario 2 inputs: S1 at identity, S2's stored pose
// perturbed from its ground truth, the matcher reporting the true
// relative pose. It checks that S1 gets a prior and S2 gets exactly one
// scan-to-map relative constraint; it does not run an optimization.
func TestScanToMapTwoScanRegistrationEmitsRelativeConstraint(t *testing.T) {
	cfg := testRegConfig()
	groundTruthRelative := poseAtX(1.0)
	matcher := NewFakeMatcher([]MatchResult{{RelativePose: groundTruthRelative}}, nil)
	reg := NewScanToMapRegistry(cfg, matcher)

	tx1, err := reg.Register(time.Unix(0, 0), zeroPose(), testCloud(20))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(tx1.ConstraintsToAdd), test.ShouldEqual, 1) // prior

	perturbed := poseAtX(1.05) // 5cm off from the true +1m relative motion
	tx2, err := reg.Register(time.Unix(1, 0), perturbed, testCloud(20))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(tx2.ConstraintsToAdd), test.ShouldEqual, 1)
	test.That(t, tx2.ConstraintsToAdd[0].Source, test.ShouldEqual, "lidar_reg_scantomap")
}

func TestScanToMapOutlierRejectsTransaction(t *testing.T) {
	cfg := testRegConfig()
	cfg.OutlierThresholdT = 0.01
	// first Register never calls Match (map is empty); the first real
	// Match call happens on the second Register below.
	matcher := NewFakeMatcher([]MatchResult{{RelativePose: poseAtX(50)}}, nil)
	reg := NewScanToMapRegistry(cfg, matcher)

	_, err := reg.Register(time.Unix(0, 0), zeroPose(), testCloud(10))
	test.That(t, err, test.ShouldBeNil)

	_, err = reg.Register(time.Unix(1, 0), poseAtX(1), testCloud(10))
	test.That(t, err, test.ShouldEqual, ErrAllNeighborsOutliers)
}

func TestPoseDeltaMatchesKnownRotation(t *testing.T) {
	a := spatialmath.NewZeroPose()
	b := spatialmath.NewPoseFromOrientation(r3.Vector{}, &spatialmath.OrientationVector{Theta: math.Pi / 2, OX: 0, OY: 0, OZ: 1})
	_, rotRad := poseDelta(a, b)
	test.That(t, math.Abs(rotRad-math.Pi/2) < 1e-9, test.ShouldBeTrue)
}
