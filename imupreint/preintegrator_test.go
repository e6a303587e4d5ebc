package imupreint

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viamrobotics/slam-fusion/sensors"
)

func testNoise() NoiseModel {
	return NoiseModel{
		GyroNoiseDensity:    1e-4,
		AccelNoiseDensity:   1e-3,
		GyroBiasRandomWalk:  1e-6,
		AccelBiasRandomWalk: 1e-5,
	}
}

func TestPushSampleRejectsOutOfOrder(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 0)
	base := time.Unix(0, 0)
	test.That(t, p.PushSample(sensors.IMUSample{Stamp: base.Add(time.Millisecond)}), test.ShouldBeNil)
	err := p.PushSample(sensors.IMUSample{Stamp: base})
	test.That(t, err, test.ShouldEqual, ErrOutOfOrder)
}

func TestPredictPoseNotReadyBeforeAnchor(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 0)
	_, err := p.PredictPose(time.Unix(0, 0))
	test.That(t, err, test.ShouldEqual, ErrNotReady)
}

// TestStraightLineIntegration feeds constant zero angular velocity and
// a constant forward acceleration and checks the predicted position
// matches the closed-form constant-acceleration result.
func TestStraightLineIntegration(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 0) // zero gravity to isolate the integration math
	base := time.Unix(0, 0)
	p.SetStart(base, nil, nil, nil)

	const dt = 0.01
	const accel = 2.0 // m/s^2 along X
	const steps = 100  // 1 second total

	for i := 1; i <= steps; i++ {
		stamp := base.Add(time.Duration(float64(i) * dt * float64(time.Second)))
		test.That(t, p.PushSample(sensors.IMUSample{
			Stamp:           stamp,
			AngularVelocity: r3.Vector{},
			LinearAccel:     r3.Vector{X: accel},
		}), test.ShouldBeNil)
	}

	finalStamp := base.Add(time.Duration(steps * dt * float64(time.Second)))
	pose, err := p.PredictPose(finalStamp)
	test.That(t, err, test.ShouldBeNil)

	// v(T) = a*T, x(T) = 0.5*a*T^2 for constant acceleration from rest.
	const totalT = steps * dt
	expectedX := 0.5 * accel * totalT * totalT
	test.That(t, math.Abs(pose.Point().X-expectedX) < 1e-2, test.ShouldBeTrue)
}

// TestRegisterThenPredictAgree verifies the §8 invariant: calling
// register_preintegrated_factor(t_j) immediately followed by
// predict_pose(t_j) returns the same pose that was just committed.
func TestRegisterThenPredictAgree(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 1e-3)
	base := time.Unix(0, 0)
	p.SetStart(base, nil, nil, nil)

	for i := 1; i <= 20; i++ {
		stamp := base.Add(time.Duration(i) * 10 * time.Millisecond)
		test.That(t, p.PushSample(sensors.IMUSample{
			Stamp:           stamp,
			AngularVelocity: r3.Vector{Z: 0.1},
			LinearAccel:     r3.Vector{X: 1.0, Z: 9.81},
		}), test.ShouldBeNil)
	}

	stampJ := base.Add(200 * time.Millisecond)
	// snapshot the predicted pose the same way RegisterPreintegratedFactor
	// will have derived state j, before the anchor rolls forward.
	predictedBefore, err := p.PredictPose(stampJ)
	test.That(t, err, test.ShouldBeNil)

	tx := p.RegisterPreintegratedFactor(stampJ, nil, nil)
	test.That(t, tx.Empty(), test.ShouldBeFalse)

	// after rolling forward, the anchor pose IS state j; predicting at
	// stampJ again (zero further samples) must agree.
	predictedAfter, err := p.PredictPose(stampJ)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, math.Abs(predictedAfter.Point().X-predictedBefore.Point().X) < 1e-9, test.ShouldBeTrue)
	test.That(t, math.Abs(predictedAfter.Point().Y-predictedBefore.Point().Y) < 1e-9, test.ShouldBeTrue)
	test.That(t, math.Abs(predictedAfter.Point().Z-predictedBefore.Point().Z) < 1e-9, test.ShouldBeTrue)
}

func TestRegisterEmptyIntervalReturnsEmptyTransaction(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 0)
	base := time.Unix(0, 0)
	p.SetStart(base, nil, nil, nil)

	// no samples pushed: the interval (base, base] is empty.
	tx := p.RegisterPreintegratedFactor(base, nil, nil)
	test.That(t, tx.Empty(), test.ShouldBeTrue)
}

func TestRegisterFirstIntervalEmitsPrior(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 1e-3)
	base := time.Unix(0, 0)
	p.SetStart(base, nil, nil, nil)

	test.That(t, p.PushSample(sensors.IMUSample{
		Stamp:           base.Add(10 * time.Millisecond),
		AngularVelocity: r3.Vector{},
		LinearAccel:     r3.Vector{},
	}), test.ShouldBeNil)

	tx := p.RegisterPreintegratedFactor(base.Add(10*time.Millisecond), nil, nil)
	test.That(t, tx.Empty(), test.ShouldBeFalse)
	test.That(t, len(tx.VariablesToAdd), test.ShouldEqual, 2) // state i and state j
	test.That(t, len(tx.ConstraintsToAdd), test.ShouldEqual, 2) // preint factor + prior

	// a second interval must not re-emit a prior.
	test.That(t, p.PushSample(sensors.IMUSample{Stamp: base.Add(20 * time.Millisecond)}), test.ShouldBeNil)
	tx2 := p.RegisterPreintegratedFactor(base.Add(20*time.Millisecond), nil, nil)
	test.That(t, len(tx2.VariablesToAdd), test.ShouldEqual, 1)
	test.That(t, len(tx2.ConstraintsToAdd), test.ShouldEqual, 1)
}

// TestBiasCorrectionMatchesReintegration checks that correcting a
// delta for a small gyro-bias perturbation via the bias Jacobian
// tracks a full re-integration with the perturbed bias, to first
// order (spec.md §4.1's "small post-hoc changes... correct the delta
// without re-integration").
func TestBiasCorrectionMatchesReintegration(t *testing.T) {
	base := time.Unix(0, 0)
	samples := make([]sensors.IMUSample, 0, 50)
	for i := 1; i <= 50; i++ {
		samples = append(samples, sensors.IMUSample{
			Stamp:           base.Add(time.Duration(i) * 5 * time.Millisecond),
			AngularVelocity: r3.Vector{X: 0.05, Y: -0.02, Z: 0.1},
			LinearAccel:     r3.Vector{X: 0.3, Y: 0.1, Z: 9.81},
		})
	}

	const biasPerturb = 1e-4 // rad/s, small perturbation

	pRef := New(r3.Vector{}, testNoise(), 0)
	pRef.SetStart(base, nil, nil, nil)
	for _, s := range samples {
		test.That(t, pRef.PushSample(s), test.ShouldBeNil)
	}
	deltaRef := pRef.integrateLocked(samples[len(samples)-1].Stamp)

	pPerturbed := New(r3.Vector{}, testNoise(), 0)
	pPerturbed.SetBias(r3.Vector{X: biasPerturb}, r3.Vector{})
	pPerturbed.SetStart(base, nil, nil, nil)
	for _, s := range samples {
		test.That(t, pPerturbed.PushSample(s), test.ShouldBeNil)
	}
	deltaPerturbed := pPerturbed.integrateLocked(samples[len(samples)-1].Stamp)

	corrected := deltaRef.correctedDeltaV(r3.Vector{X: biasPerturb}, r3.Vector{})

	test.That(t, math.Abs(corrected.X-deltaPerturbed.DeltaV.X) < 1e-5, test.ShouldBeTrue)
	test.That(t, math.Abs(corrected.Y-deltaPerturbed.DeltaV.Y) < 1e-5, test.ShouldBeTrue)
	test.That(t, math.Abs(corrected.Z-deltaPerturbed.DeltaV.Z) < 1e-5, test.ShouldBeTrue)
}

func TestCovarianceIsSymmetricPositiveSemiDefinite(t *testing.T) {
	p := New(r3.Vector{}, testNoise(), 0)
	base := time.Unix(0, 0)
	p.SetStart(base, nil, nil, nil)
	for i := 1; i <= 10; i++ {
		test.That(t, p.PushSample(sensors.IMUSample{
			Stamp:           base.Add(time.Duration(i) * 10 * time.Millisecond),
			AngularVelocity: r3.Vector{Z: 0.2},
			LinearAccel:     r3.Vector{X: 1, Z: 9.81},
		}), test.ShouldBeNil)
	}
	delta := p.integrateLocked(base.Add(100 * time.Millisecond))
	n, _ := delta.Covariance.Dims()
	test.That(t, n, test.ShouldEqual, 15)
	for i := 0; i < n; i++ {
		test.That(t, delta.Covariance.At(i, i) >= 0, test.ShouldBeTrue)
	}
}
