package imupreint

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrOutOfOrder is returned by PushSample when a sample's stamp does
// not strictly follow the last stored sample (spec.md §4.1, §7).
var ErrOutOfOrder = errors.New("imupreint: sample out of order")

// ErrNotReady is returned by PredictPose when the query stamp precedes
// the preintegrator's buffer front (spec.md §4.1, §7).
var ErrNotReady = errors.New("imupreint: requested stamp precedes buffer front")

// stateDim is the width of one full IMU state variable as stored in
// the graph: quaternion(4) + position(3) + velocity(3) + gyro bias(3)
// + accel bias(3).
const stateDim = 16

const (
	offQ  = 0
	offP  = 4
	offV  = 7
	offBg = 10
	offBa = 13
)

// NoiseModel holds the continuous-time noise spectral densities used
// to propagate the 15x15 error-state covariance (spec.md §4.1).
type NoiseModel struct {
	GyroNoiseDensity     float64 // rad/s/sqrt(Hz)
	AccelNoiseDensity    float64 // m/s^2/sqrt(Hz)
	GyroBiasRandomWalk   float64
	AccelBiasRandomWalk  float64
}

// PreintegratedDelta is the result of integrating IMU samples over an
// interval (t_i, t_j] (spec.md §3's PreintegratedDelta data model):
// relative rotation/velocity/position plus their 15x15 error-state
// covariance and the 9x6 bias-correction Jacobians.
type PreintegratedDelta struct {
	DtSeconds float64

	DeltaQ quat.Number
	DeltaV r3.Vector
	DeltaP r3.Vector

	// Covariance over the error state (δφ, δv, δp, δb_g, δb_a), in
	// that block order, 3 dims each.
	Covariance *mat.SymDense

	// BiasJacobian is the 9x6 dense Jacobian of (δφ, δv, δp) (rows, 3
	// each) with respect to (δb_g, δb_a) (columns, 3 each), letting a
	// small post-hoc bias change correct the delta without
	// re-integrating (spec.md §4.1).
	BiasJacobian *mat.Dense

	// BiasRefGyro and BiasRefAccel are the (b_g, b_a) the delta was
	// integrated against; corrections are relative to this reference.
	BiasRefGyro  r3.Vector
	BiasRefAccel r3.Vector
}

// Empty reports whether d carries no integrated interval (spec.md
// §4.1: "negative Δt or empty interval -> returns empty transaction").
func (d PreintegratedDelta) Empty() bool {
	return d.DtSeconds <= 0
}

// correctedDeltaQ applies the bias-Jacobian correction for a gyro bias
// change of deltaBg relative to BiasRefGyro.
func (d PreintegratedDelta) correctedDeltaQ(deltaBg r3.Vector) quat.Number {
	jPhiBg := mat.NewDense(3, 3, nil)
	jPhiBg.Copy(d.BiasJacobian.Slice(0, 3, 0, 3))
	corr := matVec3(jPhiBg, deltaBg)
	return quat.Mul(d.DeltaQ, expQuat(corr, 1))
}

func (d PreintegratedDelta) correctedDeltaV(deltaBg, deltaBa r3.Vector) r3.Vector {
	jVBg := mat.NewDense(3, 3, nil)
	jVBg.Copy(d.BiasJacobian.Slice(3, 6, 0, 3))
	jVBa := mat.NewDense(3, 3, nil)
	jVBa.Copy(d.BiasJacobian.Slice(3, 6, 3, 6))
	return d.DeltaV.Add(matVec3(jVBg, deltaBg)).Add(matVec3(jVBa, deltaBa))
}

func (d PreintegratedDelta) correctedDeltaP(deltaBg, deltaBa r3.Vector) r3.Vector {
	jPBg := mat.NewDense(3, 3, nil)
	jPBg.Copy(d.BiasJacobian.Slice(6, 9, 0, 3))
	jPBa := mat.NewDense(3, 3, nil)
	jPBa.Copy(d.BiasJacobian.Slice(6, 9, 3, 6))
	return d.DeltaP.Add(matVec3(jPBg, deltaBg)).Add(matVec3(jPBa, deltaBa))
}

func matVec3(m mat.Matrix, v r3.Vector) r3.Vector {
	in := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(m, in)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}
