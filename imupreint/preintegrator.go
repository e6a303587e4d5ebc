// Package imupreint implements IMU preintegration (spec.md §4.1):
// accumulation of high-rate inertial samples into discrete-time
// relative motion constraints with covariance and bias-Jacobian
// propagation, plus a two-state (keyframe anchor, current) predictor.
//
// Grounded on the teacher's sensor-reading plumbing (sensors/imu.go's
// monotonic-stamp handling) for the ambient shape; the integration
// math is modeled on ZanzyTHEbar/imu-fusion's per-IMU dead-reckoning
// loop, generalized from 2D Euler integration to SO(3)/R3 with dense
// 15x15 covariance propagation (standard preintegration structure,
// e.g. Forster et al.).
package imupreint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
	"github.com/viamrobotics/slam-fusion/sensors"
)

// sigmaPriorDefault is used when the caller supplies a non-positive
// sigma for the first-interval prior; it must stay positive (spec.md
// §4.1: "emits a prior constraint... with covariance σ_prior·I (σ_prior > 0)").
const sigmaPriorDefault = 1e-3

// Preintegrator accepts IMU samples and produces PreintegratedDeltas
// and graph.Transactions across keyframe intervals (spec.md §4.1).
type Preintegrator struct {
	mu sync.Mutex

	gravity    r3.Vector
	noise      NoiseModel
	sigmaPrior float64

	totalBuffer []sensors.IMUSample
	lastStamp   time.Time
	haveLast    bool

	haveAnchor  bool
	anchorStamp time.Time
	qi          quat.Number
	pi          r3.Vector
	vi          r3.Vector
	bg          r3.Vector
	ba          r3.Vector

	working []sensors.IMUSample

	firstInterval bool
}

// New constructs a Preintegrator. gravity is the world-frame gravity
// vector added at predict time (spec.md §4.1); noise parametrizes
// covariance propagation; sigmaPrior seeds the first-interval prior.
func New(gravity r3.Vector, noise NoiseModel, sigmaPrior float64) *Preintegrator {
	if sigmaPrior <= 0 {
		sigmaPrior = sigmaPriorDefault
	}
	return &Preintegrator{
		gravity:       gravity,
		noise:         noise,
		sigmaPrior:    sigmaPrior,
		qi:            quat.Number{Real: 1},
		firstInterval: true,
	}
}

// PushSample appends an IMU sample (spec.md §4.1's push_sample).
func (p *Preintegrator) PushSample(s sensors.IMUSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.haveLast && !s.Stamp.After(p.lastStamp) {
		return ErrOutOfOrder
	}
	p.lastStamp = s.Stamp
	p.haveLast = true
	p.totalBuffer = append(p.totalBuffer, s)
	if p.haveAnchor && s.Stamp.After(p.anchorStamp) {
		p.working = append(p.working, s)
	}
	return nil
}

// SetStart anchors the keyframe state at stamp (spec.md §4.1's
// set_start). A nil orient/pos/vel leaves that component at its
// current value (identity/zero on the very first call). Samples with
// stamp <= the anchor are discarded from the working buffer.
func (p *Preintegrator) SetStart(stamp time.Time, orient spatialmath.Orientation, pos, vel *r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if orient != nil {
		o := orient.Quaternion()
		p.qi = quat.Number{Real: o.Real, Imag: o.Imag, Jmag: o.Jmag, Kmag: o.Kmag}
	}
	if pos != nil {
		p.pi = *pos
	}
	if vel != nil {
		p.vi = *vel
	}

	p.anchorStamp = stamp
	p.haveAnchor = true

	working := p.working[:0]
	for _, s := range p.totalBuffer {
		if s.Stamp.After(stamp) {
			working = append(working, s)
		}
	}
	p.working = working
}

// SetBias updates the current bias estimate, e.g. after an
// UpdateFromGraph pull.
func (p *Preintegrator) SetBias(gyroBias, accelBias r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bg = gyroBias
	p.ba = accelBias
}

// PredictPose integrates the working buffer up to stampNow from the
// last keyframe anchor (spec.md §4.1's predict_pose).
func (p *Preintegrator) PredictPose(stampNow time.Time) (spatialmath.Pose, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveAnchor || stampNow.Before(p.anchorStamp) {
		return nil, ErrNotReady
	}

	delta := p.integrateLocked(stampNow)
	qj, pj, _ := p.predictStateLocked(delta)
	orient := &spatialmath.Quaternion{Real: qj.Real, Imag: qj.Imag, Jmag: qj.Jmag, Kmag: qj.Kmag}
	return spatialmath.NewPoseFromOrientation(pj, orient), nil
}

// predictStateLocked applies delta to the anchor state, returning the
// predicted (q_j, p_j, v_j). Caller must hold p.mu.
func (p *Preintegrator) predictStateLocked(delta PreintegratedDelta) (quat.Number, r3.Vector, r3.Vector) {
	ri := toRotationMatrix(p.qi)
	dt := delta.DtSeconds

	vj := p.vi.Add(p.gravity.Mul(dt)).Add(matVec3(ri, delta.DeltaV))
	pj := p.pi.Add(p.vi.Mul(dt)).Add(p.gravity.Mul(0.5 * dt * dt)).Add(matVec3(ri, delta.DeltaP))
	qj := quat.Mul(p.qi, delta.DeltaQ)
	return qj, pj, vj
}

// RegisterPreintegratedFactor closes the interval (anchorStamp,
// stampJ], produces the preintegration constraint Transaction, and
// rolls the anchor forward to stampJ (spec.md §4.1's
// register_preintegrated_factor). qOverride/pOverride, if non-nil,
// replace the predicted q_j/p_j; v_j is then recomputed from the
// chord (p_j - p_i)/dt.
func (p *Preintegrator) RegisterPreintegratedFactor(
	stampJ time.Time,
	qOverride spatialmath.Orientation,
	pOverride *r3.Vector,
) graph.Transaction {
	_, span := trace.StartSpan(context.Background(), "imupreint::Preintegrator::RegisterPreintegratedFactor")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveAnchor || !stampJ.After(p.anchorStamp) {
		return graph.Transaction{}
	}

	delta := p.integrateLocked(stampJ)
	if delta.Empty() {
		return graph.Transaction{}
	}

	qjPred, pjPred, vjPred := p.predictStateLocked(delta)

	qj := qjPred
	pj := pjPred
	vj := vjPred
	if qOverride != nil {
		o := qOverride.Quaternion()
		qj = quat.Number{Real: o.Real, Imag: o.Imag, Jmag: o.Jmag, Kmag: o.Kmag}
	}
	if pOverride != nil {
		pj = *pOverride
		vj = pj.Sub(p.pi).Mul(1.0 / delta.DtSeconds)
	}

	stateI := stateVariable(p.anchorStamp, p.qi, p.pi, p.vi, p.bg, p.ba)
	stateJ := stateVariable(stampJ, qj, pj, vj, p.bg, p.ba)

	constraint := preintegrationConstraint(stateI.ID, stateJ.ID, delta, p.gravity)

	tx := graph.Transaction{
		VariablesToAdd:   []graph.Variable{stateJ},
		ConstraintsToAdd: []graph.Constraint{constraint},
	}
	if p.firstInterval {
		tx.VariablesToAdd = append([]graph.Variable{stateI}, tx.VariablesToAdd...)
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, priorConstraint(stateI.ID, stateI.Value, p.sigmaPrior))
		p.firstInterval = false
	}

	// roll the anchor forward
	p.anchorStamp = stampJ
	p.qi = qj
	p.pi = pj
	p.vi = vj
	working := p.working[:0]
	for _, s := range p.totalBuffer {
		if s.Stamp.After(stampJ) {
			working = append(working, s)
		}
	}
	p.working = working

	return tx
}

// UpdateFromGraph pulls the post-optimization anchor state back from
// g and refills the working buffer from the total buffer starting at
// the (possibly unchanged) anchor (spec.md §4.1's update_from_graph).
func (p *Preintegrator) UpdateFromGraph(g graph.Graph) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := stateVariableID(p.anchorStamp)
	values, ok := g.Value(id)
	if !ok {
		return nil
	}
	p.qi = quat.Number{Real: values[offQ], Imag: values[offQ+1], Jmag: values[offQ+2], Kmag: values[offQ+3]}
	p.pi = r3.Vector{X: values[offP], Y: values[offP+1], Z: values[offP+2]}
	p.vi = r3.Vector{X: values[offV], Y: values[offV+1], Z: values[offV+2]}
	p.bg = r3.Vector{X: values[offBg], Y: values[offBg+1], Z: values[offBg+2]}
	p.ba = r3.Vector{X: values[offBa], Y: values[offBa+1], Z: values[offBa+2]}

	working := p.working[:0]
	for _, s := range p.totalBuffer {
		if s.Stamp.After(p.anchorStamp) {
			working = append(working, s)
		}
	}
	p.working = working
	return nil
}

// integrateLocked integrates the working buffer from the anchor up to
// upTo, producing a PreintegratedDelta with covariance and bias
// Jacobian. Caller must hold p.mu.
func (p *Preintegrator) integrateLocked(upTo time.Time) PreintegratedDelta {
	dq := quat.Number{Real: 1}
	dv := r3.Vector{}
	dp := r3.Vector{}
	cov := mat.NewSymDense(15, nil)
	biasJ := mat.NewDense(9, 6, nil)

	prevStamp := p.anchorStamp
	total := 0.0

	for _, s := range p.working {
		if s.Stamp.After(upTo) {
			break
		}
		dt := s.Stamp.Sub(prevStamp).Seconds()
		prevStamp = s.Stamp
		if dt <= 0 {
			continue
		}
		total += dt

		wUnbiased := s.AngularVelocity.Sub(p.bg)
		aUnbiased := s.LinearAccel.Sub(p.ba)

		rK := toRotationMatrix(dq)

		// state update
		dExp := expQuat(wUnbiased, dt)
		dvNext := dv.Add(matVec3(rK, aUnbiased.Mul(dt)))
		dpNext := dp.Add(dv.Mul(dt)).Add(matVec3(rK, aUnbiased.Mul(0.5 * dt * dt)))
		dq = quat.Mul(dq, dExp)
		dv = dvNext
		dp = dpNext

		propagateCovarianceAndBiasJacobian(cov, biasJ, rK, wUnbiased, aUnbiased, dt, p.noise)
	}

	return PreintegratedDelta{
		DtSeconds:    total,
		DeltaQ:       dq,
		DeltaV:       dv,
		DeltaP:       dp,
		Covariance:   cov,
		BiasJacobian: biasJ,
		BiasRefGyro:  p.bg,
		BiasRefAccel: p.ba,
	}
}

// propagateCovarianceAndBiasJacobian advances cov (15x15, error-state
// order δφ,δv,δp,δb_g,δb_a) and biasJ (9x6, rows δφ,δv,δp, columns
// δb_g,δb_a) by one sample interval (spec.md §4.1).
func propagateCovarianceAndBiasJacobian(
	cov *mat.SymDense,
	biasJ *mat.Dense,
	rK *mat.Dense,
	wUnbiased, aUnbiased r3.Vector,
	dt float64,
	noise NoiseModel,
) {
	a := identity(15)
	skewW := skew(wUnbiased)
	skewA := skew(aUnbiased)
	rSkewA := mat.NewDense(3, 3, nil)
	rSkewA.Mul(rK, skewA)

	setBlock(a, 0, 0, sub(identity(3), scaled(skewW, dt)))
	setBlock(a, 0, 9, scaled(identity(3), -dt))
	setBlock(a, 3, 0, scaled(rSkewA, -dt))
	setBlock(a, 3, 12, scaled(rK, -dt))
	setBlock(a, 6, 0, scaled(rSkewA, -0.5*dt*dt))
	setBlock(a, 6, 3, scaled(identity(3), dt))
	setBlock(a, 6, 12, scaled(rK, -0.5*dt*dt))

	// Qd: noise injected this step, expressed directly in the error
	// state (gyro/accel white noise plus bias random-walk).
	qd := mat.NewDense(15, 15, nil)
	gyroVar := noise.GyroNoiseDensity * noise.GyroNoiseDensity * dt
	accelVar := noise.AccelNoiseDensity * noise.AccelNoiseDensity * dt
	bgWalk := noise.GyroBiasRandomWalk * noise.GyroBiasRandomWalk * dt
	baWalk := noise.AccelBiasRandomWalk * noise.AccelBiasRandomWalk * dt
	for i := 0; i < 3; i++ {
		qd.Set(i, i, gyroVar)
		qd.Set(3+i, 3+i, accelVar)
		qd.Set(9+i, 9+i, bgWalk)
		qd.Set(12+i, 12+i, baWalk)
	}

	var aSigma, aSigmaAt mat.Dense
	aSigma.Mul(a, denseFromSym(cov))
	aSigmaAt.Mul(&aSigma, a.T())
	aSigmaAt.Add(&aSigmaAt, qd)
	for i := 0; i < 15; i++ {
		for j := i; j < 15; j++ {
			cov.SetSym(i, j, aSigmaAt.At(i, j))
		}
	}

	// bias Jacobian recursion: J_{k+1} = A_pose9 * J_k + A_bias9
	aPose9 := mat.NewDense(9, 9, nil)
	for r := 0; r < 9; r++ {
		for c := 0; c < 9; c++ {
			aPose9.Set(r, c, a.At(r, c))
		}
	}
	aBias9 := mat.NewDense(9, 6, nil)
	for r := 0; r < 9; r++ {
		for c := 0; c < 6; c++ {
			aBias9.Set(r, c, a.At(r, 9+c))
		}
	}
	var next mat.Dense
	next.Mul(aPose9, biasJ)
	next.Add(&next, aBias9)
	biasJ.Copy(&next)
}

func sub(a, b mat.Matrix) *mat.Dense {
	rows, cols := a.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Sub(a, b)
	return out
}

func denseFromSym(s *mat.SymDense) *mat.Dense {
	n, _ := s.Dims()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, s.At(i, j))
		}
	}
	return out
}

func stateVariableID(stamp time.Time) string {
	return fmt.Sprintf("imu_state@%d", stamp.UnixNano())
}

// StateVariableID returns the graph variable ID the preintegrator uses
// for the keyframe state anchored at stamp, so external callers (the
// trajectory initializer's local graph, spec.md §4.4) can reference it
// in their own constraints without reaching into package internals.
func StateVariableID(stamp time.Time) string {
	return stateVariableID(stamp)
}

func stateVariable(stamp time.Time, q quat.Number, p, v, bg, ba r3.Vector) graph.Variable {
	return graph.Variable{
		ID:   stateVariableID(stamp),
		Kind: "imu_state",
		Value: []float64{
			q.Real, q.Imag, q.Jmag, q.Kmag,
			p.X, p.Y, p.Z,
			v.X, v.Y, v.Z,
			bg.X, bg.Y, bg.Z,
			ba.X, ba.Y, ba.Z,
		},
	}
}

// priorConstraint pins stateI's full 16-dim value at its current
// estimate with covariance sigmaPrior*I (spec.md §4.1's first-interval prior).
func priorConstraint(id string, value []float64, sigmaPrior float64) graph.Constraint {
	target := append([]float64(nil), value...)
	cov := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		cov.SetSym(i, i, sigmaPrior)
	}
	return graph.Constraint{
		ID:          "prior_" + id,
		VariableIDs: []string{id},
		Covariance:  cov,
		Source:      "imu_preint_prior",
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			x := values[0]
			residual := make([]float64, stateDim)
			jac := make([]float64, stateDim*stateDim)
			for i := range residual {
				residual[i] = x[i] - target[i]
				jac[i*stateDim+i] = 1
			}
			return residual, [][]float64{jac}
		},
	}
}

// preintegrationConstraint builds the factor linking state i to state
// j, with a 15-dim residual over (δφ,δv,δp,δb_g,δb_a) evaluated via
// the bias-corrected delta (spec.md §4.1). Jacobians are obtained by
// central-difference numerical differentiation over the 32-dim
// concatenated (state_i, state_j) input; the analytic pieces of this
// factor (the covariance/bias-Jacobian propagation feeding `delta`)
// are the ones spec.md requires to stay in closed dense-matrix form.
func preintegrationConstraint(idI, idJ string, delta PreintegratedDelta, gravity r3.Vector) graph.Constraint {
	residualFn := func(values [][]float64) []float64 {
		xi, xj := values[0], values[1]
		qi := quat.Number{Real: xi[offQ], Imag: xi[offQ+1], Jmag: xi[offQ+2], Kmag: xi[offQ+3]}
		pi := r3.Vector{X: xi[offP], Y: xi[offP+1], Z: xi[offP+2]}
		vi := r3.Vector{X: xi[offV], Y: xi[offV+1], Z: xi[offV+2]}
		bgI := r3.Vector{X: xi[offBg], Y: xi[offBg+1], Z: xi[offBg+2]}
		baI := r3.Vector{X: xi[offBa], Y: xi[offBa+1], Z: xi[offBa+2]}

		qj := quat.Number{Real: xj[offQ], Imag: xj[offQ+1], Jmag: xj[offQ+2], Kmag: xj[offQ+3]}
		pj := r3.Vector{X: xj[offP], Y: xj[offP+1], Z: xj[offP+2]}
		vj := r3.Vector{X: xj[offV], Y: xj[offV+1], Z: xj[offV+2]}
		bgJ := r3.Vector{X: xj[offBg], Y: xj[offBg+1], Z: xj[offBg+2]}
		baJ := r3.Vector{X: xj[offBa], Y: xj[offBa+1], Z: xj[offBa+2]}

		deltaBg := bgI.Sub(delta.BiasRefGyro)
		deltaBa := baI.Sub(delta.BiasRefAccel)
		dq := delta.correctedDeltaQ(deltaBg)
		dv := delta.correctedDeltaV(deltaBg, deltaBa)
		dp := delta.correctedDeltaP(deltaBg, deltaBa)

		ri := toRotationMatrix(qi)
		riT := ri.T()
		dt := delta.DtSeconds

		rPhi := quat.Mul(quat.Conj(dq), quat.Mul(quat.Conj(qi), qj))
		phiRes := r3.Vector{X: 2 * rPhi.Imag, Y: 2 * rPhi.Jmag, Z: 2 * rPhi.Kmag}

		vExpected := matVec3(riT, vj.Sub(vi).Sub(gravity.Mul(dt)))
		vRes := vExpected.Sub(dv)

		pExpected := matVec3(riT, pj.Sub(pi).Sub(vi.Mul(dt)).Sub(gravity.Mul(0.5*dt*dt)))
		pRes := pExpected.Sub(dp)

		bgRes := bgJ.Sub(bgI)
		baRes := baJ.Sub(baI)

		return []float64{
			phiRes.X, phiRes.Y, phiRes.Z,
			vRes.X, vRes.Y, vRes.Z,
			pRes.X, pRes.Y, pRes.Z,
			bgRes.X, bgRes.Y, bgRes.Z,
			baRes.X, baRes.Y, baRes.Z,
		}
	}

	return graph.Constraint{
		ID:          "imu_preint_" + idI + "_" + idJ,
		VariableIDs: []string{idI, idJ},
		Covariance:  delta.Covariance,
		Source:      "imu_preint",
		Residual: func(values [][]float64) ([]float64, [][]float64) {
			r := residualFn(values)
			jacI := numericalJacobian(residualFn, values, 0)
			jacJ := numericalJacobian(residualFn, values, 1)
			return r, [][]float64{jacI, jacJ}
		},
	}
}

// numericalJacobian computes d(residual)/d(values[varIdx]) by central
// differences, flattened row-major (rows = len(residual)).
func numericalJacobian(f func([][]float64) []float64, values [][]float64, varIdx int) []float64 {
	const eps = 1e-6
	base := f(values)
	n := len(values[varIdx])
	jac := make([]float64, len(base)*n)
	perturbed := make([][]float64, len(values))
	for i := range values {
		perturbed[i] = append([]float64(nil), values[i]...)
	}
	for c := 0; c < n; c++ {
		orig := perturbed[varIdx][c]
		perturbed[varIdx][c] = orig + eps
		plus := f(perturbed)
		perturbed[varIdx][c] = orig - eps
		minus := f(perturbed)
		perturbed[varIdx][c] = orig
		for r := range base {
			jac[r*n+c] = (plus[r] - minus[r]) / (2 * eps)
		}
	}
	return jac
}
