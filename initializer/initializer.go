package initializer

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/graph"
	"github.com/viamrobotics/slam-fusion/imupreint"
	"github.com/viamrobotics/slam-fusion/sensors"
	"github.com/viamrobotics/slam-fusion/visual"
)

const couplingSigma = 1e-3

// Initializer accumulates keyframe candidates while the system is
// uninitialized and, on TryInitialize, attempts the bootstrap protocol
// of spec.md §4.4.
type Initializer struct {
	cfg    Config
	logger logging.Logger

	preint *imupreint.Preintegrator
	vmap   *visual.Map

	candidates   []time.Time
	lastCandTime time.Time
	haveLastCand bool
}

// New constructs an Initializer sharing the given preintegrator and
// visual map — the same instances the main estimator will take
// ownership of on a successful handoff (spec.md §4.4 step 5).
func New(cfg Config, preint *imupreint.Preintegrator, vmap *visual.Map, logger logging.Logger) *Initializer {
	return &Initializer{cfg: cfg, preint: preint, vmap: vmap, logger: logger}
}

// AddImageCandidate pushes stamp onto the candidate list if at least
// CandidateGapSeconds has elapsed since the last candidate (spec.md
// §4.4 step 1). image is tracked through vmap exactly as the steady-
// state add_image would.
func (ini *Initializer) AddImageCandidate(stamp time.Time, image sensors.Image) error {
	if err := ini.vmap.AddImage(stamp, image); err != nil {
		return err
	}
	if ini.haveLastCand && stamp.Sub(ini.lastCandTime).Seconds() < ini.cfg.CandidateGapSeconds {
		return nil
	}
	ini.candidates = append(ini.candidates, stamp)
	ini.lastCandTime = stamp
	ini.haveLastCand = true
	return nil
}

// TryInitialize attempts the full bootstrap protocol. path, if
// non-nil, selects path-seeded mode (spec.md §4.4 step 2); otherwise
// IMU dead-reckoning seeds the keyframes (this implementation's
// pure-visual substitute for a full five-point/PnP SfM chain — see
// DESIGN.md). On failure the accumulated candidate buffer is
// preserved for retry (spec.md §4.4: "the accumulated buffers are
// preserved so that the next AddImage triggers a retry").
func (ini *Initializer) TryInitialize(path *sensors.InitializedPath) (Output, error) {
	_, span := trace.StartSpan(context.Background(), "initializer::Initializer::TryInitialize")
	defer span.End()

	if len(ini.candidates) < 2 {
		return Output{}, ErrNotEnoughCandidates
	}

	seeds, err := ini.seedPoses(path)
	if err != nil {
		return Output{}, err
	}

	if trajectoryLength(seeds) < ini.cfg.MinTrajectoryLengthM {
		return Output{}, ErrUnderconstrained
	}

	g := graph.NewInMemoryGraph()
	var tx graph.Transaction

	ini.preint.SetStart(ini.candidates[0], seeds[0].Orientation(), vecPtr(seeds[0].Point()), nil)

	for i, stamp := range ini.candidates {
		ini.vmap.SeedLocalization(stamp, seeds[i])
		triangulated, untriangulated, obsErr := ini.vmap.ObservedLandmarks(stamp)
		if obsErr != nil {
			continue
		}
		visTx := ini.vmap.ExtendMap(stamp, triangulated, untriangulated)
		tx.Merge(visTx)

		if i == 0 {
			continue
		}
		q := seeds[i].Orientation()
		p := seeds[i].Point()
		imuTx := ini.preint.RegisterPreintegratedFactor(stamp, q, &p)
		tx.Merge(imuTx)

		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, couplingConstraint(
			imupreint.StateVariableID(stamp), visual.KeyframeVariableID(stamp), couplingSigma))
	}

	if tx.Empty() {
		return Output{}, ErrNotEnoughCandidates
	}

	if err := g.Apply(tx); err != nil {
		return Output{}, err
	}
	if err := g.Optimize(graph.Budget{MaxSeconds: ini.cfg.MaxOptimizationS, MaxIterations: 50}); err != nil && err != graph.ErrNotConverged {
		return Output{}, err
	}

	if err := ini.vmap.UpdateFromGraph(g); err != nil {
		return Output{}, err
	}
	if err := ini.preint.UpdateFromGraph(g); err != nil {
		return Output{}, err
	}

	out := Output{
		Success:     true,
		Gravity:     ini.cfg.Gravity,
		Transaction: tx,
		Landmarks:   map[string]r3.Vector{},
	}
	for _, v := range tx.VariablesToAdd {
		const prefix = "lm_"
		if len(v.ID) <= len(prefix) || v.ID[:len(prefix)] != prefix {
			continue
		}
		values, ok := g.Value(v.ID)
		if !ok || len(values) < 3 {
			continue
		}
		out.Landmarks[v.ID[len(prefix):]] = r3.Vector{X: values[0], Y: values[1], Z: values[2]}
	}
	for _, stamp := range ini.candidates {
		values, ok := g.Value(imupreint.StateVariableID(stamp))
		if !ok {
			continue
		}
		out.Keyframes = append(out.Keyframes, KeyframeState{
			Stamp:    stamp,
			Pose:     spatialmath.NewPoseFromOrientation(r3.Vector{X: values[4], Y: values[5], Z: values[6]}, &spatialmath.Quaternion{Real: values[0], Imag: values[1], Jmag: values[2], Kmag: values[3]}),
			Velocity: r3.Vector{X: values[7], Y: values[8], Z: values[9]},
			GyroBias: r3.Vector{X: values[10], Y: values[11], Z: values[12]},
			AccBias:  r3.Vector{X: values[13], Y: values[14], Z: values[15]},
		})
	}

	ini.candidates = nil
	ini.haveLastCand = false
	return out, nil
}

// seedPoses produces one seed pose per accumulated candidate. With an
// InitializedPath, poses are interpolated at each candidate stamp
// (spec.md §4.4 step 2); without one, each candidate's pose comes from
// the preintegrator's own dead-reckoning prediction from the first
// candidate (this implementation's pure-visual substitute, §4.4 step 3
// — see DESIGN.md's Open Question note on why a full five-point SfM
// chain is out of scope).
func (ini *Initializer) seedPoses(path *sensors.InitializedPath) ([]spatialmath.Pose, error) {
	if path != nil && len(path.Poses) > 0 {
		out := make([]spatialmath.Pose, len(ini.candidates))
		for i, stamp := range ini.candidates {
			out[i] = interpolatePath(path, stamp)
		}
		return out, nil
	}

	out := make([]spatialmath.Pose, len(ini.candidates))
	out[0] = spatialmath.NewZeroPose()
	ini.preint.SetStart(ini.candidates[0], out[0].Orientation(), vecPtr(out[0].Point()), zeroVec())
	for i := 1; i < len(ini.candidates); i++ {
		pose, err := ini.preint.PredictPose(ini.candidates[i])
		if err != nil {
			return nil, err
		}
		out[i] = pose
	}
	return out, nil
}

func vecPtr(v r3.Vector) *r3.Vector { return &v }
func zeroVec() *r3.Vector           { v := r3.Vector{}; return &v }

// trajectoryLength sums consecutive seed-pose displacements, used to
// detect pure-rotation degeneracy (spec.md §4.4 step 3).
func trajectoryLength(seeds []spatialmath.Pose) float64 {
	var total float64
	for i := 1; i < len(seeds); i++ {
		total += seeds[i].Point().Sub(seeds[i-1].Point()).Norm()
	}
	return total
}

// interpolatePath linearly interpolates path.Poses (assumed ordered by
// stamp) at the given stamp, clamping to the nearest endpoint outside
// the recorded range.
func interpolatePath(path *sensors.InitializedPath, stamp time.Time) spatialmath.Pose {
	poses := path.Poses
	if len(poses) == 1 {
		return poses[0].Pose
	}
	if !stamp.After(poses[0].Stamp) {
		return poses[0].Pose
	}
	if !stamp.Before(poses[len(poses)-1].Stamp) {
		return poses[len(poses)-1].Pose
	}
	for i := 1; i < len(poses); i++ {
		if stamp.After(poses[i].Stamp) {
			continue
		}
		prev, next := poses[i-1], poses[i]
		span := next.Stamp.Sub(prev.Stamp).Seconds()
		if span <= 0 {
			return prev.Pose
		}
		frac := stamp.Sub(prev.Stamp).Seconds() / span
		p0, p1 := prev.Pose.Point(), next.Pose.Point()
		point := r3.Vector{
			X: p0.X + frac*(p1.X-p0.X),
			Y: p0.Y + frac*(p1.Y-p0.Y),
			Z: p0.Z + frac*(p1.Z-p0.Z),
		}
		q0 := toQuatInit(prev.Pose.Orientation())
		q1 := toQuatInit(next.Pose.Orientation())
		q := slerp(q0, q1, frac)
		return spatialmath.NewPoseFromOrientation(point, &spatialmath.Quaternion{Real: q.Real, Imag: q.Imag, Jmag: q.Jmag, Kmag: q.Kmag})
	}
	return poses[len(poses)-1].Pose
}
