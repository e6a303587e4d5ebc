// Package initializer implements spec.md §4.4's trajectory
// initializer: bootstrapping metric state from an externally-provided
// path when available, or from IMU dead-reckoning seeds otherwise, by
// building a small bounded-time local factor graph out of the
// already-built imupreint and visual packages and handing the result
// off as a single Transaction.
//
// Grounded on the teacher's bounded-deadline pattern for a single
// blocking external call (a context.WithTimeout around the one
// optimization call), generalized here to graph.Budget's wall-clock
// bound, already established by visual's motionOnlyBA.
package initializer

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/graph"
)

// ErrNotEnoughCandidates is returned when fewer than two keyframe
// candidates have been accumulated.
var ErrNotEnoughCandidates = errors.New("initializer: fewer than two keyframe candidates accumulated")

// ErrUnderconstrained is returned when the accumulated trajectory's
// length is below min_trajectory_length_m — pure-rotation motion
// can't resolve scale (spec.md §4.4 step 3).
var ErrUnderconstrained = errors.New("initializer: accumulated trajectory too short, scale underconstrained")

// Config bundles the spec.md §6 keys the initializer needs.
type Config struct {
	CandidateGapSeconds   float64 // literal "1 s" gate of spec.md §4.4 step 1
	InitializationWindowS float64
	MaxOptimizationS      float64
	MinTrajectoryLengthM  float64

	Gravity r3.Vector // world-frame gravity, Z-up convention (0,0,-9.81)
}

// KeyframeState is one bootstrapped keyframe's recovered state,
// mirroring spec.md §3's per-keyframe Output (p, v, q, b_g, b_a).
type KeyframeState struct {
	Stamp    time.Time
	Pose     spatialmath.Pose
	Velocity r3.Vector
	GyroBias r3.Vector
	AccBias  r3.Vector
}

// Output is spec.md §4.4's initializer result.
type Output struct {
	Success     bool
	Gravity     r3.Vector
	Keyframes   []KeyframeState
	Landmarks   map[string]r3.Vector
	Transaction graph.Transaction
}
