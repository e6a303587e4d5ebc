// Package graph defines the transactional factor-graph estimator
// interface the SLAM back-end's front-ends feed (spec.md §3, §4): a
// nonlinear-least-squares solver is an external collaborator in
// production (spec.md §1), so this package supplies the capability
// interface it must satisfy (Graph) plus one small in-memory
// Gauss-Newton implementation used by the package's own tests and by
// the trajectory initializer's bounded local optimization.
//
// Grounded on the teacher's single-writer serialized access to an
// opaque external estimator (cartofacade's queue-backed request/
// response channel), generalized here from "one C++ call at a time"
// to "one Transaction applied at a time."
package graph

import (
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Variable is one optimizable parameter block, identified by a
// producer-chosen stable ID (spec.md's "variables keyed by (type,
// stamp)" generalizes here to any string identity, including
// landmark UUIDs which are keyed by id rather than stamp).
type Variable struct {
	ID    string
	Kind  string // e.g. "pose", "velocity", "bias", "landmark"
	Value []float64
}

// Clone returns a deep copy of v.
func (v Variable) Clone() Variable {
	val := make([]float64, len(v.Value))
	copy(val, v.Value)
	return Variable{ID: v.ID, Kind: v.Kind, Value: val}
}

// ResidualFunc computes a constraint's residual and per-variable
// Jacobian blocks given the current value of each of its variables,
// in the same order as Constraint.VariableIDs.
type ResidualFunc func(values [][]float64) (residual []float64, jacobians [][]float64)

// Constraint ties one or more Variables together with a residual
// function and an information-weighted covariance (spec.md §3's
// "constraints referring to variable IDs... each constraint carries a
// source tag and covariance").
type Constraint struct {
	ID          string
	VariableIDs []string
	Residual    ResidualFunc
	Covariance  *mat.SymDense // nil means identity information
	Source      string        // e.g. "imu_preint", "reprojection", "lidar_reg", "loop_closure"
}

// Transaction is an atomic batch of variable additions, constraint
// additions, and override flags submitted to the estimator (spec.md
// §3, §9's override semantics).
type Transaction struct {
	VariablesToAdd      []Variable
	ConstraintsToAdd    []Constraint
	OverrideVariables   bool
	OverrideConstraints bool
}

// Empty reports whether tx has nothing to apply (spec.md §3: "empty
// transactions are equivalent to no-op").
func (tx Transaction) Empty() bool {
	return len(tx.VariablesToAdd) == 0 && len(tx.ConstraintsToAdd) == 0
}

// Merge appends other's additions onto tx's, preserving tx's override
// flags. Used by producers (e.g. loop closure) that fold several
// candidates' results into a single Transaction (spec.md §4.6: "Multiple
// successful loops are merged into one Transaction").
func (tx *Transaction) Merge(other Transaction) {
	tx.VariablesToAdd = append(tx.VariablesToAdd, other.VariablesToAdd...)
	tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, other.ConstraintsToAdd...)
}

// ErrUnknownVariable is returned when a constraint references a
// variable ID the graph does not know about.
var ErrUnknownVariable = errors.New("graph: constraint references unknown variable")

// ErrNotConverged is returned by Optimize when the iteration or
// wall-clock budget runs out before the solver converges; the graph's values still
// reflect the best iterate found.
var ErrNotConverged = errors.New("graph: optimization did not converge within budget")

// Graph is the transactional estimator interface (spec.md §3): add
// variables, add constraints, request optimization, and publish
// post-optimization values. Implementations must serialize all
// mutating calls (spec.md §5: "the estimator serializes all graph
// mutations").
type Graph interface {
	// Apply commits tx atomically. With OverrideVariables/
	// OverrideConstraints set, pre-existing variables/constraints of
	// identical ID are replaced rather than duplicated (spec.md §9).
	Apply(tx Transaction) error

	// Optimize runs the nonlinear solve to convergence or until
	// budget elapses, whichever comes first.
	Optimize(budget Budget) error

	// Value returns the current value of variable id.
	Value(id string) ([]float64, bool)

	// Covariance returns the marginal covariance of variable id, if
	// the implementation supports covariance recovery.
	Covariance(id string) (*mat.SymDense, bool)

	// RemoveVariable drops a variable and every constraint that
	// references it, e.g. when a Keyframe slides out of the window.
	RemoveVariable(id string) error

	// FixVariable pins a variable at its current value during
	// Optimize (spec.md §4.3's fix_first_scan, §4.4's local-graph
	// prior-free first state).
	FixVariable(id string, fixed bool) error
}

// Budget bounds a single Optimize call (spec.md §4.4's "bounded
// wall-clock budget", default 5s; §6's max_optimization_s).
type Budget struct {
	MaxIterations int
	MaxSeconds    float64
}

// graphState is the shared mutable state guarded by mu, reused by
// both InMemoryGraph and any future alternate Graph implementation
// that wants the same bookkeeping.
type graphState struct {
	mu          sync.Mutex
	variables   map[string]Variable
	fixed       map[string]bool
	constraints map[string]Constraint
	covariance  map[string]*mat.SymDense
}

func newGraphState() *graphState {
	return &graphState{
		variables:   make(map[string]Variable),
		fixed:       make(map[string]bool),
		constraints: make(map[string]Constraint),
		covariance:  make(map[string]*mat.SymDense),
	}
}
