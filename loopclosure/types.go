// Package loopclosure implements spec.md §4.6's loop-closure engine
// and §4.7's relocalization: for each newly completed submap, search
// for prior submaps it might revisit, refine the candidate alignment,
// and emit a pose-graph constraint when refinement succeeds.
//
// Grounded on the teacher's tag-string runtime selection
// (cartofacade's SubAlgo/Dim2d choice of algorithm by string, not
// type) for CandidateSearcher/Refiner, and on
// lidarreg.Matcher/visual.FeatureTracker's capability-set-plus-fake
// pattern for the same reason neither of those packages implements a
// real point-cloud algorithm: no pack dependency grounds ICP/GICP/
// NDT/LOAM, so the actual refinement implementation lives outside
// this module's scope (spec.md §9: "Polymorphic matchers / refiners /
// candidate searchers are modelled as small capability sets").
package loopclosure

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/submap"
)

// ErrRefinementFailed is returned by a Refiner when it diverges or
// cannot align the two submaps (spec.md §4.6: "the matcher reports
// divergence").
var ErrRefinementFailed = errors.New("loopclosure: refinement failed")

// ErrNoRelocMatch is returned by Relocalize when no offline or online
// submap refines successfully against the request.
var ErrNoRelocMatch = errors.New("loopclosure: no submap matched relocalization request")

// Candidate is one (match_index, estimate) pair a CandidateSearcher
// proposes, ordered by likelihood (closest first for the default
// Euclidean searcher).
type Candidate struct {
	Index    int
	Estimate spatialmath.Pose
}

// CandidateSearcher implements spec.md §9's capability set:
// find(submaps, query_anchor) -> list<(index, T_estimate)>.
type CandidateSearcher interface {
	Find(submaps []*submap.Submap, queryAnchor spatialmath.Pose) []Candidate
}

// Refiner implements spec.md §9's capability set:
// refine(submap_match, submap_query, T_init) -> T_refined | Failure.
type Refiner interface {
	Refine(match, query *submap.Submap, initial spatialmath.Pose) (spatialmath.Pose, error)
}

// Config bundles the spec.md §6 keys this package needs.
type Config struct {
	EucDistThresholdM      float64
	MaxTransformNormChange float64
	RelocCovarianceDiag    [6]float64
}

// pairKey identifies a (match, query) submap pair for the "at most
// one constraint per pair per submap lifetime" invariant (spec.md §8).
type pairKey struct {
	match, query int
}
