package loopclosure

import (
	"github.com/kyroy/kdtree"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/config"
	"github.com/viamrobotics/slam-fusion/submap"
)

// NewCandidateSearcher resolves a spec.md §6 reloc_candidate_search_type
// tag to a CandidateSearcher. EUCDIST is the only type spec.md §6
// defines, so this always returns an EucDistSearcher today; the
// indirection exists so a future candidate-search strategy plugs into
// the same tag-selection slot NewRefiner uses.
func NewCandidateSearcher(kind config.CandidateSearchType, thresholdM float64) (CandidateSearcher, error) {
	switch kind {
	case config.EucDist:
		return NewEucDistSearcher(thresholdM), nil
	default:
		return nil, errUnknownSearcherType(kind)
	}
}

type errUnknownSearcherType config.CandidateSearchType

func (e errUnknownSearcherType) Error() string {
	return "loopclosure: unknown candidate search type " + string(e)
}

// anchorPoint adapts a submap anchor position to kdtree.Point so
// EucDistSearcher can run a KNN query over every archived submap's
// anchor (spec.md §4.6 step 1's default candidate search: "Euclidean
// distance between anchor positions below a threshold").
type anchorPoint struct {
	index int
	x, y, z float64
}

// Dimensions implements kdtree.Point.
func (a *anchorPoint) Dimensions() int { return 3 }

// Dimension implements kdtree.Point.
func (a *anchorPoint) Dimension(i int) float64 {
	switch i {
	case 0:
		return a.x
	case 1:
		return a.y
	default:
		return a.z
	}
}

// EucDistSearcher is the default CandidateSearcher (spec.md §6's
// reloc_candidate_search_type = EUCDIST): submaps whose anchor lies
// within thresholdM of the query anchor, ordered closest-first.
type EucDistSearcher struct {
	thresholdM float64
}

// NewEucDistSearcher constructs the default candidate searcher.
func NewEucDistSearcher(thresholdM float64) *EucDistSearcher {
	return &EucDistSearcher{thresholdM: thresholdM}
}

// Find implements CandidateSearcher.
func (s *EucDistSearcher) Find(submaps []*submap.Submap, queryAnchor spatialmath.Pose) []Candidate {
	if len(submaps) == 0 {
		return nil
	}
	points := make([]kdtree.Point, 0, len(submaps))
	for _, sm := range submaps {
		p := sm.AnchorCurrent.Point()
		points = append(points, &anchorPoint{index: sm.Index, x: p.X, y: p.Y, z: p.Z})
	}
	tree := kdtree.New(points)

	qp := queryAnchor.Point()
	query := &anchorPoint{x: qp.X, y: qp.Y, z: qp.Z}
	neighbors := tree.KNN(query, len(points))

	candidates := make([]Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		ap, ok := n.(*anchorPoint)
		if !ok {
			continue
		}
		d := queryAnchor.Point().Distance(submaps[ap.index].AnchorCurrent.Point())
		if d > s.thresholdM {
			continue
		}
		candidates = append(candidates, Candidate{
			Index:    ap.index,
			Estimate: relativeEstimate(submaps[ap.index].AnchorCurrent, queryAnchor),
		})
	}
	return candidates
}

var _ CandidateSearcher = (*EucDistSearcher)(nil)
