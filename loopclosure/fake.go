package loopclosure

import (
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/submap"
)

// FakeCandidateSearcher is a scripted CandidateSearcher test double,
// mirroring FakeRefiner and the established lidarreg.FakeMatcher/
// visual.FakeTracker pattern: tests wire up exactly the candidates a
// scenario needs instead of depending on kdtree's real Euclidean
// search.
type FakeCandidateSearcher struct {
	Candidates []Candidate
}

// Find implements CandidateSearcher by returning the scripted list
// unconditionally.
func (f *FakeCandidateSearcher) Find(_ []*submap.Submap, _ spatialmath.Pose) []Candidate {
	return f.Candidates
}

var _ CandidateSearcher = (*FakeCandidateSearcher)(nil)
