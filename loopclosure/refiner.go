package loopclosure

import (
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/config"
	"github.com/viamrobotics/slam-fusion/submap"
)

// NewRefiner resolves a spec.md §6 reloc_refinement_type tag
// (config.ICP/GICP/NDT/LOAM) to a Refiner — the same tag-string
// runtime-selection pattern lidarreg.RegistrationConfig and
// visual.Config use for their own capability sets. None of ICP, GICP,
// NDT, or LOAM are grounded in the pack's dependency surface (no pack
// repo imports a point-cloud registration library beyond the
// FakeMatcher precedent in lidarreg), so every tag currently resolves
// to FakeRefiner; a real implementation is future work wired into
// exactly this slot.
func NewRefiner(kind config.RefinementType) (Refiner, error) {
	switch kind {
	case config.ICP, config.GICP, config.NDT, config.LOAM:
		return NewFakeRefiner(), nil
	default:
		return nil, errUnknownRefinerType(kind)
	}
}

type errUnknownRefinerType config.RefinementType

func (e errUnknownRefinerType) Error() string {
	return "loopclosure: unknown refiner type " + string(e)
}

// FakeRefiner is a scripted Refiner test double, mirroring
// lidarreg.FakeMatcher and visual.FakeTracker's established pattern.
type FakeRefiner struct {
	// Responses maps a (match,query) index pair to a scripted outcome.
	// A pair absent from the map succeeds by returning initial unchanged.
	Responses map[[2]int]FakeRefinerResponse
}

// FakeRefinerResponse is one scripted outcome for FakeRefiner.Refine.
type FakeRefinerResponse struct {
	Pose spatialmath.Pose
	Err  error
}

// NewFakeRefiner constructs an empty FakeRefiner that succeeds,
// echoing the initial estimate, for every pair unless scripted.
func NewFakeRefiner() *FakeRefiner {
	return &FakeRefiner{Responses: map[[2]int]FakeRefinerResponse{}}
}

// Refine implements Refiner.
func (f *FakeRefiner) Refine(match, query *submap.Submap, initial spatialmath.Pose) (spatialmath.Pose, error) {
	key := [2]int{match.Index, query.Index}
	if resp, ok := f.Responses[key]; ok {
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Pose, nil
	}
	return initial, nil
}

var _ Refiner = (*FakeRefiner)(nil)
