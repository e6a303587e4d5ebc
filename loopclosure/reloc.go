package loopclosure

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/submap"
)

// Relocalizer implements spec.md §4.7's relocalization: given a live
// query submap, search prior offline (previously saved, different
// coordinate frame) submaps first, then online (this run's) submaps,
// and return the pose of the first submap that refines successfully.
type Relocalizer struct {
	refiner Refiner

	mu              sync.Mutex
	active          int
	haveActive      bool
	offlineAligned  bool
	worldLMFromOFF  spatialmath.Pose
}

// NewRelocalizer constructs a Relocalizer using refiner to test each
// candidate submap.
func NewRelocalizer(refiner Refiner) *Relocalizer {
	return &Relocalizer{refiner: refiner}
}

// Result is the outcome of a successful Relocalize call.
type Result struct {
	// SubmapIndex is the Index field of the submap that refined
	// successfully, whichever list (offline or online) it came from.
	SubmapIndex int
	// Offline is true when the match came from the offline list, in
	// which case Pose is already expressed in the online/live-map
	// frame via the cached alignment transform.
	Offline bool
	// Pose is query's pose in the live-map world frame.
	Pose spatialmath.Pose
	// NoUpdate is true when the match resolved to the submap already
	// considered active: spec.md §4.7's "no update" case.
	NoUpdate bool
}

// Relocalize searches offlineSubmaps then onlineSubmaps, in order,
// attempting to refine query against each with initial estimate
// queryEstimate, and returns the first success.
func (r *Relocalizer) Relocalize(offlineSubmaps, onlineSubmaps []*submap.Submap, query *submap.Submap, queryEstimate spatialmath.Pose) (Result, error) {
	_, span := trace.StartSpan(context.Background(), "loopclosure::Relocalizer::Relocalize")
	defer span.End()

	var errs error

	for _, match := range offlineSubmaps {
		refined, err := r.refiner.Refine(match, query, queryEstimate)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		r.mu.Lock()
		if !r.offlineAligned {
			r.worldLMFromOFF = relativeEstimate(match.AnchorCurrent, refined)
			r.offlineAligned = true
		}
		aligned := relativeEstimate(r.worldLMFromOFF, refined)
		r.mu.Unlock()

		return r.finish(match.Index, true, aligned), nil
	}

	for _, match := range onlineSubmaps {
		refined, err := r.refiner.Refine(match, query, queryEstimate)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		return r.finish(match.Index, false, refined), nil
	}

	if errs != nil {
		return Result{}, errors.Wrap(ErrNoRelocMatch, errs.Error())
	}
	return Result{}, ErrNoRelocMatch
}

func (r *Relocalizer) finish(index int, offline bool, pose spatialmath.Pose) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	noUpdate := !offline && r.haveActive && r.active == index
	r.active = index
	r.haveActive = true

	return Result{SubmapIndex: index, Offline: offline, Pose: pose, NoUpdate: noUpdate}
}
