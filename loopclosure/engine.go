package loopclosure

import (
	"context"
	"math"

	priorityqueue "github.com/kyroy/priority-queue"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
	"github.com/viamrobotics/slam-fusion/internal/ratelog"
	"github.com/viamrobotics/slam-fusion/submap"
)

// Engine runs spec.md §4.6's loop-closure search-refine-emit loop over
// a GlobalMap each time a submap completes.
type Engine struct {
	cfg      Config
	searcher CandidateSearcher
	refiner  Refiner
	limiter  *ratelog.Limiter

	seen map[pairKey]bool
}

// NewEngine constructs a loop-closure engine. searcher and refiner are
// the capability-set implementations selected at runtime (spec.md §9);
// pass NewEucDistSearcher and a Refiner from NewRefiner for the
// default configuration. Repeated refinement-failure/divergence
// warnings collapse to one per kind per second (spec.md §7) via
// internal/ratelog.
func NewEngine(cfg Config, searcher CandidateSearcher, refiner Refiner, logger logging.Logger) *Engine {
	return &Engine{cfg: cfg, searcher: searcher, refiner: refiner, limiter: ratelog.New(logger), seen: map[pairKey]bool{}}
}

// refinedCandidate is one candidate that survived refinement, queued
// so the most confident (smallest transform change) constraints are
// applied first when several candidates close in the same submap.
type refinedCandidate struct {
	matchIndex int
	pose       spatialmath.Pose
}

// ProcessSubmap runs the full spec.md §4.6 pipeline for a newly
// completed query submap against every other submap in the map: find
// candidates, drop adjacent-index ones, refine survivors, order the
// successful refinements by confidence, and merge them into a single
// transaction, honoring the one-constraint-per-pair invariant.
func (e *Engine) ProcessSubmap(gm *submap.GlobalMap, queryIndex int) graph.Transaction {
	_, span := trace.StartSpan(context.Background(), "loopclosure::Engine::ProcessSubmap")
	defer span.End()

	var tx graph.Transaction

	query, err := gm.Submap(queryIndex)
	if err != nil {
		return tx
	}

	candidates := e.searcher.Find(gm.Submaps(), query.AnchorCurrent)
	queue := priorityqueue.NewPriorityQueue()

	for _, cand := range candidates {
		if cand.Index == queryIndex || abs(cand.Index-queryIndex) <= 1 {
			continue
		}
		key := pairKey{match: cand.Index, query: queryIndex}
		if e.seen[key] {
			continue
		}

		match, err := gm.Submap(cand.Index)
		if err != nil {
			continue
		}

		refined, err := e.refiner.Refine(match, query, cand.Estimate)
		if err != nil {
			e.limiter.Warnf("loop_closure_refinement_failed", "loop closure: refinement failed for match %d query %d: %v", cand.Index, queryIndex, err)
			continue
		}

		change := transformNormChange(cand.Estimate, refined)
		if change > e.cfg.MaxTransformNormChange {
			e.limiter.Warnf("loop_closure_diverged", "loop closure: refinement for match %d query %d diverged too far from estimate", cand.Index, queryIndex)
			continue
		}

		// Lower change means higher confidence; negate so the queue's
		// max-priority pop order visits the most confident match first.
		queue.Insert(refinedCandidate{matchIndex: cand.Index, pose: refined}, -change)
	}

	info := buildInformation(e.cfg.RelocCovarianceDiag)
	for queue.Len() > 0 {
		item := queue.Pop().Value.(refinedCandidate)
		key := pairKey{match: item.matchIndex, query: queryIndex}
		if e.seen[key] {
			continue
		}
		cons := relativeConstraint(submap.AnchorVariableID(item.matchIndex), submap.AnchorVariableID(queryIndex), item.pose, info)
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, cons)
		e.seen[key] = true
	}

	return tx
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// transformNormChange measures how far a Refiner moved away from its
// initial estimate, combining translation (meters) and a first-order
// rotation-angle term (radians) into a single scalar the engine
// compares against MaxTransformNormChange.
func transformNormChange(initial, refined spatialmath.Pose) float64 {
	dt := initial.Point().Distance(refined.Point())

	qi := toQuat(initial.Orientation())
	qr := toQuat(refined.Orientation())
	qErr := quat.Mul(quat.Conj(qi), qr)
	if qErr.Real < 0 {
		qErr = quat.Scale(-1, qErr)
	}
	dtheta := 2 * math.Sqrt(qErr.Imag*qErr.Imag+qErr.Jmag*qErr.Jmag+qErr.Kmag*qErr.Kmag)

	return dt + dtheta
}
