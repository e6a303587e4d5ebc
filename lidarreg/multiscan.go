package lidarreg

import (
	"context"
	"time"

	"go.opencensus.io/trace"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/slam-fusion/graph"
)

// MultiScanWindow implements spec.md §4.3.1: each new scan is
// registered against its most recent num_neighbors window entries.
type MultiScanWindow struct {
	cfg     RegistrationConfig
	matcher Matcher

	window      []ScanPose
	havePrior   bool
	haveAnyScan bool
}

// NewMultiScanWindow constructs an empty registration window.
func NewMultiScanWindow(cfg RegistrationConfig, matcher Matcher) *MultiScanWindow {
	return &MultiScanWindow{cfg: cfg, matcher: matcher}
}

// Register runs spec.md §4.3.1's algorithm for one incoming scan,
// returning the resulting Transaction. A gated scan (refused entirely)
// returns a zero Transaction and the gating error.
func (w *MultiScanWindow) Register(stamp time.Time, initialPose spatialmath.Pose, cloud pointcloud.PointCloud) (graph.Transaction, error) {
	_, span := trace.StartSpan(context.Background(), "lidarreg::MultiScanWindow::Register")
	defer span.End()

	if cloud == nil || cloud.Size() == 0 {
		return graph.Transaction{}, ErrEmptyCloud
	}

	if w.haveAnyScan {
		prev := w.window[len(w.window)-1]
		transM, rotRad := poseDelta(prev.Pose, initialPose)
		if transM < w.cfg.MinMotionTransM && rotRad < w.cfg.MinMotionRotRad {
			return graph.Transaction{}, ErrBelowMotionThreshold
		}
	}

	varID := scanVariableID(stamp)
	newScan := ScanPose{VariableID: varID, Stamp: stamp, Pose: initialPose, Cloud: cloud}

	tx := graph.Transaction{
		VariablesToAdd: []graph.Variable{poseVariable(varID, initialPose)},
	}

	if (w.cfg.FixFirstScan && !w.haveAnyScan) || (len(w.window) == 0 && !w.havePrior) {
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, priorConstraint("lidar_prior_"+varID, varID, initialPose, buildInformation(nil, w.cfg)))
		w.havePrior = true
	}

	start := len(w.window) - w.cfg.NumNeighbors
	if start < 0 {
		start = 0
	}
	neighbors := w.window[start:]

	accepted := 0
	for i := len(neighbors) - 1; i >= 0; i-- {
		neighbor := neighbors[i]
		w.matcher.SetRef(neighbor.Cloud)
		w.matcher.SetTarget(cloud)

		initialGuess := relativePoseGuess(neighbor.Pose, initialPose)
		if !w.matcher.Match(initialGuess) {
			continue
		}
		result := w.matcher.Result()
		transM, rotRad := poseDelta(initialGuess, result.RelativePose)
		if transM > w.cfg.OutlierThresholdT || rotRad > w.cfg.OutlierThresholdR {
			continue
		}
		cid := "lidar_rel_" + neighbor.VariableID + "_" + varID
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, relativePoseConstraint(
			cid, neighbor.VariableID, varID, result.RelativePose, buildInformation(result.Information, w.cfg), "lidar_reg_multiscan"))
		accepted++
	}

	if len(neighbors) > 0 && accepted == 0 {
		return graph.Transaction{}, ErrAllNeighborsOutliers
	}

	w.window = append(w.window, newScan)
	w.haveAnyScan = true
	w.dropExpired(stamp)

	return tx, nil
}

func (w *MultiScanWindow) dropExpired(now time.Time) {
	if w.cfg.LagDuration <= 0 {
		return
	}
	kept := w.window[:0]
	for _, s := range w.window {
		if now.Sub(s.Stamp).Seconds() <= w.cfg.LagDuration {
			kept = append(kept, s)
		}
	}
	w.window = kept
}

// relativePoseGuess computes an initial relative-pose estimate (ref
// frame to target frame) from world-frame pose estimates, the seed
// spec.md §4.3.1 step 2 feeds to the matcher.
func relativePoseGuess(ref, target spatialmath.Pose) spatialmath.Pose {
	qRef := toQuat(ref.Orientation())
	qTarget := toQuat(target.Orientation())
	relQ := quat.Mul(quat.Conj(qRef), qTarget)
	relT := rotateVectorLocal(quat.Conj(qRef), target.Point().Sub(ref.Point()))
	return spatialmath.NewPoseFromOrientation(relT, &spatialmath.Quaternion{Real: relQ.Real, Imag: relQ.Imag, Jmag: relQ.Jmag, Kmag: relQ.Kmag})
}
