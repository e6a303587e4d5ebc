// Package lidarreg implements spec.md §4.3's lidar registration:
// multi-scan (window) registration against recent neighbors, and
// scan-to-map registration against a rolling local point-cloud map.
// Both produce graph.Transactions carrying relative-pose constraints.
//
// Grounded on the teacher's single mutex-protected "current scan"
// bookkeeping (sensorprocess/lidarsensorprocess.go) generalized into
// an explicit sliding window, and on spec.md §9's Matcher capability
// set ({set_ref, set_target, match, result, info}) modeled the same
// way visual.FeatureTracker abstracts pixel tracking — actual point
// cloud registration (ICP/GICP/NDT/feature matching) has no grounded
// in-pack dependency, so it is a collaborator interface with a fake
// reference implementation for tests.
package lidarreg

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrEmptyCloud is returned (and the scan refused) when a new scan's
// point cloud has zero points (spec.md §4.3.1 gating (a)).
var ErrEmptyCloud = errors.New("lidarreg: scan has an empty point cloud")

// ErrBelowMotionThreshold is returned when a new scan's pose delta
// from the previous kept scan is below both motion thresholds
// (spec.md §4.3.1 gating (b)).
var ErrBelowMotionThreshold = errors.New("lidarreg: scan motion below min_motion thresholds")

// ErrAllNeighborsOutliers is returned when every neighbor/map match
// was rejected as an outlier (spec.md §4.3.1 gating (c)).
var ErrAllNeighborsOutliers = errors.New("lidarreg: every candidate match rejected as an outlier")

// MatchResult is what a Matcher reports after Match succeeds.
type MatchResult struct {
	RelativePose spatialmath.Pose // target expressed in ref's frame
	Information  *mat.SymDense    // nil means "use the configured default"
}

// Matcher is spec.md §9's polymorphic lidar registration collaborator:
// {set_ref, set_target, match, result, info}. Implementations wrap a
// specific algorithm (ICP, GICP, NDT, LOAM feature matching); runtime
// selection is by tag string loaded from configuration
// (config.RefinementType), never by an inheritance tree.
type Matcher interface {
	SetRef(cloud pointcloud.PointCloud)
	SetTarget(cloud pointcloud.PointCloud)
	// Match attempts registration given an initial relative-pose guess
	// (ref frame to target frame) and reports success.
	Match(initialGuess spatialmath.Pose) bool
	// Result returns the refined relative pose after a successful Match.
	Result() MatchResult
}

// ScanPose is one entry in a registration window: a lidar scan plus
// the pose variable tracking it in the estimator.
type ScanPose struct {
	VariableID string
	Stamp      time.Time
	Pose       spatialmath.Pose // current world-frame estimate, used only to seed initial guesses
	Cloud      pointcloud.PointCloud
}

// poseDelta reports the translation (m) and rotation-angle (rad)
// magnitude between two poses, used by the motion-gating checks in
// both registration flavors (spec.md §4.3.1 gating (b)).
func poseDelta(a, b spatialmath.Pose) (transM float64, rotRad float64) {
	transM = a.Point().Distance(b.Point())

	qa := toQuat(a.Orientation())
	qb := toQuat(b.Orientation())
	qRel := quat.Mul(quat.Conj(qa), qb)
	// clamp for acos safety against fp drift on a near-unit quaternion.
	w := qRel.Real
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	rotRad = 2 * math.Acos(math.Abs(w))
	return transM, rotRad
}

func toQuat(o spatialmath.Orientation) quat.Number {
	q := o.Quaternion()
	return quat.Number{Real: q.Real, Imag: q.Imag, Jmag: q.Jmag, Kmag: q.Kmag}
}

func scanVariableID(stamp time.Time) string {
	return "lidar_pose@" + stamp.UTC().Format(time.RFC3339Nano)
}

// RegistrationConfig bundles the spec.md §6 keys both registration
// flavors share.
type RegistrationConfig struct {
	NumNeighbors      int
	MapSize           int
	OutlierThresholdT float64
	OutlierThresholdR float64
	MinMotionTransM   float64
	MinMotionRotRad   float64
	FixFirstScan      bool
	LagDuration       float64 // seconds; 0 means never drop

	// CovarianceDiag, if non-zero, is used directly as a fixed
	// configured covariance diagonal (local_mapper_covariance_diag).
	// Otherwise NoiseDiagonal (matcher_noise_diagonal) is used the same
	// way as the fallback diagonal, per spec.md §4.3's covariance options.
	CovarianceDiag [6]float64
	NoiseDiagonal  [6]float64
}

// buildInformation picks the constraint's covariance per spec.md §4.3:
// the inverse of the matcher's own reported information takes
// precedence, then the fixed configured diagonal, then the
// noise-diagonal fallback.
func buildInformation(matcherInfo *mat.SymDense, cfg RegistrationConfig) *mat.SymDense {
	if matcherInfo != nil {
		var cov mat.SymDense
		if err := cov.InverseSym(matcherInfo); err == nil {
			return &cov
		}
	}
	diag := cfg.CovarianceDiag
	if diag == ([6]float64{}) {
		diag = cfg.NoiseDiagonal
	}
	if diag == ([6]float64{}) {
		return nil
	}
	info := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		info.SetSym(i, i, diag[i])
	}
	return info
}
