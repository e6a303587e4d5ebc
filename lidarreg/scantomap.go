package lidarreg

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/graph"
)

// mapEntry is one scan folded into the rolling map, kept so trimming
// to map_size can evict the oldest.
type mapEntry struct {
	stamp time.Time
	cloud pointcloud.PointCloud
}

// ScanToMapRegistry implements spec.md §4.3.2: each new scan is
// registered against a rolling point-cloud map built from the most
// recent map_size scans.
type ScanToMapRegistry struct {
	cfg     RegistrationConfig
	matcher Matcher

	entries  []mapEntry
	mapCloud pointcloud.PointCloud

	prevVarID string
	prevPose  spatialmath.Pose
	haveScan  bool
}

// NewScanToMapRegistry constructs an empty rolling-map registry.
func NewScanToMapRegistry(cfg RegistrationConfig, matcher Matcher) *ScanToMapRegistry {
	return &ScanToMapRegistry{cfg: cfg, matcher: matcher}
}

// Register runs spec.md §4.3.2's algorithm for one incoming scan.
func (s *ScanToMapRegistry) Register(stamp time.Time, initialPose spatialmath.Pose, cloud pointcloud.PointCloud) (graph.Transaction, error) {
	_, span := trace.StartSpan(context.Background(), "lidarreg::ScanToMapRegistry::Register")
	defer span.End()

	if cloud == nil || cloud.Size() == 0 {
		return graph.Transaction{}, ErrEmptyCloud
	}

	if s.haveScan {
		transM, rotRad := poseDelta(s.prevPose, initialPose)
		if transM < s.cfg.MinMotionTransM && rotRad < s.cfg.MinMotionRotRad {
			return graph.Transaction{}, ErrBelowMotionThreshold
		}
	}

	varID := scanVariableID(stamp)
	tx := graph.Transaction{
		VariablesToAdd: []graph.Variable{poseVariable(varID, initialPose)},
	}

	if s.mapCloud == nil {
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, priorConstraint("lidar_prior_"+varID, varID, initialPose, buildInformation(nil, s.cfg)))
	} else {
		s.matcher.SetRef(s.mapCloud)
		s.matcher.SetTarget(cloud)
		if !s.matcher.Match(initialPose) {
			return graph.Transaction{}, ErrAllNeighborsOutliers
		}
		result := s.matcher.Result()
		transM, rotRad := poseDelta(initialPose, result.RelativePose)
		if transM > s.cfg.OutlierThresholdT || rotRad > s.cfg.OutlierThresholdR {
			return graph.Transaction{}, ErrAllNeighborsOutliers
		}
		// T_map_scan · T_map_prev^{-1}: the relative transform between
		// the new pose variable and the previous kept pose variable
		// (spec.md §4.3.2 step 2). The rolling map is itself expressed
		// in the world frame (scans are folded in using their world-
		// frame estimates), so the matcher's T_map_scan doubles as the
		// new scan's world-frame pose here.
		relToPrev := relativePoseGuess(s.prevPose, result.RelativePose)
		cid := "lidar_rel_" + s.prevVarID + "_" + varID
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, relativePoseConstraint(
			cid, s.prevVarID, varID, relToPrev, buildInformation(result.Information, s.cfg), "lidar_reg_scantomap"))
	}

	s.entries = append(s.entries, mapEntry{stamp: stamp, cloud: cloud})
	if s.cfg.MapSize > 0 {
		for len(s.entries) > s.cfg.MapSize {
			s.entries = s.entries[1:]
		}
	}
	s.rebuildMap()

	s.prevVarID = varID
	s.prevPose = initialPose
	s.haveScan = true

	return tx, nil
}

// rebuildMap recomputes the rolling map cloud as the union of kept
// scans. Each scan is already expressed in the map frame by the
// caller's world-frame pose estimates upstream (spec.md §4.3.2:
// "transformed into the map frame").
func (s *ScanToMapRegistry) rebuildMap() {
	total := 0
	for _, e := range s.entries {
		total += e.cloud.Size()
	}
	out := pointcloud.NewWithPrealloc(total)
	for _, e := range s.entries {
		e.cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
			return out.Set(p, d) == nil
		})
	}
	s.mapCloud = out
}
