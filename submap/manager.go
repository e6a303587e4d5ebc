package submap

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/graph"
)

// GlobalMap owns every archived Submap plus the currently-open one,
// and implements spec.md §4.5's creation and measurement-routing
// rules. Cyclic references are broken by indexing, per spec.md §9:
// submaps hold keyframe stamps, never pointers into the estimator.
type GlobalMap struct {
	cfg Config

	submaps []*Submap
}

// NewGlobalMap constructs an empty GlobalMap.
func NewGlobalMap(cfg Config) *GlobalMap {
	return &GlobalMap{cfg: cfg}
}

// Submaps returns the archived-plus-current submap list, in creation order.
func (gm *GlobalMap) Submaps() []*Submap {
	return gm.submaps
}

// Submap returns the submap at index, or ErrNoSuchSubmap.
func (gm *GlobalMap) Submap(index int) (*Submap, error) {
	if index < 0 || index >= len(gm.submaps) {
		return nil, ErrNoSuchSubmap
	}
	return gm.submaps[index], nil
}

// Observe consults the latest optimized baselink pose and creates a
// new Submap when it exceeds submap_size from both the previous and
// current submap anchor (spec.md §4.5). Returns the InitiateNewSubmapPose
// transaction and true when a submap was created; an empty transaction
// and false otherwise.
func (gm *GlobalMap) Observe(stamp time.Time, pose spatialmath.Pose) (graph.Transaction, bool) {
	_, span := trace.StartSpan(context.Background(), "submap::GlobalMap::Observe")
	defer span.End()

	if len(gm.submaps) == 0 {
		return gm.createSubmap(stamp, pose), true
	}

	current := gm.submaps[len(gm.submaps)-1]
	if withinRadius(pose.Point(), current.AnchorCurrent.Point(), gm.cfg.SubmapSize) {
		return graph.Transaction{}, false
	}
	if len(gm.submaps) >= 2 {
		prev := gm.submaps[len(gm.submaps)-2]
		if withinRadius(pose.Point(), prev.AnchorCurrent.Point(), gm.cfg.SubmapSize) {
			return graph.Transaction{}, false
		}
	}

	return gm.createSubmap(stamp, pose), true
}

func (gm *GlobalMap) createSubmap(stamp time.Time, pose spatialmath.Pose) graph.Transaction {
	index := len(gm.submaps)
	sm := &Submap{
		Index:         index,
		AnchorInitial: pose,
		AnchorCurrent: pose,
		AnchorStamp:   stamp,
		LidarPoints:   pointcloud.NewWithPrealloc(0),
	}
	gm.submaps = append(gm.submaps, sm)

	varID := anchorVariableID(index)
	tx := graph.Transaction{
		VariablesToAdd: []graph.Variable{anchorVariable(varID, pose)},
	}
	info := buildInformation(gm.cfg.LocalMapperCovarianceDiag)
	if index == 0 {
		tx.ConstraintsToAdd = []graph.Constraint{anchorPriorConstraint(varID, pose, info)}
		return tx
	}

	prev := gm.submaps[index-1]
	relative := relativePose(prev.AnchorCurrent, pose)
	tx.ConstraintsToAdd = []graph.Constraint{
		relativeAnchorConstraint(anchorVariableID(index-1), varID, relative, info),
	}
	return tx
}

// AssignSubmap returns the index of the submap a measurement at pose
// should be routed to: the previous submap if both it and the current
// one qualify, otherwise whichever one does (spec.md §8's submap
// assignment invariant). ok is false if neither qualifies (pose is
// further than submap_size from every known anchor).
func (gm *GlobalMap) AssignSubmap(pose spatialmath.Pose) (index int, ok bool) {
	if len(gm.submaps) == 0 {
		return 0, false
	}
	current := gm.submaps[len(gm.submaps)-1]
	currentQualifies := withinRadius(pose.Point(), current.AnchorCurrent.Point(), gm.cfg.SubmapSize)

	if len(gm.submaps) >= 2 {
		prev := gm.submaps[len(gm.submaps)-2]
		if withinRadius(pose.Point(), prev.AnchorCurrent.Point(), gm.cfg.SubmapSize) {
			return prev.Index, true
		}
	}
	if currentQualifies {
		return current.Index, true
	}
	return 0, false
}

// AppendKeyframe records a keyframe reference against the submap it's
// assigned to (spec.md §4.5: "camera measurements... are appended to
// the current submap").
func (gm *GlobalMap) AppendKeyframe(stamp time.Time, pose spatialmath.Pose, landmarkID string) error {
	idx, ok := gm.AssignSubmap(pose)
	if !ok {
		return ErrNoSuchSubmap
	}
	sm := gm.submaps[idx]
	sm.Keyframes = append(sm.Keyframes, KeyframeRef{Stamp: stamp, Pose: pose})
	if landmarkID != "" {
		sm.Keypoints = append(sm.Keypoints, landmarkID)
	}
	return nil
}

// AppendLidarPoints merges cloud's points into the assigned submap's
// accumulated lidar cloud (spec.md §4.5: "lidar measurements...
// arriving between submap anchors are appended to the current
// submap").
func (gm *GlobalMap) AppendLidarPoints(pose spatialmath.Pose, cloud pointcloud.PointCloud) error {
	idx, ok := gm.AssignSubmap(pose)
	if !ok {
		return ErrNoSuchSubmap
	}
	sm := gm.submaps[idx]
	merged := pointcloud.NewWithPrealloc(sm.LidarPoints.Size() + cloud.Size())
	if err := copyCloud(merged, sm.LidarPoints); err != nil {
		return err
	}
	if err := copyCloud(merged, cloud); err != nil {
		return err
	}
	sm.LidarPoints = merged
	return nil
}

func copyCloud(dst, src pointcloud.PointCloud) error {
	if src == nil {
		return nil
	}
	var setErr error
	src.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		if err := dst.Set(p, d); err != nil {
			setErr = err
			return false
		}
		return true
	})
	return setErr
}
