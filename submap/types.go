// Package submap implements spec.md §4.5's submap manager and global
// map: chunking the optimized trajectory into fixed-spatial submaps,
// routing keyframe/scan measurements to the current submap, and
// persisting a submap's contents in the directory layout spec.md §6
// describes.
//
// Grounded on dataprocess/dataprocess.go's chunked-file writers
// (CreateTimestampFilename, WritePCDToFile, WriteBytesToFile) adapted
// from a single flat data directory to the per-submap subdirectory
// layout; the anchor/relative-pose constraint residuals reuse
// lidarreg's quaternion-retraction style.
package submap

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
)

// ErrNoSuchSubmap is returned when an index or stamp doesn't resolve
// to a known submap.
var ErrNoSuchSubmap = errors.New("submap: no such submap")

// KeyframeRef is the slice of a Keyframe a Submap needs: enough to
// list which stamps belong to it without duplicating the estimator's
// own keyframe storage (spec.md §3's ownership note: "a Submap owns
// references to Keyframes whose stamp falls in its window").
type KeyframeRef struct {
	Stamp time.Time
	Pose  spatialmath.Pose
}

// Config bundles the spec.md §6 keys this package needs.
type Config struct {
	SubmapSize               float64
	LocalMapperCovarianceDiag [6]float64
	StoreFullCloud            bool
	DownsampleSize            float64
}

// Submap is a spatially bounded chunk of the trajectory (spec.md §3):
// an anchor pose (initial, never mutated, and current, refined by
// loop closure), the keyframes within its temporal span, and its
// accumulated lidar points and visual keypoint ids.
type Submap struct {
	Index int

	AnchorInitial spatialmath.Pose
	AnchorCurrent spatialmath.Pose
	AnchorStamp   time.Time

	Keyframes []KeyframeRef

	LidarPoints     pointcloud.PointCloud
	EdgesStrong     pointcloud.PointCloud
	EdgesWeak       pointcloud.PointCloud
	SurfacesStrong  pointcloud.PointCloud
	SurfacesWeak    pointcloud.PointCloud
	Keypoints       []string // visual landmark ids observed within this submap

	postprocessLog []postprocessStep
}

type postprocessStep struct {
	before pointcloud.PointCloud
}

func anchorVariableID(index int) string {
	return fmt.Sprintf("submap_anchor@%d", index)
}

// AnchorVariableID returns the graph variable ID this package uses for
// a submap's anchor pose, so external callers (loopclosure's engine,
// spec.md §4.6) can reference it without reaching into package
// internals.
func AnchorVariableID(index int) string {
	return anchorVariableID(index)
}

// withinRadius reports whether p is within radius meters of center.
func withinRadius(p, center r3.Vector, radius float64) bool {
	return p.Distance(center) <= radius
}
