package submap

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/slam-fusion/dataprocess"
)

const submapDirPrefix = "submap_"

// anchorFile mirrors spec.md §6's persisted submap layout: anchor
// pose plus the keyframe trajectory within the submap's span.
type anchorFile struct {
	Index         int             `json:"index"`
	AnchorInitial poseJSON        `json:"anchor_initial"`
	AnchorCurrent poseJSON        `json:"anchor_current"`
	Keypoints     []string        `json:"keypoints"`
	Trajectory    []trajectoryRow `json:"trajectory"`
}

type poseJSON struct {
	Quat [4]float64 `json:"quat"`
	Pos  r3.Vector  `json:"pos"`
}

type trajectoryRow struct {
	StampUnixNano int64    `json:"stamp_unix_nano"`
	Pose          poseJSON `json:"pose"`
}

func toPoseJSON(p spatialmath.Pose) poseJSON {
	q := toQuat(p.Orientation())
	return poseJSON{Quat: [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}, Pos: p.Point()}
}

func fromPoseJSON(pj poseJSON) spatialmath.Pose {
	return spatialmath.NewPoseFromOrientation(pj.Pos, &spatialmath.Quaternion{
		Real: pj.Quat[0], Imag: pj.Quat[1], Jmag: pj.Quat[2], Kmag: pj.Quat[3],
	})
}

// WriteSubmap persists sm under dataDir/submap_<index>/, writing
// anchor.json, trajectory.json and any non-nil point clouds in the
// layout spec.md §6 names, reusing dataprocess's chunked-write
// helpers (CreateTimestampFilename's sibling WriteBytesToFile/
// WritePCDToFile) rather than hand-rolling file I/O.
func WriteSubmap(dataDir string, sm *Submap) error {
	dir := filepath.Join(dataDir, submapDirPrefix+strconv.Itoa(sm.Index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	af := anchorFile{
		Index:         sm.Index,
		AnchorInitial: toPoseJSON(sm.AnchorInitial),
		AnchorCurrent: toPoseJSON(sm.AnchorCurrent),
		Keypoints:     sm.Keypoints,
	}
	for _, kf := range sm.Keyframes {
		af.Trajectory = append(af.Trajectory, trajectoryRow{
			StampUnixNano: kf.Stamp.UnixNano(),
			Pose:          toPoseJSON(kf.Pose),
		})
	}
	buf, err := json.Marshal(af)
	if err != nil {
		return err
	}
	if err := dataprocess.WriteBytesToFile(buf, filepath.Join(dir, "anchor.json")); err != nil {
		return err
	}
	trajBuf, err := json.Marshal(af.Trajectory)
	if err != nil {
		return err
	}
	if err := dataprocess.WriteBytesToFile(trajBuf, filepath.Join(dir, "trajectory.json")); err != nil {
		return err
	}

	clouds := map[string]pointcloud.PointCloud{
		"lidar.pcd":            sm.LidarPoints,
		"edges_strong.pcd":     sm.EdgesStrong,
		"edges_weak.pcd":       sm.EdgesWeak,
		"surfaces_strong.pcd":  sm.SurfacesStrong,
		"surfaces_weak.pcd":    sm.SurfacesWeak,
	}
	for name, cloud := range clouds {
		if cloud == nil {
			continue
		}
		if err := dataprocess.WritePCDToFile(cloud, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadSubmap reads back a submap directory written by WriteSubmap.
func LoadSubmap(dataDir string, index int) (*Submap, error) {
	dir := filepath.Join(dataDir, submapDirPrefix+strconv.Itoa(index))
	buf, err := os.ReadFile(filepath.Join(dir, "anchor.json"))
	if err != nil {
		return nil, err
	}
	var af anchorFile
	if err := json.Unmarshal(buf, &af); err != nil {
		return nil, err
	}

	sm := &Submap{
		Index:         af.Index,
		AnchorInitial: fromPoseJSON(af.AnchorInitial),
		AnchorCurrent: fromPoseJSON(af.AnchorCurrent),
		Keypoints:     af.Keypoints,
	}
	for _, row := range af.Trajectory {
		sm.Keyframes = append(sm.Keyframes, KeyframeRef{
			Stamp: time.Unix(0, row.StampUnixNano),
			Pose:  fromPoseJSON(row.Pose),
		})
	}

	if cloud, err := readPCDIfExists(filepath.Join(dir, "lidar.pcd")); err == nil {
		sm.LidarPoints = cloud
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return sm, nil
}

func readPCDIfExists(path string) (pointcloud.PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return pointcloud.ReadPCD(bytes.NewReader(buf.Bytes()))
}

