// Package postprocess implements manual postprocessing commands against
// a submap's persisted lidar cloud (spec.md's supplemented features,
// SPEC_FULL.md §12), adapted from the teacher's flat-map postprocessor
// to operate on a pointcloud.PointCloud directly rather than round
// tripping through a PCD byte buffer.
package postprocess

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
)

// Instruction describes the action a postprocess Task performs.
type Instruction int

const (
	// Add is the instruction for adding points.
	Add Instruction = iota
	// Remove is the instruction for removing points within removalRadius
	// of each of the task's points.
	Remove
)

const (
	fullConfidence = 100
	removalRadius  = 100 // mm, matches the units of the teacher's lidar clouds
	xKey           = "X"
	yKey           = "Y"

	// ToggleCommand turns postprocessing on and off for a submap.
	ToggleCommand = "postprocess_toggle"
	// AddCommand adds points to a submap's persisted cloud.
	AddCommand = "postprocess_add"
	// RemoveCommand removes points from a submap's persisted cloud.
	RemoveCommand = "postprocess_remove"
	// UndoCommand undoes the submap's last postprocessing step.
	UndoCommand = "postprocess_undo"
)

var (
	errPointsNotASlice = errors.New("could not parse provided points as a slice")
	errPointNotAMap    = errors.New("could not parse provided point as a map")
	errXNotProvided    = errors.New("x not provided")
	errXNotFloat64     = errors.New("could not parse provided x as a float64")
	errYNotProvided    = errors.New("y not provided")
	errYNotFloat64     = errors.New("could not parse provided y as a float64")
	errRemovingPoints  = errors.New("unexpected number of points after removal")
)

// Task is one postprocessing step: add or remove the given points from
// a submap's lidar cloud.
type Task struct {
	Instruction Instruction
	Points      []r3.Vector
}

// ParseDoCommand parses a DoCommand's unstructured point list into a Task.
func ParseDoCommand(unstructuredPoints interface{}, instruction Instruction) (Task, error) {
	pointSlice, ok := unstructuredPoints.([]interface{})
	if !ok {
		return Task{}, errPointsNotASlice
	}

	task := Task{Instruction: instruction}
	for _, point := range pointSlice {
		pointMap, ok := point.(map[string]interface{})
		if !ok {
			return Task{}, errPointNotAMap
		}

		x, ok := pointMap[xKey]
		if !ok {
			return Task{}, errXNotProvided
		}
		xFloat, ok := x.(float64)
		if !ok {
			return Task{}, errXNotFloat64
		}

		y, ok := pointMap[yKey]
		if !ok {
			return Task{}, errYNotProvided
		}
		yFloat, ok := y.(float64)
		if !ok {
			return Task{}, errYNotFloat64
		}

		task.Points = append(task.Points, r3.Vector{X: xFloat, Y: yFloat})
	}
	return task, nil
}

// Apply runs tasks, in order, against cloud and returns the resulting
// cloud. cloud is left unmodified; each step produces a fresh
// pointcloud.PointCloud so an UndoCommand can restore the prior result.
func Apply(cloud pointcloud.PointCloud, tasks []Task) (pointcloud.PointCloud, error) {
	current := cloud
	for _, task := range tasks {
		var next pointcloud.PointCloud
		var err error
		switch task.Instruction {
		case Add:
			next, err = applyAdd(current, task.Points)
		case Remove:
			next, err = applyRemove(current, task.Points)
		}
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func applyAdd(cloud pointcloud.PointCloud, points []r3.Vector) (pointcloud.PointCloud, error) {
	out := pointcloud.NewWithPrealloc(cloud.Size() + len(points))
	copyErr := cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		return out.Set(p, d) == nil
	})
	_ = copyErr
	for _, point := range points {
		// Viam expects confidence encoded in the blue channel of an RGB
		// point, on a 1-100 scale.
		if err := out.Set(point, pointcloud.NewColoredData(color.NRGBA{B: fullConfidence, R: math.MaxUint8})); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyRemove(cloud pointcloud.PointCloud, points []r3.Vector) (pointcloud.PointCloud, error) {
	out := pointcloud.NewWithPrealloc(cloud.Size())
	pointsVisited := 0
	cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		pointsVisited++
		for _, rp := range points {
			if rp.Distance(p) <= removalRadius {
				return true
			}
		}
		return out.Set(p, d) == nil
	})
	if cloud.Size() != pointsVisited {
		return nil, errRemovingPoints
	}
	return out, nil
}
