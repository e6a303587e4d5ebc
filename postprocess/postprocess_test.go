package postprocess

import (
	"fmt"
	"image/color"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/test"
)

type testCase struct {
	msg string
	cmd interface{}
	err error
}

func TestParseDoCommand(t *testing.T) {
	for _, tc := range []testCase{
		{
			msg: "errors if unstructuredPoints is not a slice",
			cmd: "hello",
			err: errPointsNotASlice,
		},
		{
			msg: "errors if unstructuredPoints is not a slice of maps",
			cmd: []interface{}{1},
			err: errPointNotAMap,
		},
		{
			msg: "errors if a point is missing X",
			cmd: []interface{}{map[string]interface{}{"Y": float64(2)}},
			err: errXNotProvided,
		},
		{
			msg: "errors if X is not float64",
			cmd: []interface{}{map[string]interface{}{"X": 1, "Y": float64(2)}},
			err: errXNotFloat64,
		},
		{
			msg: "errors if a point is missing Y",
			cmd: []interface{}{map[string]interface{}{"X": float64(1)}},
			err: errYNotProvided,
		},
		{
			msg: "errors if Y is not float64",
			cmd: []interface{}{map[string]interface{}{"X": float64(1), "Y": 2}},
			err: errYNotFloat64,
		},
	} {
		t.Run(fmt.Sprintf("%s for Add task", tc.msg), func(t *testing.T) {
			task, err := ParseDoCommand(tc.cmd, Add)
			test.That(t, err, test.ShouldBeError, tc.err)
			test.That(t, task, test.ShouldResemble, Task{})
		})

		t.Run(fmt.Sprintf("%s for Remove task", tc.msg), func(t *testing.T) {
			task, err := ParseDoCommand(tc.cmd, Remove)
			test.That(t, err, test.ShouldBeError, tc.err)
			test.That(t, task, test.ShouldResemble, Task{})
		})
	}

	t.Run("succeeds for a slice of maps with float64 values", func(t *testing.T) {
		expectedPoint := r3.Vector{X: 1, Y: 2}
		task, err := ParseDoCommand([]interface{}{map[string]interface{}{"X": float64(1), "Y": float64(2)}}, Add)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, task, test.ShouldResemble, Task{Instruction: Add, Points: []r3.Vector{expectedPoint}})
	})
}

func cloudOf(points []r3.Vector) pointcloud.PointCloud {
	pc := pointcloud.NewWithPrealloc(len(points))
	for _, p := range points {
		pc.Set(p, pointcloud.NewColoredData(color.NRGBA{B: fullConfidence}))
	}
	return pc
}

func pointsOf(t *testing.T, cloud pointcloud.PointCloud) []r3.Vector {
	t.Helper()
	var out []r3.Vector
	cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		out = append(out, p)
		return true
	})
	return out
}

func TestApplyAdd(t *testing.T) {
	original := cloudOf([]r3.Vector{{X: 0, Y: 0}, {X: 1, Y: 1}})

	result, err := Apply(original, []Task{{
		Instruction: Add,
		Points:      []r3.Vector{{X: 2, Y: 2}, {X: 3, Y: 3}},
	}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Size(), test.ShouldEqual, 4)
}

func TestApplyRemove(t *testing.T) {
	original := cloudOf([]r3.Vector{
		{X: 0, Y: 0}, {X: 1000, Y: 1000}, {X: 2000, Y: 2000}, {X: 2020, Y: 2020}, {X: 3000, Y: 3000},
	})

	result, err := Apply(original, []Task{{
		Instruction: Remove,
		Points:      []r3.Vector{{X: 2000, Y: 2000}, {X: 3000, Y: 3000}},
	}})
	test.That(t, err, test.ShouldBeNil)
	// points within removalRadius of either removed point are dropped:
	// 2000,2000 / 2020,2020 / 3000,3000 all fall within 100mm of a
	// removed point, leaving just the first two.
	test.That(t, result.Size(), test.ShouldEqual, 2)
}

func TestApplySequence(t *testing.T) {
	original := cloudOf([]r3.Vector{{X: 0, Y: 0}, {X: 1000, Y: 1000}, {X: 2000, Y: 2000}, {X: 3000, Y: 3000}})

	tasks := []Task{
		{Instruction: Add, Points: []r3.Vector{{X: 4000, Y: 4000}, {X: 5000, Y: 5000}}},
		{Instruction: Remove, Points: []r3.Vector{{X: 2000, Y: 2000}, {X: 4000, Y: 4000}}},
	}

	result, err := Apply(original, tasks)
	test.That(t, err, test.ShouldBeNil)
	// start 4, +2 add = 6, then remove drops points near 2000,2000 and
	// 4000,4000 (2 points), leaving 4: 0,0 / 1000,1000 / 3000,3000 / 5000,5000
	test.That(t, result.Size(), test.ShouldEqual, 4)
}
