package lidarreg

import (
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
)

// FakeMatcher is a scripted Matcher for tests: every Match call
// consumes the next entry off a queue of canned results, the same
// style as sensors.FakeIMU's canned-sample queue.
type FakeMatcher struct {
	results []MatchResult
	fail    []bool
	calls   int

	lastRef, lastTarget pointcloud.PointCloud
	current             MatchResult
}

// NewFakeMatcher builds a FakeMatcher that returns results[i] (and
// succeeds) on its i-th Match call unless fail[i] is true.
func NewFakeMatcher(results []MatchResult, fail []bool) *FakeMatcher {
	return &FakeMatcher{results: results, fail: fail}
}

func (f *FakeMatcher) SetRef(cloud pointcloud.PointCloud)    { f.lastRef = cloud }
func (f *FakeMatcher) SetTarget(cloud pointcloud.PointCloud) { f.lastTarget = cloud }

func (f *FakeMatcher) Match(_ spatialmath.Pose) bool {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return false
	}
	if i < len(f.fail) && f.fail[i] {
		return false
	}
	f.current = f.results[i]
	return true
}

func (f *FakeMatcher) Result() MatchResult { return f.current }

var _ Matcher = (*FakeMatcher)(nil)
