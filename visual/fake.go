package visual

import (
	"github.com/viamrobotics/slam-fusion/sensors"
)

// FakeTracker replays a fixed per-stamp table of TrackedFeatures, one
// call per image, grounded on the teacher's inject-style hand-written
// doubles (sensors.FakeIMU/FakeLidar).
type FakeTracker struct {
	byStamp map[int64][]TrackedFeature
}

// NewFakeTracker builds a FakeTracker from a stamp (unix nanos) keyed table.
func NewFakeTracker(byStamp map[int64][]TrackedFeature) *FakeTracker {
	return &FakeTracker{byStamp: byStamp}
}

// Track implements FeatureTracker.
func (f *FakeTracker) Track(image sensors.Image) []TrackedFeature {
	return f.byStamp[image.Stamp.UnixNano()]
}

var _ FeatureTracker = (*FakeTracker)(nil)
