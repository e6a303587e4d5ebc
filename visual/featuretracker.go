package visual

import (
	"github.com/golang/geo/r2"

	"github.com/viamrobotics/slam-fusion/sensors"
)

// TrackedFeature is one 2D feature observation produced by a
// FeatureTracker. ID is a persistent identity: the same ID reported
// across two images means the tracker believes it is the same scene
// point, and that ID is reused directly as the Landmark id (spec.md
// §3's "once triangulated the id is stable").
type TrackedFeature struct {
	ID    string
	Pixel r2.Point
}

// FeatureTracker is the pluggable image-feature front end (spec.md
// §9's capability-set style: runtime selection by implementation, no
// inheritance). The actual detector/descriptor/matcher (ORB, KLT,
// whatever the deployed camera driver pairs with) lives outside this
// module's scope — this package consumes already-tracked 2D
// observations the same way graph.Graph consumes an external
// nonlinear solver.
type FeatureTracker interface {
	// Track returns every feature visible in image, matched against
	// the tracker's own notion of previously seen features.
	Track(image sensors.Image) []TrackedFeature
}
