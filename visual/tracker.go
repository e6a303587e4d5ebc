// Package visual implements the visual front-end and visual map
// (spec.md §4.2): image feature tracking bookkeeping, keyframe
// policy, RANSAC PnP + motion-only bundle adjustment localization, and
// multi-view DLT landmark triangulation, exposed the same
// add_image/localize/is_keyframe/extend_map/update_from_graph shape
// spec.md names.
//
// Grounded on sensors.TimedLidarSensor's polled-reading shape mirrored
// into TimedImageSensor, and on the teacher's lidar-vs-IMU timestamp
// gating (sensorprocess/lidarsensorprocess.go's addLidarReadingsInOffline)
// generalized into the parallax/tracks-drop/window keyframe gate.
package visual

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/slam-fusion/graph"
	"github.com/viamrobotics/slam-fusion/sensors"
)

// ErrNoSuchStamp is returned by Localize when stamp was never passed
// to AddImage.
var ErrNoSuchStamp = errors.New("visual: no tracked features at stamp")

// ErrLocalizationFailed is returned by Localize when RANSAC PnP could
// not find a consistent pose.
var ErrLocalizationFailed = errors.New("visual: PnP localization failed")

const (
	defaultRansacIterations = 200
	defaultInlierPx         = 4.0
	defaultBABudgetSeconds  = 0.05
)

// frameObservation is the transient per-image feature snapshot used
// by Localize/IsKeyframe; only promoted into a landmark's permanent
// observation set once the stamp is accepted as a Keyframe.
type frameObservation struct {
	stamp    time.Time
	features []TrackedFeature
}

// Map is the visual front-end's mutable state: the current feature
// tracker, the landmark table, and the committed keyframe list.
type Map struct {
	mu sync.Mutex

	intrinsics Intrinsics
	tracker    FeatureTracker
	rng        *rand.Rand
	logger     logging.Logger

	ransacIterations int
	inlierPx         float64
	baBudgetSeconds  float64

	minKFTimeSeconds    float64
	parallaxThreshold   float64
	tracksDropThreshold int
	windowSize          int

	landmarks map[string]*landmark
	keyframes []keyframeRecord

	frames       map[int64]frameObservation
	localizedAt  map[int64]r3PoseQuat
	haveKF       bool
	lastKFStamp  time.Time
	addedSinceKF int
}

// Config bundles the keyframe-policy and solver thresholds Map needs,
// corresponding 1:1 to spec.md §6 keys.
type Config struct {
	MinKFTimeSeconds    float64
	ParallaxThreshold   float64
	TracksDropThreshold int
	WindowSize          int
}

// New constructs an empty visual Map.
func New(intrinsics Intrinsics, tracker FeatureTracker, cfg Config, logger logging.Logger) *Map {
	return &Map{
		intrinsics:          intrinsics,
		tracker:             tracker,
		rng:                 newRand(),
		logger:              logger,
		ransacIterations:    defaultRansacIterations,
		inlierPx:            defaultInlierPx,
		baBudgetSeconds:     defaultBABudgetSeconds,
		minKFTimeSeconds:    cfg.MinKFTimeSeconds,
		parallaxThreshold:   cfg.ParallaxThreshold,
		tracksDropThreshold: cfg.TracksDropThreshold,
		windowSize:          cfg.WindowSize,
		landmarks:           make(map[string]*landmark),
		frames:              make(map[int64]frameObservation),
		localizedAt:         make(map[int64]r3PoseQuat),
	}
}

// AddImage advances the tracker (spec.md §4.2's add_image).
func (m *Map) AddImage(stamp time.Time, image sensors.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stamp.UnixNano()
	if _, exists := m.frames[key]; exists {
		return ErrDuplicateStamp
	}

	features := m.tracker.Track(image)
	m.frames[key] = frameObservation{stamp: stamp, features: features}
	for _, f := range features {
		if _, ok := m.landmarks[f.ID]; !ok {
			m.landmarks[f.ID] = newLandmark(f.ID)
		}
	}
	if m.haveKF {
		m.addedSinceKF++
	}
	return nil
}

// Localize collects correspondences for already-triangulated
// landmarks visible at stamp, runs RANSAC PnP, then a motion-only BA
// refinement (spec.md §4.2's localize).
func (m *Map) Localize(stamp time.Time) (spatialmath.Pose, []string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	triangulatedIDs, untriangulatedIDs, corrs, ok := m.observedLandmarksLocked(stamp)
	if !ok {
		return nil, nil, nil, ErrNoSuchStamp
	}

	if len(corrs) < 3 {
		return nil, nil, nil, ErrUnderconstrained
	}

	r, t, inliers, ok := ransacPnP(m.rng, corrs, m.intrinsics, m.inlierPx, m.ransacIterations)
	if !ok {
		return nil, nil, nil, ErrLocalizationFailed
	}
	r, t, err := motionOnlyBA(r, t, inliers, m.intrinsics, m.baBudgetSeconds)
	if err != nil {
		return nil, nil, nil, err
	}

	// r,t are world-to-camera; invert to get T_world_cam.
	rWorldCam := transposeDense(r)
	tWorldCam := matVec3Visual(rWorldCam, t).Mul(-1)
	q := quatFromRotation(rWorldCam)

	pose := spatialmath.NewPoseFromOrientation(tWorldCam, &spatialmath.Quaternion{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]})
	m.localizedAt[stamp.UnixNano()] = r3PoseQuat{Pos: tWorldCam, Quat: q}
	return pose, triangulatedIDs, untriangulatedIDs, nil
}

// observedLandmarksLocked partitions stamp's tracked features into
// already-triangulated vs. not-yet-triangulated ids, and builds the
// triangulated set's correspondences. Caller must hold m.mu.
func (m *Map) observedLandmarksLocked(stamp time.Time) (triangulatedIDs, untriangulatedIDs []string, corrs []correspondence, ok bool) {
	obs, ok := m.frames[stamp.UnixNano()]
	if !ok {
		return nil, nil, nil, false
	}
	for _, f := range obs.features {
		lm := m.landmarks[f.ID]
		if lm != nil && lm.triangulated {
			triangulatedIDs = append(triangulatedIDs, f.ID)
			corrs = append(corrs, correspondence{LandmarkID: f.ID, World: lm.worldPos, Pixel: f.Pixel})
		} else {
			untriangulatedIDs = append(untriangulatedIDs, f.ID)
		}
	}
	return triangulatedIDs, untriangulatedIDs, corrs, true
}

// ObservedLandmarks reports stamp's tracked features partitioned into
// already-triangulated vs. not-yet-triangulated ids, without running
// PnP — used by a bootstrap initializer that already has a seed pose
// for stamp from an external source and only needs the partition that
// ExtendMap expects.
func (m *Map) ObservedLandmarks(stamp time.Time) (triangulatedIDs, untriangulatedIDs []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	triangulatedIDs, untriangulatedIDs, _, ok := m.observedLandmarksLocked(stamp)
	if !ok {
		return nil, nil, ErrNoSuchStamp
	}
	return triangulatedIDs, untriangulatedIDs, nil
}

// SeedLocalization records an externally-determined pose for stamp
// without running PnP, so a subsequent ExtendMap call treats stamp as
// already localized. Used by the trajectory initializer's path-seeded
// and IMU-seeded bootstrap modes (spec.md §4.4), which determine the
// keyframe pose by other means before the estimator exists.
func (m *Map) SeedLocalization(stamp time.Time, pose spatialmath.Pose) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := toQuatVisual(pose.Orientation())
	m.localizedAt[stamp.UnixNano()] = r3PoseQuat{Pos: pose.Point(), Quat: q}
}

// IsKeyframe implements spec.md §4.2's is_keyframe gate.
func (m *Map) IsKeyframe(stamp time.Time, triangulatedIDs, untriangulatedIDs []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.haveKF {
		return true
	}
	if stamp.Sub(m.lastKFStamp).Seconds() < m.minKFTimeSeconds {
		return false
	}

	parallax := m.meanParallaxLocked(stamp, triangulatedIDs, untriangulatedIDs)
	if parallax > m.parallaxThreshold {
		return true
	}
	if len(triangulatedIDs) < m.tracksDropThreshold {
		return true
	}
	if m.addedSinceKF == m.windowSize-1 {
		return true
	}
	return false
}

func (m *Map) meanParallaxLocked(stamp time.Time, triangulatedIDs, untriangulatedIDs []string) float64 {
	curr, ok := m.frames[stamp.UnixNano()]
	if !ok {
		return 0
	}
	currPixel := make(map[string]r2.Point, len(curr.features))
	for _, f := range curr.features {
		currPixel[f.ID] = f.Pixel
	}

	sum := 0.0
	count := 0
	visit := func(id string) {
		lm := m.landmarks[id]
		if lm == nil {
			return
		}
		prevPx, ok := lm.observations[m.lastKFStamp]
		if !ok {
			return
		}
		cp, ok := currPixel[id]
		if !ok {
			return
		}
		sum += math.Hypot(cp.X-prevPx.X, cp.Y-prevPx.Y)
		count++
	}
	for _, id := range triangulatedIDs {
		visit(id)
	}
	for _, id := range untriangulatedIDs {
		visit(id)
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ExtendMap commits stamp as a Keyframe, adds reprojection constraints
// for every already-triangulated id observed there, attempts
// triangulation for every untriangulated id with ≥3 keyframe
// observations, and returns the resulting Transaction (spec.md §4.2's
// extend_map).
func (m *Map) ExtendMap(stamp time.Time, triangulatedIDs, untriangulatedIDs []string) graph.Transaction {
	_, span := trace.StartSpan(context.Background(), "visual::Map::ExtendMap")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	obs, ok := m.frames[stamp.UnixNano()]
	if !ok {
		return graph.Transaction{}
	}
	pose, ok := m.localizedAt[stamp.UnixNano()]
	if !ok {
		return graph.Transaction{}
	}

	kfVarID := keyframeVariableID(stamp)
	kf := keyframeRecord{stamp: stamp, variableID: kfVarID, pose: pose}
	m.keyframes = append(m.keyframes, kf)
	m.haveKF = true
	m.lastKFStamp = stamp
	m.addedSinceKF = 0

	pixelByID := make(map[string]r2.Point, len(obs.features))
	for _, f := range obs.features {
		pixelByID[f.ID] = f.Pixel
	}

	tx := graph.Transaction{
		VariablesToAdd: []graph.Variable{{
			ID:   kfVarID,
			Kind: "cam_pose",
			Value: []float64{
				pose.Quat[0], pose.Quat[1], pose.Quat[2], pose.Quat[3],
				pose.Pos.X, pose.Pos.Y, pose.Pos.Z,
			},
		}},
	}

	for _, id := range triangulatedIDs {
		lm := m.landmarks[id]
		if lm == nil {
			continue
		}
		px, ok := pixelByID[id]
		if !ok {
			continue
		}
		lm.observations[stamp] = px
		tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, reprojectionConstraint(kfVarID, lm.id, px, m.intrinsics))
	}

	for _, id := range untriangulatedIDs {
		lm := m.landmarks[id]
		if lm == nil {
			continue
		}
		px, ok := pixelByID[id]
		if ok {
			lm.observations[stamp] = px
		}
		if len(lm.observations) < triangulationMinViews {
			continue
		}
		if m.triangulateLocked(lm) {
			tx.VariablesToAdd = append(tx.VariablesToAdd, graph.Variable{
				ID:    landmarkVariableID(lm.id),
				Kind:  "landmark",
				Value: []float64{lm.worldPos.X, lm.worldPos.Y, lm.worldPos.Z},
			})
			for obsStamp, obsPx := range lm.observations {
				kfID := m.keyframeVariableIDForStamp(obsStamp)
				if kfID == "" {
					continue
				}
				tx.ConstraintsToAdd = append(tx.ConstraintsToAdd, reprojectionConstraint(kfID, lm.id, obsPx, m.intrinsics))
			}
		}
	}

	if m.logger != nil {
		m.logger.Debugf("visual: extended map at stamp %v with %d new constraints", stamp, len(tx.ConstraintsToAdd))
	}
	return tx
}

func (m *Map) keyframeVariableIDForStamp(stamp time.Time) string {
	for _, kf := range m.keyframes {
		if kf.stamp.Equal(stamp) {
			return kf.variableID
		}
	}
	return ""
}

// triangulateLocked attempts multi-view DLT triangulation for lm over
// all of its keyframe observations. Caller must hold m.mu.
func (m *Map) triangulateLocked(lm *landmark) bool {
	views := make([]observationView, 0, len(lm.observations))
	for stamp, px := range lm.observations {
		kf := m.findKeyframeLocked(stamp)
		if kf == nil {
			continue
		}
		rWorldCam := rotationFromQuat(kf.pose.Quat[0], kf.pose.Quat[1], kf.pose.Quat[2], kf.pose.Quat[3])
		rCamWorld := transposeDense(rWorldCam)
		tCamWorld := matVec3Visual(rCamWorld, kf.pose.Pos).Mul(-1)
		views = append(views, observationView{R: rCamWorld, T: tCamWorld, Normalized: m.intrinsics.Normalize(px)})
	}
	point, ok := triangulateDLT(views)
	if !ok {
		return false
	}
	lm.triangulated = true
	lm.worldPos = point
	return true
}

func (m *Map) findKeyframeLocked(stamp time.Time) *keyframeRecord {
	for i := range m.keyframes {
		if m.keyframes[i].stamp.Equal(stamp) {
			return &m.keyframes[i]
		}
	}
	return nil
}

// UpdateFromGraph refreshes landmark positions and keyframe poses from
// g (spec.md §4.2's update_from_graph).
func (m *Map) UpdateFromGraph(g graph.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, kf := range m.keyframes {
		values, ok := g.Value(kf.variableID)
		if !ok {
			continue
		}
		m.keyframes[i].pose = r3PoseQuat{
			Quat: [4]float64{values[0], values[1], values[2], values[3]},
			Pos:  r3.Vector{X: values[4], Y: values[5], Z: values[6]},
		}
	}
	for _, lm := range m.landmarks {
		if !lm.triangulated {
			continue
		}
		values, ok := g.Value(landmarkVariableID(lm.id))
		if !ok {
			continue
		}
		lm.worldPos = r3.Vector{X: values[0], Y: values[1], Z: values[2]}
	}
	return nil
}

func keyframeVariableID(stamp time.Time) string {
	return fmt.Sprintf("kf_pose@%d", stamp.UnixNano())
}

// KeyframeVariableID returns the graph variable ID this package uses
// for the camera-pose variable anchored at stamp, so external callers
// (the trajectory initializer's coupling constraint, spec.md §4.4) can
// reference it without reaching into package internals.
func KeyframeVariableID(stamp time.Time) string {
	return keyframeVariableID(stamp)
}

func landmarkVariableID(id string) string {
	return "lm_" + id
}

// NewLandmarkID generates a fresh, stable landmark identity; provided
// for FeatureTracker implementations that detect brand-new features
// without an externally stable id of their own.
func NewLandmarkID() string {
	return uuid.NewString()
}

// transposeDense materializes m's transpose as a plain *mat.Dense so
// callers that need quatFromRotation (which expects a concrete Dense)
// can use it directly.
func transposeDense(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(m.T())
	return out
}
