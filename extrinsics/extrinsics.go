// Package extrinsics implements the process-wide extrinsics registry
// (spec.md §2, §5): a lookup from sensor frame name to the rigid
// transform between that frame and the canonical baselink frame.
// Static by default; optionally refreshed per get from a transform
// source, mirroring the teacher's resource.Dependencies-based
// component lookup generalized from "camera component" to "named
// frame transform."
package extrinsics

import (
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// ErrMissing is returned when a frame has no registered transform to
// baselink (spec.md §7's EXTRINSICS_MISSING).
var ErrMissing = errors.New("extrinsics: requested frame transform is not registered")

// BaselinkFrame is the canonical body frame name all extrinsics are
// expressed relative to (spec.md glossary: Baselink).
const BaselinkFrame = "baselink"

// Source refreshes a single frame's transform to baselink on demand,
// e.g. from a live transform broadcaster. Registries constructed
// without a Source behave as purely static.
type Source interface {
	// GetTransform returns the current T_baselink_frame for frame.
	GetTransform(frame string) (spatialmath.Pose, error)
}

// Registry is the process-wide extrinsics lookup. The zero value is
// not usable; construct with New.
type Registry struct {
	mu     sync.RWMutex
	static map[string]spatialmath.Pose
	source Source // nil in static-only mode
}

// New builds a Registry seeded with the given static transforms
// (frame name -> T_baselink_frame). source may be nil for static-only
// operation (spec.md §5: "static by default").
func New(staticTransforms map[string]spatialmath.Pose, source Source) *Registry {
	frozen := make(map[string]spatialmath.Pose, len(staticTransforms))
	for k, v := range staticTransforms {
		frozen[k] = v
	}
	return &Registry{static: frozen, source: source}
}

// Get returns T_baselink_frame for frame. Under dynamic mode (a Source
// was supplied) this may re-query the source; callers always receive
// a copy, never an alias into the registry's own state (spec.md §5).
func (r *Registry) Get(frame string) (spatialmath.Pose, error) {
	if frame == BaselinkFrame {
		return spatialmath.NewZeroPose(), nil
	}

	if r.source != nil {
		pose, err := r.source.GetTransform(frame)
		if err != nil {
			r.mu.RLock()
			fallback, ok := r.static[frame]
			r.mu.RUnlock()
			if !ok {
				return nil, errors.Wrapf(ErrMissing, "frame %q: %v", frame, err)
			}
			pose = fallback
		}
		return spatialmath.NewPoseFromOrientation(pose.Point(), pose.Orientation()), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	pose, ok := r.static[frame]
	if !ok {
		return nil, errors.Wrapf(ErrMissing, "frame %q", frame)
	}
	return spatialmath.NewPoseFromOrientation(pose.Point(), pose.Orientation()), nil
}

// Set registers or overwrites frame's static transform. Callers under
// dynamic mode may still use Set to seed a fallback value consulted
// when the Source itself returns ErrMissing-shaped failures; the core
// never does this automatically.
func (r *Registry) Set(frame string, pose spatialmath.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[frame] = pose
}

// Frames returns the set of frame names with a registered static
// transform. It does not reflect frames only resolvable via Source.
func (r *Registry) Frames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.static))
	for k := range r.static {
		out = append(out, k)
	}
	return out
}
