package submap

import (
	"github.com/viamrobotics/slam-fusion/postprocess"
)

// ApplyPostprocess runs tasks against a Submap's lidar cloud, pushing
// the prior cloud onto an undo log (postprocess.ToggleCommand/Undo
// semantics require restoring exactly one step, spec.md's supplemented
// postprocess feature).
func (sm *Submap) ApplyPostprocess(tasks []postprocess.Task) error {
	next, err := postprocess.Apply(sm.LidarPoints, tasks)
	if err != nil {
		return err
	}
	sm.postprocessLog = append(sm.postprocessLog, postprocessStep{before: sm.LidarPoints})
	sm.LidarPoints = next
	return nil
}

// UndoPostprocess restores the lidar cloud to its state before the
// last ApplyPostprocess call. Returns false if there is nothing to undo.
func (sm *Submap) UndoPostprocess() bool {
	if len(sm.postprocessLog) == 0 {
		return false
	}
	last := sm.postprocessLog[len(sm.postprocessLog)-1]
	sm.postprocessLog = sm.postprocessLog[:len(sm.postprocessLog)-1]
	sm.LidarPoints = last.before
	return true
}
