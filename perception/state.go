package perception

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/zap"
)

// DefaultTrailLength bounds the number of poses kept for rendering.
const DefaultTrailLength = 5000

// StateTracker holds what the HTTP endpoints and publishers read between
// cycles: the latest cycle, the pose trail and the world map.
type StateTracker struct {
	mu        sync.RWMutex
	world     *WorldMap
	latest    *CycleOutput
	report    *CycleReport
	trail     []Pose
	maxTrail  int
	cycles    int
	cachePath string // world map cache; empty disables persistence
}

// NewStateTracker creates a tracker around an existing world map.
func NewStateTracker(world *WorldMap) *StateTracker {
	return &StateTracker{world: world, maxTrail: DefaultTrailLength}
}

// NewStateTrackerWithCache creates a tracker whose world map is persisted to
// cachePath. An existing cache of the same size is resumed; a missing cache
// starts a fresh map. A cache of a different size is an error so a mission is
// never silently discarded.
func NewStateTrackerWithCache(cachePath string, size int) (*StateTracker, error) {
	world := NewWorldMap(size)
	if cachePath != "" {
		wm, err := LoadWorldMap(cachePath)
		switch {
		case err == nil && wm.Size() != size:
			return nil, fmt.Errorf("world map cache %s has size %d, calibration wants %d", cachePath, wm.Size(), size)
		case err == nil:
			zap.S().Infof("resumed world map from %s", cachePath)
			world = wm
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}
	st := NewStateTracker(world)
	st.cachePath = cachePath
	return st, nil
}

// World returns the tracked world map.
func (st *StateTracker) World() *WorldMap {
	return st.world
}

// Record stores the cycle output, its report, and appends the pose to the
// trail.
func (st *StateTracker) Record(out *CycleOutput, report CycleReport) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.latest = out
	st.report = &report
	st.cycles++
	st.trail = append(st.trail, out.Pose)
	if st.maxTrail > 0 && len(st.trail) > st.maxTrail {
		st.trail = append(st.trail[:0], st.trail[len(st.trail)-st.maxTrail:]...)
	}
}

// Latest returns the most recent cycle output, or nil before the first cycle.
func (st *StateTracker) Latest() *CycleOutput {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.latest
}

// LatestReport returns a copy of the most recent report, if any.
func (st *StateTracker) LatestReport() (CycleReport, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.report == nil {
		return CycleReport{}, false
	}
	return *st.report, true
}

// Trail returns a copy of the pose trail, oldest first.
func (st *StateTracker) Trail() []Pose {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]Pose(nil), st.trail...)
}

// Cycles returns how many cycles have been recorded.
func (st *StateTracker) Cycles() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cycles
}

// SaveWorldMap persists the world map to the cache path, if configured.
func (st *StateTracker) SaveWorldMap() error {
	if st.cachePath == "" {
		return nil
	}
	if err := st.world.Save(st.cachePath); err != nil {
		return fmt.Errorf("saving world map cache: %w", err)
	}
	return nil
}
