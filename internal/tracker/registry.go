package tracker

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// Registry holds at most one live tracker per action id.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		trackers: make(map[string]*Tracker),
	}
}

// Create registers a new tracker for req. A second Create for an action id
// with a live tracker fails with ErrAlreadyTracking. The tracker removes
// itself on its terminal transition.
func (r *Registry) Create(req schemas.ActionRequest, tabID string, opts Options) (*Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[req.ActionID]; ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrAlreadyTracking, req.ActionID)
	}
	t := newTracker(req, tabID, opts, r.logger, r)
	r.trackers[req.ActionID] = t
	return t, nil
}

// Get returns the live tracker for an action id.
func (r *Registry) Get(actionID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[actionID]
	return t, ok
}

// Delete drops an action id. Deleting an absent id is a no-op.
func (r *Registry) Delete(actionID string) {
	r.mu.Lock()
	delete(r.trackers, actionID)
	r.mu.Unlock()
}

// Active returns the sorted ids of live trackers.
func (r *Registry) Active() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// CancelAll cancels every live tracker.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	live := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		live = append(live, t)
	}
	r.mu.Unlock()
	for _, t := range live {
		t.Cancel()
	}
}
