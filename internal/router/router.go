package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/geldata/gelsrv/internal/config"
)

// routerSnapshot is an immutable point-in-time view of the routing table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	branches map[string]config.BranchConfig
	defaults config.PoolDefaults
	paused   map[string]bool
}

// Router resolves branch names to their database configurations.
// Resolve() and IsPaused() are lock-free via atomic.Value.
// Mutations serialize on a write mutex and swap in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates a new Router populated from the given config.
func New(cfg *config.Config) *Router {
	snap := &routerSnapshot{
		branches: make(map[string]config.BranchConfig, len(cfg.Branches)),
		defaults: cfg.Defaults,
		paused:   make(map[string]bool),
	}
	for name, b := range cfg.Branches {
		snap.branches[name] = b
	}

	r := &Router{}
	r.snap.Store(snap)
	return r
}

// load returns the current immutable snapshot (lock-free).
func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// cloneSnap returns a mutable deep copy of the current snapshot.
// Must be called with wmu held.
func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newBranches := make(map[string]config.BranchConfig, len(cur.branches))
	for name, b := range cur.branches {
		newBranches[name] = b
	}
	newPaused := make(map[string]bool, len(cur.paused))
	for name, v := range cur.paused {
		newPaused[name] = v
	}
	return &routerSnapshot{
		branches: newBranches,
		defaults: cur.defaults,
		paused:   newPaused,
	}
}

// Resolve looks up the BranchConfig for the given branch name. Lock-free.
func (r *Router) Resolve(branch string) (config.BranchConfig, error) {
	snap := r.load()
	b, ok := snap.branches[branch]
	if !ok {
		return config.BranchConfig{}, fmt.Errorf("unknown branch: %q", branch)
	}
	return b, nil
}

// AddBranch registers or updates a branch configuration.
func (r *Router) AddBranch(branch string, b config.BranchConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.branches[branch] = b
	r.snap.Store(s)
}

// RemoveBranch removes a branch from the router.
func (r *Router) RemoveBranch(branch string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.branches[branch]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.branches, branch)
	delete(s.paused, branch)
	r.snap.Store(s)
	return true
}

// PauseBranch marks a branch as paused. Returns false if the branch isn't found.
func (r *Router) PauseBranch(branch string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.branches[branch]; !ok {
		return false
	}

	s := r.cloneSnap()
	s.paused[branch] = true
	r.snap.Store(s)
	return true
}

// ResumeBranch unpauses a branch. Returns false if the branch isn't found.
func (r *Router) ResumeBranch(branch string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.branches[branch]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.paused, branch)
	r.snap.Store(s)
	return true
}

// IsPaused returns whether a branch is currently paused. Lock-free.
func (r *Router) IsPaused(branch string) bool {
	return r.load().paused[branch]
}

// ListBranches returns all branch names and their configs.
func (r *Router) ListBranches() map[string]config.BranchConfig {
	snap := r.load()
	result := make(map[string]config.BranchConfig, len(snap.branches))
	for name, b := range snap.branches {
		result[name] = b
	}
	return result
}

// Defaults returns the current pool defaults. Lock-free.
func (r *Router) Defaults() config.PoolDefaults {
	return r.load().defaults
}

// Reload replaces the entire routing table from a new config.
// Preserves paused state for branches that still exist in the new config.
func (r *Router) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newBranches := make(map[string]config.BranchConfig, len(cfg.Branches))
	for name, b := range cfg.Branches {
		newBranches[name] = b
	}

	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := newBranches[name]; exists {
			newPaused[name] = v
		}
	}

	r.snap.Store(&routerSnapshot{
		branches: newBranches,
		defaults: cfg.Defaults,
		paused:   newPaused,
	})
}
