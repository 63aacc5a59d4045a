package docker

import (
	"fmt"
	"sync"
)

// unitState holds the Docker resources backing one unit.
type unitState struct {
	containerID string
	volumeName  string
}

// stateRepo tracks the units held by this process with thread-safe access.
type stateRepo struct {
	mu    sync.RWMutex
	units map[string]*unitState
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		units: make(map[string]*unitState),
	}
}

// reserve claims a unit name. The slot holds nil until commit is called.
func (r *stateRepo) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[name]; exists {
		return fmt.Errorf("unit %s is already held", name)
	}
	r.units[name] = nil
	return nil
}

// commit fills in a reserved slot with the unit's resources.
func (r *stateRepo) commit(name string, us *unitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[name] = us
}

// release removes a unit. Returns its state if it was held.
func (r *stateRepo) release(name string) (*unitState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, exists := r.units[name]
	if exists {
		delete(r.units, name)
	}
	return us, exists
}

// get returns a unit's state. Returns (nil, true) if reserved but not yet committed.
func (r *stateRepo) get(name string) (*unitState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	us, exists := r.units[name]
	return us, exists
}

// names returns all held unit names.
func (r *stateRepo) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	return names
}
