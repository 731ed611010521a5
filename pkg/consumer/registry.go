package consumer

import (
	"sync"
)

// registry holds the live consumer instances. Lookups take a read lock,
// create and remove are check-then-act under the write lock so an instance
// can never be registered twice or removed twice.
type registry struct {
	mtx       sync.RWMutex
	instances map[instanceKey]*instance
}

func newRegistry() *registry {
	return &registry{
		instances: make(map[instanceKey]*instance),
	}
}

func (r *registry) get(k instanceKey) (*instance, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	inst, ok := r.instances[k]
	return inst, ok
}

// put registers inst. It fails if an instance with the same key is already
// registered.
func (r *registry) put(inst *instance) error {
	k := inst.key()
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.instances[k]; ok {
		return errInstanceExists(k.group, k.id)
	}
	r.instances[k] = inst
	return nil
}

// remove unregisters inst. It reports false if inst is not the registered
// instance for its key, for example because it was already removed and the
// key reused.
func (r *registry) remove(inst *instance) bool {
	k := inst.key()
	r.mtx.Lock()
	defer r.mtx.Unlock()
	cur, ok := r.instances[k]
	if !ok || cur != inst {
		return false
	}
	delete(r.instances, k)
	return true
}

func (r *registry) len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.instances)
}

// snapshot returns the registered instances at a point in time. The result
// is not kept in sync with later changes.
func (r *registry) snapshot() []*instance {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}
