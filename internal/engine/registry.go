package engine

import (
	"sync"
	"time"
)

// defaultRetention is how long terminal snapshots stay queryable in
// memory before falling back to the store.
const defaultRetention = 10 * time.Minute

// finishedEntry holds a terminal execution's final snapshot.
type finishedEntry struct {
	snap *ExecutionSnapshot
	at   time.Time
}

// registry is the in-memory arena of executions: active driver handles
// plus recently finished snapshots kept for a retention window so
// Status and Cancel stay cheap right after completion.
type registry struct {
	mu        sync.Mutex
	active    map[string]*execution
	finished  map[string]*finishedEntry
	retention time.Duration
	onEvict   func(executionID string)
}

// newRegistry creates the arena. onEvict, when non-nil, is invoked for
// each execution id pruned from the finished map, outside the lock.
func newRegistry(retention time.Duration, onEvict func(string)) *registry {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &registry{
		active:    make(map[string]*execution),
		finished:  make(map[string]*finishedEntry),
		retention: retention,
		onEvict:   onEvict,
	}
}

func (r *registry) add(ex *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[ex.id] = ex
}

// finish moves an execution from active to the finished arena. Called by
// the driver before it closes its done channel, so lookups never see a
// gap between the two maps.
func (r *registry) finish(id string, snap *ExecutionSnapshot) {
	r.mu.Lock()
	delete(r.active, id)
	r.finished[id] = &finishedEntry{snap: snap, at: time.Now()}
	evicted := r.pruneLocked()
	r.mu.Unlock()
	r.notifyEvicted(evicted)
}

// lookup returns the active handle or the finished snapshot for an id.
func (r *registry) lookup(id string) (*execution, *ExecutionSnapshot) {
	r.mu.Lock()
	evicted := r.pruneLocked()
	ex := r.active[id]
	var snap *ExecutionSnapshot
	if ex == nil {
		if fe, ok := r.finished[id]; ok {
			snap = fe.snap
		}
	}
	r.mu.Unlock()
	r.notifyEvicted(evicted)
	return ex, snap
}

// activeList returns the current active handles.
func (r *registry) activeList() []*execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*execution, 0, len(r.active))
	for _, ex := range r.active {
		out = append(out, ex)
	}
	return out
}

func (r *registry) pruneLocked() []string {
	cutoff := time.Now().Add(-r.retention)
	var evicted []string
	for id, fe := range r.finished {
		if fe.at.Before(cutoff) {
			delete(r.finished, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *registry) notifyEvicted(ids []string) {
	if r.onEvict == nil {
		return
	}
	for _, id := range ids {
		r.onEvict(id)
	}
}
