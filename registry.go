package exshopify

import (
	"sort"
	"sync"
)

// registry maps partition keys to their live workers.
//
// The table lock covers only check-and-insert and the start of the
// worker goroutine: it is never held while talking to a worker loop.
type registry struct {
	mu      sync.Mutex
	workers map[PartitionKey]*worker
	closed  bool

	build func(key PartitionKey) *worker
	start func(w *worker)
}

func newRegistry(build func(key PartitionKey) *worker, start func(w *worker)) *registry {
	return &registry{
		workers: make(map[PartitionKey]*worker),
		build:   build,
		start:   start,
	}
}

// getOrCreate returns the live worker for key, creating and starting one
// if needed. A worker that stopped but was not removed yet is replaced.
// It returns nil once the registry is closed.
func (r *registry) getOrCreate(key PartitionKey) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	if w, ok := r.workers[key]; ok && w.Status() != StatusStopped {
		return w
	}

	w := r.build(key)
	r.workers[key] = w
	r.start(w)
	return w
}

// remove evicts the entry for key only if it still points to w,
// so that a late removal never evicts a newer worker.
func (r *registry) remove(key PartitionKey, w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.workers[key]; !ok || current != w {
		return false
	}
	delete(r.workers, key)
	return true
}

func (r *registry) get(key PartitionKey) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[key]
}

// keys returns the registered partition keys, sorted.
func (r *registry) keys() []PartitionKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PartitionKey, 0, len(r.workers))
	for k := range r.workers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// close prevents any further worker creation
// and returns the workers registered at that point.
func (r *registry) close() []*worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	out := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}
