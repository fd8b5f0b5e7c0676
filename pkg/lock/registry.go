// Package lock provides a process-wide registry of keyed mutexes used for
// per-node mutual exclusion. Keys are node UUIDs; holders of different keys
// never contend.
//
// Locks are in-process only. Running multiple coordinator replicas against
// the same database requires an external coordination service instead.
package lock

import "sync"

// entry is a single keyed mutex. The buffered channel holds the lock token;
// refs counts holders plus waiters so idle entries can be dropped.
type entry struct {
	ch   chan struct{}
	refs int
}

// Registry is a process-wide map from key to mutex. The zero value is not
// usable; create one with NewRegistry.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Acquire takes the lock for key. When blocking is true the call waits until
// the lock is free and always returns true. When blocking is false the call
// returns immediately; the result reports whether the lock was taken.
func (r *Registry) Acquire(key string, blocking bool) bool {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	if blocking {
		e.ch <- struct{}{}
		return true
	}

	select {
	case e.ch <- struct{}{}:
		return true
	default:
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
		return false
	}
}

// Release returns the lock for key. Calling Release for a key that is not
// held is a no-op; ownership bookkeeping is the caller's responsibility
// (NodeInfo records whether it holds its lock).
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-e.ch:
	default:
		return
	}

	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// WithLock runs fn while holding the lock for key, releasing it on every
// exit path including panics.
func (r *Registry) WithLock(key string, fn func()) {
	r.Acquire(key, true)
	defer r.Release(key)
	fn()
}

// Len returns the number of keys with live holders or waiters. Useful for
// leak checks in tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
