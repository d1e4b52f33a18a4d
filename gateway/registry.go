package gateway

import (
	"errors"
	"sync"
)

// ErrSessionExists reports an attempt to register a second worker under an
// identifier that is already live.
var ErrSessionExists = errors.New("session id already registered")

// Registry maps public session identifiers to the workers that own them. A
// worker becomes joinable the moment it is added and stops being joinable
// the moment it is removed; the router adds a new session only after its
// first user has attached, and the worker's supervisor removes it exactly
// once at exit.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Add registers w under id. It never overwrites: a duplicate id fails with
// ErrSessionExists and leaves the existing entry in place.
func (r *Registry) Add(id string, w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; ok {
		return ErrSessionExists
	}
	r.workers[id] = w
	return nil
}

// Lookup returns the worker owning id, if any. Safe for concurrent readers
// alongside mutating Add and Remove calls.
func (r *Registry) Lookup(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Remove drops the entry for id and returns the evicted worker. Removing an
// absent id reports false, so racing removers resolve to exactly one winner.
func (r *Registry) Remove(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	return w, ok
}

// Workers returns a snapshot of all registered workers.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	return ws
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
