// Package worker defines the invocation boundary between the orchestration
// core and the external executors that leaves delegate to. The core never
// interprets a worker's result beyond gating it and recording it to memory.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harrison/arbor/internal/models"
)

// Worker is an opaque task executor. Invoke blocks until the worker returns
// a result, reports a failure, or ctx expires; implementations must honor
// cancellation by abandoning in-flight work and returning promptly.
type Worker interface {
	Invoke(ctx context.Context, ref models.WorkerRef, facts map[string]models.FactRecord) (*models.Result, error)
}

// Func adapts a function to the Worker interface, mainly for tests.
type Func func(ctx context.Context, ref models.WorkerRef, facts map[string]models.FactRecord) (*models.Result, error)

// Invoke implements Worker.
func (f Func) Invoke(ctx context.Context, ref models.WorkerRef, facts map[string]models.FactRecord) (*models.Result, error) {
	return f(ctx, ref, facts)
}

// Registry maps worker names to implementations. It is safe for concurrent
// use; leaves resolve their worker reference through it at execution time.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds or replaces a named worker.
func (r *Registry) Register(name string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[name] = w
}

// Lookup resolves a worker by name.
func (r *Registry) Lookup(name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, fmt.Errorf("worker %q is not registered", name)
	}
	return w, nil
}

// Names returns the registered worker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
