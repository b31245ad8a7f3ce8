package catalog

import (
	"sync"

	"github.com/cuemby/dswarm/internal/types"
)

// FactoryRegistry tracks the declared worker cap for each factory
// (spec.md GLOSSARY "Factory", C11 "Factory trim").
type FactoryRegistry struct {
	mu     sync.RWMutex
	limits map[string]int
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{limits: make(map[string]int)}
}

// SetMaxWorkers records or updates a factory's declared cap
// (spec.md sec 4.1 "from-factory records factory and caps worker
// count").
func (r *FactoryRegistry) SetMaxWorkers(factory string, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[factory] = max
}

// MaxWorkers returns a factory's cap and whether one is known.
func (r *FactoryRegistry) MaxWorkers(factory string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max, ok := r.limits[factory]
	return max, ok
}

// ExcessWorkers returns the workers belonging to factory that should
// be shut down to bring the connected count within its declared cap,
// preferring idle workers (spec.md sec 4.9 "Factory trim": "shut down
// idle workers from that factory until the count fits").
func (r *FactoryRegistry) ExcessWorkers(factory string, workers []*types.Worker) []*types.Worker {
	max, ok := r.MaxWorkers(factory)
	if !ok {
		return nil
	}
	var fromFactory []*types.Worker
	for _, w := range workers {
		if w.Factory == factory {
			fromFactory = append(fromFactory, w)
		}
	}
	if len(fromFactory) <= max {
		return nil
	}

	overflow := len(fromFactory) - max
	var idle, busy []*types.Worker
	for _, w := range fromFactory {
		if len(w.CurrentTasks) == 0 {
			idle = append(idle, w)
		} else {
			busy = append(busy, w)
		}
	}

	var victims []*types.Worker
	for _, w := range idle {
		if len(victims) >= overflow {
			break
		}
		victims = append(victims, w)
	}
	// If idle workers alone cannot satisfy the cap, the busy
	// remainder simply waits; spec.md only asks for idle workers to
	// be trimmed, not forced drains of working ones.
	_ = busy
	return victims
}
