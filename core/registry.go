package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipstack/siptx/sip"
)

// Predicate decides whether a registration applies to a given request.
type Predicate func(req *sip.Request) bool

// Any matches every request. Useful for a catch-all registration placed
// last.
func Any(*sip.Request) bool { return true }

// registration pairs a handler with the predicate that selects it.
type registration struct {
	predicate Predicate
	handler   UasHandler
}

// Registry is an ordered set of UasHandler registrations. A request is
// routed to the first registration whose predicate matches; registration
// order is therefore significant. A registration lives for the process
// lifetime unless explicitly removed with Deregister.
type Registry struct {
	mu   sync.RWMutex
	regs []*registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds handler behind predicate at the end of the match order and
// runs its Init hook.
func (r *Registry) Register(ctx context.Context, predicate Predicate, handler UasHandler) error {
	if predicate == nil {
		predicate = Any
	}
	if err := handler.Init(ctx); err != nil {
		return fmt.Errorf("core: handler init failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, &registration{predicate: predicate, handler: handler})
	return nil
}

// Deregister removes the first registration backed by handler, if present.
func (r *Registry) Deregister(handler UasHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.regs {
		if reg.handler == handler {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the first handler whose predicate matches req.
func (r *Registry) Lookup(req *sip.Request) (UasHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.regs {
		if reg.predicate(req) {
			return reg.handler, true
		}
	}
	return nil, false
}

// List returns the currently registered handlers in match order.
func (r *Registry) List() []UasHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UasHandler, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.handler
	}
	return out
}
