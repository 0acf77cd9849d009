package handler

import (
	"fmt"
	"sync"
)

// Registry maps contract type tags to their handlers. Built-in handlers are
// registered at composition time; callers may add custom ones before the
// manager is started.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ContractHandler
}

func NewRegistry(handlers ...ContractHandler) *Registry {
	r := &Registry{
		handlers: make(map[string]ContractHandler),
	}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

func (r *Registry) Register(h ContractHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Type()]; ok {
		return fmt.Errorf("handler already registered for type %s", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

func (r *Registry) Get(contractType string) (ContractHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[contractType]
	if !ok {
		return nil, fmt.Errorf("unknown contract type %s", contractType)
	}
	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		list = append(list, t)
	}
	return list
}
