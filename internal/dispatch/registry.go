package dispatch

import (
	"sync"

	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
)

// Registry tracks every connection currently attached to the broker,
// keyed by transport.Connection.ID. Handlers look a connection up by
// id to deliver a reply or a notification to it. Notification fan-out
// does not go through this registry: Dispatcher.Notify walks its own
// per-connection notifier table.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]transport.Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]transport.Connection)}
}

// Register adds a connection to the registry.
func (r *Registry) Register(c transport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Unregister removes a connection from the registry.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns the connection for id, or nil if it is not (or no
// longer) registered.
func (r *Registry) Get(id string) transport.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// List returns every currently registered connection.
func (r *Registry) List() []transport.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
