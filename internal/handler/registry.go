package handler

import "github.com/flowcore/flowcore/internal/session"

// Registry resolves a Handler by command name via a plain map lookup — no
// reflection, no dynamic bean discovery. Handlers are registered at process
// start from the wiring code in cmd/flowcore.
type Registry struct {
	handlers map[string]session.Handler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]session.Handler)}
}

// Register binds commandName to h. Re-registering a name overwrites it.
func (r *Registry) Register(commandName string, h session.Handler) {
	r.handlers[commandName] = h
}

// Resolve looks up the handler bound to commandName.
func (r *Registry) Resolve(commandName string) (session.Handler, bool) {
	h, ok := r.handlers[commandName]
	return h, ok
}
