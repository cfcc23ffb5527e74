package namespace

import (
	"log/slog"
	"sync"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger handed to every namespace.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithExceptionListener sets the listener told about listener panics.
func WithExceptionListener(l ExceptionListener) Option {
	return func(h *Hub) { h.exc = l }
}

// Hub owns the namespaces of a server. The default namespace always exists.
type Hub struct {
	log *slog.Logger
	exc ExceptionListener

	mu         sync.RWMutex
	namespaces map[string]*Namespace
}

// NewHub returns a hub holding only the default namespace.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		log:        slog.Default(),
		namespaces: make(map[string]*Namespace),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.namespaces[DefaultName] = newNamespace(DefaultName, h.log, h.exc)
	return h
}

// Of returns the namespace called name, creating it on first use. "/" names
// the default namespace.
func (h *Hub) Of(name string) *Namespace {
	if name == "/" {
		name = DefaultName
	}

	h.mu.RLock()
	ns, ok := h.namespaces[name]
	h.mu.RUnlock()
	if ok {
		return ns
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ns, ok := h.namespaces[name]; ok {
		return ns
	}
	ns = newNamespace(name, h.log, h.exc)
	h.namespaces[name] = ns
	return ns
}

// Get returns the namespace called name without creating it.
func (h *Hub) Get(name string) (*Namespace, bool) {
	if name == "/" {
		name = DefaultName
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	ns, ok := h.namespaces[name]
	return ns, ok
}

// Default returns the default namespace.
func (h *Hub) Default() *Namespace {
	return h.Of(DefaultName)
}

// Remove drops a namespace. The default namespace cannot be removed.
func (h *Hub) Remove(name string) {
	if name == DefaultName || name == "/" {
		return
	}
	h.mu.Lock()
	delete(h.namespaces, name)
	h.mu.Unlock()
}
