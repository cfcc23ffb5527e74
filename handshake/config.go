package handshake

import (
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/socketio-server-go/auth"
	"github.com/ggoodman/socketio-server-go/httproute"
	"github.com/ggoodman/socketio-server-go/namespace"
	"github.com/ggoodman/socketio-server-go/pubsub"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

// Config holds the negotiation parameters.
type Config struct {
	// Path is the handshake endpoint. Requests for exactly this path with no
	// sid query parameter start a new session.
	Path string

	// Transports lists the transports clients may negotiate.
	Transports []sessions.Transport

	// RandomSession ignores client presented session ids.
	RandomSession bool

	// FirstDataTimeout bounds how long an accepted connection may stay silent
	// before it is closed. Zero disables the check.
	FirstDataTimeout time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration

	// MaxPayload is advertised in the OPEN packet when positive.
	MaxPayload int64
}

// DefaultConfig returns the Engine.IO v4 defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/socket.io/",
		Transports:       []sessions.Transport{sessions.Polling, sessions.WebSocket},
		FirstDataTimeout: 5 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      20 * time.Second,
		MaxPayload:       1_000_000,
	}
}

func (c Config) enabled(t sessions.Transport) bool {
	return slices.Contains(c.Transports, t)
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithLogger sets the logger. Records are decorated with request and session
// data.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.log = l
		}
	}
}

// WithAuthorizer sets the handshake authorization callback. The default admits
// every handshake.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(n *Negotiator) {
		if a != nil {
			n.authz = a
		}
	}
}

// WithRouter sets the application HTTP router consulted by the routing gate.
func WithRouter(r *httproute.Router) Option {
	return func(n *Negotiator) { n.router = r }
}

// WithNamespaces sets the namespace hub sessions connect to.
func WithNamespaces(h *namespace.Hub) Option {
	return func(n *Negotiator) {
		if h != nil {
			n.hub = h
		}
	}
}

// WithPubSub sets the store session events are published to. The caller keeps
// ownership of the store.
func WithPubSub(s pubsub.Store) Option {
	return func(n *Negotiator) {
		if s != nil {
			n.store = s
		}
	}
}

// WithErrorWriter sets the writer for protocol-level rejections.
func WithErrorWriter(w transport.ErrorWriter) Option {
	return func(n *Negotiator) {
		if w != nil {
			n.errw = w
		}
	}
}

// WithNodeID sets the id stamped on published events. The default is random.
func WithNodeID(id string) Option {
	return func(n *Negotiator) {
		if id != "" {
			n.nodeID = id
		}
	}
}
