// Package sessions holds negotiated client sessions and the registry that
// indexes them by session id.
package sessions

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/ggoodman/socketio-server-go/auth"
	"github.com/ggoodman/socketio-server-go/packet"
)

// ErrClosed is returned when sending to a session that has been closed.
var ErrClosed = errors.New("session closed")

// Config describes a session at creation time.
type Config struct {
	ID         uuid.UUID
	Transport  Transport
	Handshake  *auth.HandshakeData
	Conn       *Conn
	ClientData map[string]any
}

// Session is the server-side state of one negotiated client. The id,
// transport, handshake data and owning connection never change after
// creation.
type Session struct {
	id        uuid.UUID
	transport Transport
	handshake *auth.HandshakeData
	conn      *Conn
	createdAt time.Time

	mu         sync.Mutex
	data       map[string]any
	outbound   *queue.Queue
	namespaces map[string]struct{}
	closeHooks []func()
	upgraded   bool
	closed     bool

	ready chan struct{}
	done  chan struct{}
}

// New returns an open session. ClientData is copied.
func New(cfg Config) *Session {
	s := &Session{
		id:         cfg.ID,
		transport:  cfg.Transport,
		handshake:  cfg.Handshake,
		conn:       cfg.Conn,
		createdAt:  time.Now(),
		data:       make(map[string]any, len(cfg.ClientData)),
		outbound:   queue.New(),
		namespaces: make(map[string]struct{}),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	maps.Copy(s.data, cfg.ClientData)
	return s
}

func (s *Session) ID() uuid.UUID                  { return s.id }
func (s *Session) Transport() Transport           { return s.transport }
func (s *Session) Handshake() *auth.HandshakeData { return s.handshake }
func (s *Session) CreatedAt() time.Time           { return s.createdAt }

// Conn returns the connection that performed the handshake. It is nil when the
// session was created outside of a tracked server connection.
func (s *Session) Conn() *Conn { return s.conn }

// Get returns a client data entry.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	return v, ok
}

// Set stores a client data entry.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
}

// ClientData returns a copy of all client data.
func (s *Session) ClientData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.data)
}

// Send enqueues p for delivery by the session's transport.
func (s *Session) Send(p packet.Packet) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.outbound.Add(p)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every queued packet in FIFO order.
func (s *Session) Drain() []packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.outbound.Length()
	if n == 0 {
		return nil
	}
	out := make([]packet.Packet, 0, n)
	for s.outbound.Length() > 0 {
		out = append(out, s.outbound.Remove().(packet.Packet))
	}
	return out
}

// Pending returns the number of queued packets.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.outbound.Length()
}

// Ready is signalled after Send enqueues a packet. A single signal may cover
// several packets; receivers should Drain until empty.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// JoinNamespace records membership of name and reports whether it is new.
func (s *Session) JoinNamespace(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.namespaces[name]; ok {
		return false
	}
	s.namespaces[name] = struct{}{}
	return true
}

// LeaveNamespace removes membership of name.
func (s *Session) LeaveNamespace(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces, name)
}

// Namespaces returns the joined namespace names in sorted order.
func (s *Session) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name := range s.namespaces {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MarkUpgraded records that the session moved to a WebSocket channel. The
// negotiated transport is unchanged.
func (s *Session) MarkUpgraded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upgraded = true
}

func (s *Session) Upgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upgraded
}

// OnClose registers fn to run when the session closes. If the session is
// already closed fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeHooks = append(s.closeHooks, fn)
	s.mu.Unlock()
}

// Close marks the session closed, discards queued packets and runs the close
// hooks. It reports whether this call performed the close.
func (s *Session) Close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	hooks := s.closeHooks
	s.closeHooks = nil
	for s.outbound.Length() > 0 {
		s.outbound.Remove()
	}
	close(s.done)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return true
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

type sessionKey struct{}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session carried by ctx.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
