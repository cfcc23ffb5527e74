// Package namespace groups sessions into named channels and notifies
// application listeners when sessions join or leave them.
package namespace

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/sessions"
)

// DefaultName is the namespace every session joins on connect.
const DefaultName = ""

// Client is a session's view of one namespace.
type Client struct {
	ns   *Namespace
	sess *sessions.Session
}

func (c *Client) Namespace() *Namespace      { return c.ns }
func (c *Client) Session() *sessions.Session { return c.sess }
func (c *Client) SessionID() uuid.UUID       { return c.sess.ID() }

// Emit sends an event packet to the client on this namespace.
func (c *Client) Emit(event string, args ...any) error {
	data := append([]any{event}, args...)
	return c.sess.Send(packet.NewMessage(packet.Event, c.ns.name, data))
}

// ConnectListener is told when a client connects to a namespace.
type ConnectListener interface {
	OnConnect(c *Client)
}

// ConnectListenerFunc adapts a function to ConnectListener.
type ConnectListenerFunc func(c *Client)

func (f ConnectListenerFunc) OnConnect(c *Client) { f(c) }

// DisconnectListener is told when a client leaves a namespace.
type DisconnectListener interface {
	OnDisconnect(c *Client)
}

// DisconnectListenerFunc adapts a function to DisconnectListener.
type DisconnectListenerFunc func(c *Client)

func (f DisconnectListenerFunc) OnDisconnect(c *Client) { f(c) }

// ExceptionListener is told about listener panics.
type ExceptionListener interface {
	OnConnectException(err error, c *Client)
	OnDisconnectException(err error, c *Client)
}

// Namespace holds the clients connected under one name.
type Namespace struct {
	name string
	log  *slog.Logger
	exc  ExceptionListener

	mu        sync.RWMutex
	clients   map[uuid.UUID]*Client
	onConnect []ConnectListener
	onDiscon  []DisconnectListener
}

func newNamespace(name string, log *slog.Logger, exc ExceptionListener) *Namespace {
	return &Namespace{
		name:    name,
		log:     log,
		exc:     exc,
		clients: make(map[uuid.UUID]*Client),
	}
}

func (n *Namespace) Name() string { return n.name }

// AddConnectListener registers l for future connects.
func (n *Namespace) AddConnectListener(l ConnectListener) {
	n.mu.Lock()
	n.onConnect = append(n.onConnect, l)
	n.mu.Unlock()
}

// AddDisconnectListener registers l for future disconnects.
func (n *Namespace) AddDisconnectListener(l DisconnectListener) {
	n.mu.Lock()
	n.onDiscon = append(n.onDiscon, l)
	n.mu.Unlock()
}

// Join adds s as a client and returns its handle. Joining twice returns the
// existing handle.
func (n *Namespace) Join(s *sessions.Session) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.clients[s.ID()]; ok {
		return c
	}
	c := &Client{ns: n, sess: s}
	n.clients[s.ID()] = c
	return c
}

// Client returns the handle for id.
func (n *Namespace) Client(id uuid.UUID) (*Client, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	c, ok := n.clients[id]
	return c, ok
}

// Clients returns a snapshot of connected clients.
func (n *Namespace) Clients() []*Client {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Client, 0, len(n.clients))
	for _, c := range n.clients {
		out = append(out, c)
	}
	return out
}

// Len returns the number of connected clients.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.clients)
}

// OnConnect runs the connect listeners for c. A panicking listener is
// reported and does not stop the others.
func (n *Namespace) OnConnect(c *Client) {
	n.mu.RLock()
	listeners := append([]ConnectListener(nil), n.onConnect...)
	n.mu.RUnlock()

	for _, l := range listeners {
		if err := safeCall(func() { l.OnConnect(c) }); err != nil {
			n.log.Error("namespace.connect.listener.fail",
				slog.String("ns", n.name),
				slog.String("sid", c.SessionID().String()),
				slog.String("err", err.Error()),
			)
			if n.exc != nil {
				n.exc.OnConnectException(err, c)
			}
		}
	}
}

// Leave removes the client for id and runs the disconnect listeners. It is a
// no-op when id is not connected.
func (n *Namespace) Leave(id uuid.UUID) {
	n.mu.Lock()
	c, ok := n.clients[id]
	delete(n.clients, id)
	listeners := append([]DisconnectListener(nil), n.onDiscon...)
	n.mu.Unlock()
	if !ok {
		return
	}

	for _, l := range listeners {
		if err := safeCall(func() { l.OnDisconnect(c) }); err != nil {
			n.log.Error("namespace.disconnect.listener.fail",
				slog.String("ns", n.name),
				slog.String("sid", id.String()),
				slog.String("err", err.Error()),
			)
			if n.exc != nil {
				n.exc.OnDisconnectException(err, c)
			}
		}
	}
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	fn()
	return nil
}
