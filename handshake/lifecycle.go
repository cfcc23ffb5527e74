package handshake

import (
	"context"
	"log/slog"

	"github.com/ggoodman/socketio-server-go/namespace"
	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/pubsub"
	"github.com/ggoodman/socketio-server-go/scheduler"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

// Liveness timers are keyed by the session itself so that a session
// replacing another under the same id never shares its timers.
func pingTimeoutKey(s *sessions.Session) scheduler.Key {
	return scheduler.Key{Kind: scheduler.PingTimeout, Value: s}
}

func pingKey(s *sessions.Session) scheduler.Key {
	return scheduler.Key{Kind: scheduler.Ping, Value: s}
}

// current reports whether s is the session registered under its id.
func (n *Negotiator) current(s *sessions.Session) bool {
	cur, ok := n.registry.Get(s.ID())
	return ok && cur == s
}

// schedulePingTimeout (re)arms the deadline by which the client must show
// signs of life.
func (n *Negotiator) schedulePingTimeout(s *sessions.Session) {
	if !n.current(s) {
		return
	}
	n.sched.Schedule(pingTimeoutKey(s), func() {
		n.Disconnect(context.Background(), s, transport.ReasonPingTimeout)
	}, n.cfg.PingInterval+n.cfg.PingTimeout)
}

func (n *Negotiator) schedulePing(s *sessions.Session) {
	if !n.current(s) {
		return
	}
	n.sched.Schedule(pingKey(s), func() {
		if err := s.Send(packet.Packet{Type: packet.Ping}); err != nil {
			return
		}
		n.schedulePing(s)
	}, n.cfg.PingInterval)
}

// Connect attaches s to the default namespace the first time it is called for
// s: the client is sent a CONNECT message, other nodes are told about the
// session and the namespace connect listeners run.
func (n *Negotiator) Connect(ctx context.Context, s *sessions.Session) {
	if s.Closed() || !s.JoinNamespace(namespace.DefaultName) {
		return
	}

	connect := packet.NewMessage(packet.Connect, namespace.DefaultName, map[string]string{"sid": s.ID().String()})
	if err := s.Send(connect); err != nil {
		return
	}

	n.publish(ctx, pubsub.Connect, pubsub.Message{SessionID: s.ID().String(), NodeID: n.nodeID})

	ns := n.hub.Default()
	ns.OnConnect(ns.Join(s))
	n.log.DebugContext(ctx, "session.connect", slog.String("sid", s.ID().String()))
}

// Heartbeat pushes back the ping timeout of s.
func (n *Negotiator) Heartbeat(s *sessions.Session) {
	if s.Closed() {
		return
	}
	n.schedulePingTimeout(s)
}

// Disconnect closes s and removes it from the registry. Only the first call
// for a session has any effect, so transports and timers may race to call it.
func (n *Negotiator) Disconnect(ctx context.Context, s *sessions.Session, reason string) {
	if !s.Close() {
		n.registry.RemoveSession(s)
		return
	}

	n.registry.RemoveSession(s)
	n.sched.Cancel(pingTimeoutKey(s))
	n.sched.Cancel(pingKey(s))

	for _, name := range s.Namespaces() {
		if ns, ok := n.hub.Get(name); ok {
			ns.Leave(s.ID())
		}
		s.LeaveNamespace(name)
	}

	n.publish(ctx, pubsub.Disconnect, pubsub.Message{SessionID: s.ID().String(), NodeID: n.nodeID})
	n.log.InfoContext(ctx, "session.disconnect",
		slog.String("sid", s.ID().String()),
		slog.String("reason", reason),
	)
}

func (n *Negotiator) publish(ctx context.Context, typ pubsub.Type, msg pubsub.Message) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.store.Publish(ctx, typ, msg); err != nil {
			n.log.WarnContext(ctx, "pubsub.publish.fail",
				slog.String("type", string(typ)),
				slog.String("sid", msg.SessionID),
				slog.String("err", err.Error()),
			)
		}
	}()
}
