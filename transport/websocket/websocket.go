// Package websocket implements the WebSocket transport, both for sessions
// negotiated directly on a WebSocket and for polling sessions that upgrade.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/ggoodman/socketio-server-go/internal/logctx"
	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/scheduler"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

const probe = "probe"

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func WithErrorWriter(w transport.ErrorWriter) Option {
	return func(h *Handler) {
		if w != nil {
			h.errw = w
		}
	}
}

func WithPacketListener(l transport.PacketListener) Option {
	return func(h *Handler) { h.packets = l }
}

// WithCheckOrigin overrides the origin policy applied to upgrade requests.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithUpgradeTimeout bounds the probe exchange of a polling session moving to
// a WebSocket.
func WithUpgradeTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.upgradeTimeout = d
		}
	}
}

// WithMaxMessageBytes bounds inbound frames.
func WithMaxMessageBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxMessage = n
		}
	}
}

// Handler serves WebSocket requests for sessions established by the
// negotiator.
type Handler struct {
	life     transport.Lifecycle
	registry *sessions.Registry
	sched    *scheduler.Scheduler
	log      *slog.Logger
	errw     transport.ErrorWriter
	packets  transport.PacketListener
	upgrader gws.Upgrader

	upgradeTimeout time.Duration
	writeTimeout   time.Duration
	maxMessage     int64
}

// New returns a WebSocket handler. Upgrade deadlines are armed on sched.
func New(life transport.Lifecycle, registry *sessions.Registry, sched *scheduler.Scheduler, opts ...Option) *Handler {
	h := &Handler{
		life:           life,
		registry:       registry,
		sched:          sched,
		log:            slog.Default(),
		errw:           transport.JSONErrorWriter{},
		upgradeTimeout: 10 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessage:     1 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, fresh := sessions.FromContext(ctx)
	if !fresh {
		id, err := uuid.Parse(r.URL.Query().Get("sid"))
		if err == nil {
			s, _ = h.registry.Get(id)
		}
		if s == nil {
			h.log.WarnContext(ctx, "websocket.session.unknown", slog.String("sid", r.URL.Query().Get("sid")))
			h.errw.WriteError(w, r, packet.SessionIDUnknown)
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID().String(), Transport: s.Transport().String()})
		if s.Transport() != sessions.Polling || s.Upgraded() {
			h.errw.WriteError(w, r, packet.BadRequest)
			return
		}
	}

	if !gws.IsWebSocketUpgrade(r) {
		h.errw.WriteError(w, r, packet.BadRequest)
		if fresh {
			h.life.Disconnect(ctx, s, transport.ReasonTransportError)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.log.WarnContext(ctx, "websocket.upgrade.fail", slog.String("err", err.Error()))
		if fresh {
			h.life.Disconnect(ctx, s, transport.ReasonTransportError)
		}
		return
	}
	conn.SetReadLimit(h.maxMessage)
	ctx = context.WithoutCancel(ctx)

	if !fresh {
		if err := h.probe(ctx, conn, s); err != nil {
			h.log.InfoContext(ctx, "websocket.upgrade.abort", slog.String("err", err.Error()))
			_ = conn.Close()
			return
		}
		h.log.DebugContext(ctx, "websocket.upgrade.ok")
	}

	s.OnClose(func() {
		_ = conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})

	if fresh {
		h.life.Connect(ctx, s)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, conn, s)
	}()
	h.readLoop(ctx, conn, s)
	<-done
}

var errProbe = errors.New("unexpected packet during upgrade")

// probe answers the client's probe PING and waits for the UPGRADE packet. The
// exchange must finish before the upgrade deadline or the socket is closed.
func (h *Handler) probe(ctx context.Context, conn *gws.Conn, s *sessions.Session) error {
	key := scheduler.Key{Kind: scheduler.Upgrade, Value: s.ID()}
	h.sched.Schedule(key, func() {
		h.log.InfoContext(ctx, "websocket.upgrade.timeout")
		_ = conn.Close()
	}, h.upgradeTimeout)
	defer h.sched.Cancel(key)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p, err := packet.Decode(data)
		if err != nil {
			return err
		}

		switch {
		case p.Type == packet.Ping && p.Data == probe:
			b, _ := packet.Encode(packet.Packet{Type: packet.Pong, Data: probe})
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(gws.TextMessage, b); err != nil {
				return err
			}
			// Release any pending poll so the client can pause polling.
			_ = s.Send(packet.Packet{Type: packet.Noop})
		case p.Type == packet.Upgrade:
			s.MarkUpgraded()
			return nil
		default:
			return errProbe
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *gws.Conn, s *sessions.Session) {
	for {
		for _, p := range s.Drain() {
			b, err := packet.Encode(p)
			if err != nil {
				h.log.ErrorContext(ctx, "websocket.encode.fail", slog.String("err", err.Error()))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(gws.TextMessage, b); err != nil {
				h.life.Disconnect(ctx, s, transport.ReasonTransportError)
				return
			}
		}

		select {
		case <-s.Ready():
		case <-s.Done():
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *gws.Conn, s *sessions.Session) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			reason := transport.ReasonTransportClose
			if !s.Closed() && !gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				reason = transport.ReasonTransportError
				h.log.DebugContext(ctx, "websocket.read.fail", slog.String("err", err.Error()))
			}
			h.life.Disconnect(ctx, s, reason)
			return
		}
		if mt != gws.TextMessage {
			continue
		}

		p, err := packet.Decode(data)
		if err != nil {
			h.log.WarnContext(ctx, "websocket.decode.fail", slog.String("err", err.Error()))
			h.life.Disconnect(ctx, s, transport.ReasonTransportError)
			return
		}
		transport.HandlePacket(ctx, h.life, s, p, h.packets)
	}
}
