// Package handshake turns an inbound HTTP request into an established session.
//
// The Negotiator sits in front of the transport handlers. It authorizes new
// handshakes, resolves the session id, checks the requested transport,
// registers the session, queues the OPEN packet and arms the liveness timers.
// Requests that continue an existing session are passed through untouched.
package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/socketio-server-go/auth"
	"github.com/ggoodman/socketio-server-go/httpmsg"
	"github.com/ggoodman/socketio-server-go/httproute"
	"github.com/ggoodman/socketio-server-go/internal/logctx"
	"github.com/ggoodman/socketio-server-go/namespace"
	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/pubsub"
	"github.com/ggoodman/socketio-server-go/pubsub/memory"
	"github.com/ggoodman/socketio-server-go/scheduler"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

// SessionCookie names the header and cookie a client may use to present a
// previous session id.
const SessionCookie = "io"

var _ transport.Lifecycle = (*Negotiator)(nil)

// Negotiator establishes sessions. It is safe for concurrent use.
type Negotiator struct {
	cfg      Config
	log      *slog.Logger
	sched    *scheduler.Scheduler
	registry *sessions.Registry
	authz    auth.Authorizer
	router   *httproute.Router
	hub      *namespace.Hub
	store    pubsub.Store
	errw     transport.ErrorWriter
	nodeID   string

	ownsStore bool
	wg        sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]*sessions.Conn
}

// New returns a negotiator that schedules timers on sched and registers
// sessions in registry.
func New(cfg Config, sched *scheduler.Scheduler, registry *sessions.Registry, opts ...Option) *Negotiator {
	n := &Negotiator{
		cfg:      cfg,
		log:      slog.Default(),
		sched:    sched,
		registry: registry,
		authz:    auth.AllowAll,
		errw:     transport.JSONErrorWriter{},
		nodeID:   uuid.NewString(),
		conns:    make(map[net.Conn]*sessions.Conn),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logctx.Wrap(n.log)
	if n.hub == nil {
		n.hub = namespace.NewHub(namespace.WithLogger(n.log))
	}
	if n.store == nil {
		n.store = memory.New()
		n.ownsStore = true
	}
	return n
}

func (n *Negotiator) Config() Config                     { return n.cfg }
func (n *Negotiator) Registry() *sessions.Registry       { return n.registry }
func (n *Negotiator) Namespaces() *namespace.Hub         { return n.hub }
func (n *Negotiator) PubSub() pubsub.Store               { return n.store }
func (n *Negotiator) ErrorWriter() transport.ErrorWriter { return n.errw }
func (n *Negotiator) NodeID() string                     { return n.nodeID }

// Handler returns middleware that negotiates new handshakes and forwards the
// established session, and every continuation request, to next.
func (n *Negotiator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.serve(w, r, next)
	})
}

func (n *Negotiator) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	if c, ok := ConnFromContext(ctx); ok {
		n.sched.Cancel(firstDataKey(c))
	}

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	if n.router.HasAny() && !strings.HasPrefix(r.URL.Path, n.cfg.Path) {
		n.log.DebugContext(ctx, "handshake.path.reject")
		_ = httpmsg.Write(w, httpmsg.New(http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	if r.URL.Path != n.cfg.Path || query.Has("sid") {
		next.ServeHTTP(w, r)
		return
	}

	data := auth.NewHandshakeData(r)
	authorized, rejection := n.decide(ctx, data)
	if authorized == nil {
		n.log.InfoContext(ctx, "handshake.unauthorized", slog.Int("status", rejection.Status))
		if err := httpmsg.Write(w, rejection); err != nil {
			n.log.ErrorContext(ctx, "handshake.reject.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	sid := n.sessionID(ctx, r)

	names, ok := query["transport"]
	if !ok {
		n.log.WarnContext(ctx, "handshake.transport.missing", slog.String("uri", data.URI()))
		_ = httpmsg.Write(w, httpmsg.Unauthorized())
		return
	}
	tr, ok := sessions.ParseTransport(names[0])
	if !ok || !n.cfg.enabled(tr) {
		n.log.WarnContext(ctx, "handshake.transport.unknown", slog.String("transport", names[0]))
		n.errw.WriteError(w, r, packet.TransportUnknown)
		return
	}
	if r.Method != http.MethodGet {
		n.log.WarnContext(ctx, "handshake.method.bad", slog.String("method", r.Method))
		n.errw.WriteError(w, r, packet.BadHandshakeMethod)
		return
	}

	s := n.establish(ctx, sid, tr, data, authorized)

	ctx = sessions.NewContext(ctx, s)
	ctx = logctx.WithSessionData(ctx, sessionData(s))
	n.log.InfoContext(ctx, "handshake.authorized")
	next.ServeHTTP(w, r.WithContext(ctx))
}

// decide runs the authorizer. Exactly one of the results is non-nil.
func (n *Negotiator) decide(ctx context.Context, data *auth.HandshakeData) (*auth.Authorized, *httpmsg.Response) {
	switch res := n.authorize(ctx, data).(type) {
	case *auth.Authorized:
		if res != nil {
			return res, nil
		}
	case *auth.Unauthorized:
		if res == nil || res.Response == nil {
			break
		}
		if res.Status == 0 || res.Status == http.StatusOK {
			n.log.WarnContext(ctx, "handshake.unauthorized.status", slog.Int("status", res.Status))
			break
		}
		return nil, res.Response
	}
	return nil, httpmsg.Unauthorized()
}

func (n *Negotiator) authorize(ctx context.Context, data *auth.HandshakeData) (res auth.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			n.log.ErrorContext(ctx, "handshake.authorizer.fail", slog.String("err", fmt.Sprintf("panic: %v", rec)))
			res = nil
		}
	}()

	res, err := n.authz.Authorize(ctx, data)
	if err != nil {
		n.log.ErrorContext(ctx, "handshake.authorizer.fail", slog.String("err", err.Error()))
		return nil
	}
	return res
}

// sessionID returns a fresh id unless the client presented a usable one. A
// single io header wins over io cookies; the first parseable cookie wins over
// later ones.
func (n *Negotiator) sessionID(ctx context.Context, r *http.Request) uuid.UUID {
	if n.cfg.RandomSession {
		return uuid.New()
	}

	if values := r.Header.Values(SessionCookie); len(values) == 1 {
		id, err := uuid.Parse(values[0])
		if err == nil {
			return id
		}
		n.log.WarnContext(ctx, "handshake.sid.malformed", slog.String("source", "header"), slog.String("value", values[0]))
	}

	for _, c := range r.Cookies() {
		if c.Name != SessionCookie {
			continue
		}
		id, err := uuid.Parse(c.Value)
		if err == nil {
			return id
		}
		n.log.WarnContext(ctx, "handshake.sid.malformed", slog.String("source", "cookie"), slog.String("value", c.Value))
	}

	return uuid.New()
}

func (n *Negotiator) establish(ctx context.Context, sid uuid.UUID, tr sessions.Transport, data *auth.HandshakeData, authorized *auth.Authorized) *sessions.Session {
	if prev, ok := n.registry.Get(sid); ok {
		n.Disconnect(ctx, prev, transport.ReasonReplaced)
	}

	conn, _ := ConnFromContext(ctx)
	s := sessions.New(sessions.Config{
		ID:         sid,
		Transport:  tr,
		Handshake:  data,
		Conn:       conn,
		ClientData: authorized.ClientData,
	})
	n.registry.Add(s)
	n.registry.Bind(conn, s)

	upgrades := []string{}
	if n.cfg.enabled(sessions.WebSocket) {
		upgrades = append(upgrades, sessions.WebSocket.String())
	}
	_ = s.Send(packet.NewOpen(packet.OpenPayload{
		SID:          sid.String(),
		Upgrades:     upgrades,
		PingInterval: n.cfg.PingInterval.Milliseconds(),
		PingTimeout:  n.cfg.PingTimeout.Milliseconds(),
		MaxPayload:   n.cfg.MaxPayload,
	}))

	n.schedulePingTimeout(s)
	n.schedulePing(s)
	return s
}

func sessionData(s *sessions.Session) *logctx.SessionData {
	sd := &logctx.SessionData{SessionID: s.ID().String(), Transport: s.Transport().String()}
	if v, ok := s.Get(auth.ClientDataUserID); ok {
		if uid, ok := v.(string); ok {
			sd.UserID = uid
		}
	}
	return sd
}

// Close disconnects every registered session, waits for pending event
// publishes and closes the pub/sub store if the negotiator created it.
func (n *Negotiator) Close() error {
	for _, s := range n.registry.Sessions() {
		n.Disconnect(context.Background(), s, transport.ReasonServerShutdown)
	}
	n.wg.Wait()
	if n.ownsStore {
		return n.store.Close()
	}
	return nil
}
