// Package socketio assembles the handshake negotiator, the HTTP signature
// router and the polling and WebSocket transports into a single
// http.Handler.
//
// A minimal server:
//
//	cfg, err := socketio.LoadConfig("")
//	if err != nil { ... }
//	srv, err := socketio.New(cfg)
//	if err != nil { ... }
//	srv.Namespace("/").AddConnectListener(namespace.ConnectListenerFunc(func(c *namespace.Client) {
//		_ = c.Emit("welcome")
//	}))
//	_ = srv.Run(ctx)
package socketio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/socketio-server-go/auth"
	"github.com/ggoodman/socketio-server-go/handshake"
	"github.com/ggoodman/socketio-server-go/httproute"
	"github.com/ggoodman/socketio-server-go/internal/logctx"
	"github.com/ggoodman/socketio-server-go/namespace"
	"github.com/ggoodman/socketio-server-go/pubsub"
	"github.com/ggoodman/socketio-server-go/pubsub/redis"
	"github.com/ggoodman/socketio-server-go/scheduler"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
	"github.com/ggoodman/socketio-server-go/transport/polling"
	"github.com/ggoodman/socketio-server-go/transport/websocket"
)

// ExceptionListener is told about failures in route handlers and namespace
// listeners.
type ExceptionListener interface {
	httproute.ExceptionListener
	namespace.ExceptionListener
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	log         *slog.Logger
	authz       auth.Authorizer
	store       pubsub.Store
	exc         ExceptionListener
	errw        transport.ErrorWriter
	packets     transport.PacketListener
	checkOrigin func(r *http.Request) bool
}

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *serverConfig) { c.log = l }
}

// WithAuthorizer sets the handshake authorizer. Every handshake is allowed
// when none is set.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(c *serverConfig) { c.authz = a }
}

// WithPubSub sets the cluster store. It takes precedence over
// Config.RedisAddr and is not closed by the server.
func WithPubSub(s pubsub.Store) Option {
	return func(c *serverConfig) { c.store = s }
}

func WithExceptionListener(l ExceptionListener) Option {
	return func(c *serverConfig) { c.exc = l }
}

func WithErrorWriter(w transport.ErrorWriter) Option {
	return func(c *serverConfig) { c.errw = w }
}

// WithPacketListener receives every client packet the engine does not handle
// itself.
func WithPacketListener(l transport.PacketListener) Option {
	return func(c *serverConfig) { c.packets = l }
}

// WithCheckOrigin overrides the origin policy for WebSocket upgrades.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(c *serverConfig) { c.checkOrigin = fn }
}

// Server is a configured engine. It is an http.Handler.
type Server struct {
	cfg        Config
	log        *slog.Logger
	sched      *scheduler.Scheduler
	registry   *sessions.Registry
	router     *httproute.Router
	hub        *namespace.Hub
	negotiator *handshake.Negotiator
	store      pubsub.Store
	ownsStore  bool
	handler    http.Handler

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and wires a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc := &serverConfig{}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.log == nil {
		sc.log = slog.Default()
	}
	if sc.exc == nil {
		sc.exc = &LoggingExceptionListener{Log: sc.log}
	}
	if sc.errw == nil {
		sc.errw = transport.JSONErrorWriter{}
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	s := &Server{
		cfg:      cfg,
		log:      logctx.Wrap(sc.log),
		sched:    scheduler.New(scheduler.WithLogger(sc.log)),
		registry: sessions.NewRegistry(0),
		store:    sc.store,
	}
	if s.store == nil && cfg.RedisAddr != "" {
		s.store = redis.New(redis.Config{
			Addr:          cfg.RedisAddr,
			ChannelPrefix: cfg.RedisChannelPrefix,
			Logger:        sc.log,
		})
		s.ownsStore = true
	}

	s.router = httproute.NewRouter(
		httproute.WithLogger(sc.log),
		httproute.WithExceptionListener(sc.exc),
		httproute.WithMaxBodyBytes(cfg.MaxHTTPBodyBytes),
	)
	s.hub = namespace.NewHub(
		namespace.WithLogger(sc.log),
		namespace.WithExceptionListener(sc.exc),
	)

	hopts := []handshake.Option{
		handshake.WithLogger(sc.log),
		handshake.WithRouter(s.router),
		handshake.WithNamespaces(s.hub),
		handshake.WithErrorWriter(sc.errw),
		handshake.WithNodeID(nodeID),
	}
	if sc.authz != nil {
		hopts = append(hopts, handshake.WithAuthorizer(sc.authz))
	}
	if s.store != nil {
		hopts = append(hopts, handshake.WithPubSub(s.store))
	}
	s.negotiator = handshake.New(cfg.handshakeConfig(), s.sched, s.registry, hopts...)
	s.store = s.negotiator.PubSub()

	pollingHandler := polling.New(s.negotiator, s.registry,
		polling.WithLogger(sc.log),
		polling.WithPollTimeout(cfg.PingInterval),
		polling.WithMaxBodyBytes(cfg.MaxHTTPBodyBytes),
		polling.WithErrorWriter(sc.errw),
		polling.WithPacketListener(sc.packets),
	)
	wsOpts := []websocket.Option{
		websocket.WithLogger(sc.log),
		websocket.WithErrorWriter(sc.errw),
		websocket.WithPacketListener(sc.packets),
		websocket.WithUpgradeTimeout(cfg.UpgradeTimeout),
		websocket.WithMaxMessageBytes(cfg.MaxHTTPBodyBytes),
	}
	if sc.checkOrigin != nil {
		wsOpts = append(wsOpts, websocket.WithCheckOrigin(sc.checkOrigin))
	}
	wsHandler := websocket.New(s.negotiator, s.registry, s.sched, wsOpts...)

	transports := transport.Switch(map[sessions.Transport]http.Handler{
		sessions.Polling:   pollingHandler,
		sessions.WebSocket: wsHandler,
	}, sc.errw)
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, cfg.Path) {
			http.NotFound(w, r)
			return
		}
		transports.ServeHTTP(w, r)
	})
	s.handler = s.router.Filter(s.negotiator.Handler(engine))

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the signature router consulted before the handshake.
func (s *Server) Router() *httproute.Router { return s.router }

// Namespace returns the named namespace, creating it on first use.
func (s *Server) Namespace(name string) *namespace.Namespace { return s.hub.Of(name) }

func (s *Server) Negotiator() *handshake.Negotiator { return s.negotiator }
func (s *Server) Registry() *sessions.Registry      { return s.registry }
func (s *Server) Config() Config                    { return s.cfg }

// HTTPServer returns an http.Server for addr with the connection hooks that
// drive the first-data timeout. An empty addr uses Config.Addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	if addr == "" {
		addr = s.cfg.Addr
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ConnContext:       s.negotiator.ConnContext,
		ConnState:         s.negotiator.ConnState,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// WatchCluster subscribes to session events from other nodes. A session
// connected elsewhere under an id that is live here replaces the local one.
// Subscriptions end when ctx is done or the server is closed.
func (s *Server) WatchCluster(ctx context.Context) error {
	self := s.negotiator.NodeID()

	err := s.store.Subscribe(ctx, pubsub.Connect, func(ctx context.Context, msg pubsub.Message) {
		if msg.NodeID == self {
			return
		}
		s.log.DebugContext(ctx, "cluster.session.connect", slog.String("sid", msg.SessionID), slog.String("node", msg.NodeID))
		id, err := uuid.Parse(msg.SessionID)
		if err != nil {
			return
		}
		if local, ok := s.registry.Get(id); ok {
			s.negotiator.Disconnect(ctx, local, transport.ReasonReplaced)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe connect: %w", err)
	}

	err = s.store.Subscribe(ctx, pubsub.Disconnect, func(ctx context.Context, msg pubsub.Message) {
		if msg.NodeID == self {
			return
		}
		s.log.DebugContext(ctx, "cluster.session.disconnect", slog.String("sid", msg.SessionID), slog.String("node", msg.NodeID))
	})
	if err != nil {
		return fmt.Errorf("subscribe disconnect: %w", err)
	}
	return nil
}

// Run serves on Config.Addr until ctx is done, then shuts down gracefully and
// closes the server.
func (s *Server) Run(ctx context.Context) error {
	if err := s.WatchCluster(ctx); err != nil {
		return err
	}

	hs := s.HTTPServer("")
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "server.listen", slog.String("addr", hs.Addr), slog.String("path", s.cfg.Path))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	// Closing first ends long polls and sockets so Shutdown can drain.
	closeErr := s.Close()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return closeErr
}

// Close disconnects every session, stops pending tasks and releases the
// cluster store when the server created it.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.negotiator.Close(); err != nil {
			errs = append(errs, err)
		}
		s.sched.Close()
		if s.ownsStore {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
