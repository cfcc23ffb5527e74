// Package polling implements the HTTP long-polling transport. GET requests
// receive queued packets, waiting up to the poll timeout for one to arrive;
// POST requests deliver client packets.
package polling

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/socketio-server-go/internal/logctx"
	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

var acceptedMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/plain"),
	contenttype.NewMediaType("application/octet-stream"),
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPollTimeout bounds how long a GET waits for a packet before answering
// with a NOOP.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pollTimeout = d
		}
	}
}

// WithMaxBodyBytes bounds POST payloads.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
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

// Handler serves polling requests for sessions established by the
// negotiator.
type Handler struct {
	life        transport.Lifecycle
	registry    *sessions.Registry
	log         *slog.Logger
	errw        transport.ErrorWriter
	packets     transport.PacketListener
	pollTimeout time.Duration
	maxBody     int64

	polling sync.Map // uuid.UUID -> struct{}
}

// New returns a polling handler.
func New(life transport.Lifecycle, registry *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		life:        life,
		registry:    registry,
		log:         slog.Default(),
		errw:        transport.JSONErrorWriter{},
		pollTimeout: 25 * time.Second,
		maxBody:     1 << 20,
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
			h.log.WarnContext(ctx, "polling.session.unknown", slog.String("sid", r.URL.Query().Get("sid")))
			h.errw.WriteError(w, r, packet.SessionIDUnknown)
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.ID().String(), Transport: s.Transport().String()})
	}
	if s.Transport() != sessions.Polling {
		h.errw.WriteError(w, r, packet.BadRequest)
		return
	}

	if fresh && r.Method != http.MethodGet {
		h.errw.WriteError(w, r, packet.BadHandshakeMethod)
		h.life.Disconnect(ctx, s, transport.ReasonTransportError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.poll(ctx, w, r, s, fresh)
	case http.MethodPost:
		h.receive(ctx, w, r, s)
	default:
		h.errw.WriteError(w, r, packet.BadHandshakeMethod)
	}
}

func (h *Handler) poll(ctx context.Context, w http.ResponseWriter, r *http.Request, s *sessions.Session, fresh bool) {
	if s.Upgraded() {
		h.errw.WriteError(w, r, packet.BadRequest)
		return
	}
	if _, busy := h.polling.LoadOrStore(s.ID(), struct{}{}); busy {
		h.log.WarnContext(ctx, "polling.overlap")
		h.errw.WriteError(w, r, packet.BadRequest)
		return
	}
	defer h.polling.Delete(s.ID())

	if fresh {
		h.life.Connect(ctx, s)
	}

	pkts := s.Drain()
	if len(pkts) == 0 {
		timer := time.NewTimer(h.pollTimeout)
		defer timer.Stop()

	wait:
		for len(pkts) == 0 {
			select {
			case <-s.Ready():
				pkts = s.Drain()
			case <-s.Done():
				pkts = []packet.Packet{{Type: packet.Close}}
			case <-timer.C:
				pkts = []packet.Packet{{Type: packet.Noop}}
				break wait
			case <-ctx.Done():
				return
			}
		}
	}

	body, err := packet.EncodePayload(pkts)
	if err != nil {
		h.log.ErrorContext(ctx, "polling.encode.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeText(w, r, body)
}

func (h *Handler) receive(ctx context.Context, w http.ResponseWriter, r *http.Request, s *sessions.Session) {
	if r.Header.Get("Content-Type") != "" && !acceptedMediaType(r) {
		h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", r.Header.Get("Content-Type")))
		h.errw.WriteError(w, r, packet.BadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.log.WarnContext(ctx, "polling.body.fail", slog.String("err", err.Error()))
		h.errw.WriteError(w, r, packet.BadRequest)
		return
	}

	pkts, err := packet.DecodePayload(body)
	if err != nil {
		h.log.WarnContext(ctx, "polling.decode.fail", slog.String("err", err.Error()))
		h.errw.WriteError(w, r, packet.BadRequest)
		h.life.Disconnect(ctx, s, transport.ReasonTransportError)
		return
	}

	for _, p := range pkts {
		transport.HandlePacket(ctx, h.life, s, p, h.packets)
	}
	writeText(w, r, []byte("ok"))
}

func acceptedMediaType(r *http.Request) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		return false
	}
	for _, mt := range acceptedMediaTypes {
		if strings.EqualFold(ctype.Type, mt.Type) && strings.EqualFold(ctype.Subtype, mt.Subtype) {
			return true
		}
	}
	return false
}

func writeText(w http.ResponseWriter, r *http.Request, body []byte) {
	hdr := w.Header()
	hdr.Set("Content-Type", "text/plain; charset=UTF-8")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("Cache-Control", "no-store")
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
