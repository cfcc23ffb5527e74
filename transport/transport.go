// Package transport defines the contract between the handshake negotiator and
// the wire transports that carry a session after it is established.
package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/sessions"
)

// Lifecycle is implemented by the negotiator and called by transports as a
// session moves through its life.
type Lifecycle interface {
	// Connect attaches s to the default namespace. It is called by the
	// transport once it is ready to deliver the session's first packets.
	Connect(ctx context.Context, s *sessions.Session)

	// Heartbeat records client liveness for s.
	Heartbeat(s *sessions.Session)

	// Disconnect tears s down. Calling it more than once is harmless.
	Disconnect(ctx context.Context, s *sessions.Session, reason string)
}

// Disconnect reasons.
const (
	ReasonPingTimeout     = "ping timeout"
	ReasonTransportClose  = "transport close"
	ReasonTransportError  = "transport error"
	ReasonClientNamespace = "client namespace disconnect"
	ReasonServerShutdown  = "server shutting down"
	ReasonReplaced        = "session replaced"
)

// PacketListener receives Message packets that the transports do not handle
// themselves.
type PacketListener interface {
	OnPacket(ctx context.Context, s *sessions.Session, p packet.Packet)
}

// PacketListenerFunc adapts a function to PacketListener.
type PacketListenerFunc func(ctx context.Context, s *sessions.Session, p packet.Packet)

func (f PacketListenerFunc) OnPacket(ctx context.Context, s *sessions.Session, p packet.Packet) {
	f(ctx, s, p)
}

// HandlePacket applies a packet read from the client of s. Liveness packets
// feed the heartbeat, a PING is answered with a PONG carrying the same data,
// and default namespace CONNECT and DISCONNECT messages drive the session
// lifecycle. Other messages go to l when it is set.
func HandlePacket(ctx context.Context, life Lifecycle, s *sessions.Session, p packet.Packet, l PacketListener) {
	switch p.Type {
	case packet.Pong:
		life.Heartbeat(s)
	case packet.Ping:
		life.Heartbeat(s)
		_ = s.Send(packet.Packet{Type: packet.Pong, Data: p.Data})
	case packet.Close:
		life.Disconnect(ctx, s, ReasonTransportClose)
	case packet.Message:
		switch {
		case p.SubType == packet.Connect && p.Namespace == "":
			life.Connect(ctx, s)
		case p.SubType == packet.Disconnect && p.Namespace == "":
			life.Disconnect(ctx, s, ReasonClientNamespace)
		case l != nil:
			l.OnPacket(ctx, s, p)
		}
	}
}

// ErrorWriter writes protocol-level rejections.
type ErrorWriter interface {
	WriteError(w http.ResponseWriter, r *http.Request, msg packet.ErrorMessage)
}

// ErrorWriterFunc adapts a function to ErrorWriter.
type ErrorWriterFunc func(w http.ResponseWriter, r *http.Request, msg packet.ErrorMessage)

func (f ErrorWriterFunc) WriteError(w http.ResponseWriter, r *http.Request, msg packet.ErrorMessage) {
	f(w, r, msg)
}

// JSONErrorWriter writes the error as a JSON object and closes the
// connection. Cross-origin requests get their Origin echoed back so browser
// clients can read the payload.
type JSONErrorWriter struct{}

func (JSONErrorWriter) WriteError(w http.ResponseWriter, r *http.Request, msg packet.ErrorMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Connection", "close")
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	w.WriteHeader(StatusFor(msg))
	_, _ = w.Write(body)
}

// Switch routes each request to the handler registered for its "transport"
// query value. Requests naming no registered transport get a Transport
// unknown error.
func Switch(handlers map[sessions.Transport]http.Handler, errw ErrorWriter) http.Handler {
	if errw == nil {
		errw = JSONErrorWriter{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := sessions.ParseTransport(r.URL.Query().Get("transport"))
		if s, fromHandshake := sessions.FromContext(r.Context()); fromHandshake {
			t, ok = s.Transport(), true
		}
		h, registered := handlers[t]
		if !ok || !registered {
			errw.WriteError(w, r, packet.TransportUnknown)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// StatusFor maps an error code to the HTTP status used to carry it.
func StatusFor(msg packet.ErrorMessage) int {
	switch msg.Code {
	case packet.TransportUnknown.Code:
		return http.StatusUnauthorized
	case packet.Forbidden.Code:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
