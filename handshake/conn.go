package handshake

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/ggoodman/socketio-server-go/scheduler"
	"github.com/ggoodman/socketio-server-go/sessions"
)

type connKey struct{}

// ConnFromContext returns the connection handle attached by ConnContext.
func ConnFromContext(ctx context.Context) (*sessions.Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*sessions.Conn)
	return c, ok && c != nil
}

func firstDataKey(c *sessions.Conn) scheduler.Key {
	return scheduler.Key{Kind: scheduler.PingTimeout, Value: c}
}

// ConnContext is meant for http.Server.ConnContext. It wraps c in a handle
// that follows the connection through its requests.
func (n *Negotiator) ConnContext(ctx context.Context, c net.Conn) context.Context {
	h := sessions.NewConn(c)
	n.connMu.Lock()
	n.conns[c] = h
	n.connMu.Unlock()
	return context.WithValue(ctx, connKey{}, h)
}

// ConnState is meant for http.Server.ConnState. A new connection must send a
// request within the first-data timeout or it is closed.
func (n *Negotiator) ConnState(c net.Conn, state http.ConnState) {
	n.connMu.Lock()
	h, ok := n.conns[c]
	if !ok && state == http.StateNew {
		h = sessions.NewConn(c)
		n.conns[c] = h
		ok = true
	}
	if ok && (state == http.StateClosed || state == http.StateHijacked) {
		delete(n.conns, c)
	}
	n.connMu.Unlock()
	if !ok {
		return
	}

	switch state {
	case http.StateNew:
		if n.cfg.FirstDataTimeout <= 0 {
			return
		}
		n.sched.Schedule(firstDataKey(h), func() {
			n.log.Debug("conn.first_data.timeout",
				slog.String("remote_addr", h.RemoteAddr()),
				slog.Duration("timeout", n.cfg.FirstDataTimeout),
			)
			_ = h.Close()
		}, n.cfg.FirstDataTimeout)
	case http.StateActive:
		n.sched.Cancel(firstDataKey(h))
	case http.StateHijacked:
		n.sched.Cancel(firstDataKey(h))
	case http.StateClosed:
		n.sched.Cancel(firstDataKey(h))
		n.registry.Unbind(h)
	}
}
