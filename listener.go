package socketio

import (
	"log/slog"

	"github.com/ggoodman/socketio-server-go/httproute"
	"github.com/ggoodman/socketio-server-go/namespace"
)

// LoggingExceptionListener logs handler and listener failures. It is the
// default ExceptionListener.
type LoggingExceptionListener struct {
	Log *slog.Logger
}

var _ ExceptionListener = (*LoggingExceptionListener)(nil)

func (l *LoggingExceptionListener) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}

func (l *LoggingExceptionListener) OnHTTPException(err error, sig httproute.Signature) {
	l.logger().Error("route.handler.fail", slog.String("route", sig.String()), slog.String("err", err.Error()))
}

func (l *LoggingExceptionListener) OnConnectException(err error, c *namespace.Client) {
	l.logger().Error("namespace.connect.fail",
		slog.String("namespace", c.Namespace().Name()),
		slog.String("sid", c.SessionID().String()),
		slog.String("err", err.Error()))
}

func (l *LoggingExceptionListener) OnDisconnectException(err error, c *namespace.Client) {
	l.logger().Error("namespace.disconnect.fail",
		slog.String("namespace", c.Namespace().Name()),
		slog.String("sid", c.SessionID().String()),
		slog.String("err", err.Error()))
}
