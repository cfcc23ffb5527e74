// Package httproute lets application code claim exact (method, path) pairs
// ahead of the handshake handler.
package httproute

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/ggoodman/socketio-server-go/httpmsg"
)

// ErrNilHandler is returned by Register when h is nil.
var ErrNilHandler = errors.New("httproute: nil handler")

// Signature identifies a route by exact method and path.
type Signature struct {
	Method string
	Path   string
}

func (s Signature) String() string { return s.Method + " " + s.Path }

// Params are the query parameters of a dispatched request.
type Params struct {
	values url.Values
}

// NewParams wraps v. The values are copied.
func NewParams(v url.Values) Params {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return Params{values: out}
}

// Get returns the first value of name, or "".
func (p Params) Get(name string) string { return p.values.Get(name) }

// GetAll returns every value of name.
func (p Params) GetAll(name string) []string {
	return append([]string(nil), p.values[name]...)
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Body is the fully read request body.
type Body struct {
	data []byte
}

func NewBody(b []byte) Body   { return Body{data: b} }
func (b Body) Bytes() []byte  { return append([]byte(nil), b.data...) }
func (b Body) String() string { return string(b.data) }
func (b Body) Len() int       { return len(b.data) }

// Request is what a Handler sees of a dispatched request.
type Request struct {
	Signature Signature
	Params    Params
	Header    http.Header
	Body      Body
}

// Handler serves a dispatched request. A nil response without error means the
// handler declined and the request continues down the pipeline.
type Handler interface {
	ServeSignature(req *Request) (*httpmsg.Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req *Request) (*httpmsg.Response, error)

func (f HandlerFunc) ServeSignature(req *Request) (*httpmsg.Response, error) { return f(req) }

// ExceptionListener is told about every handler failure.
type ExceptionListener interface {
	OnHTTPException(err error, sig Signature)
}

// ExceptionListenerFunc adapts a function to the ExceptionListener interface.
type ExceptionListenerFunc func(err error, sig Signature)

func (f ExceptionListenerFunc) OnHTTPException(err error, sig Signature) { f(err, sig) }

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithExceptionListener sets the listener told about handler failures.
func WithExceptionListener(l ExceptionListener) Option {
	return func(r *Router) {
		if l != nil {
			r.exc = l
		}
	}
}

// WithMaxBodyBytes bounds the request body read by the dispatch filter.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBody = n
		}
	}
}

const defaultMaxBodyBytes = 1 << 20

// Router maps signatures to handlers. It is safe for concurrent registration
// and dispatch.
type Router struct {
	log     *slog.Logger
	exc     ExceptionListener
	maxBody int64

	mu       sync.RWMutex
	handlers map[Signature]Handler
}

// NewRouter returns an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		log:      slog.Default(),
		maxBody:  defaultMaxBodyBytes,
		handlers: make(map[Signature]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.exc == nil {
		r.exc = ExceptionListenerFunc(func(err error, sig Signature) {
			r.log.Error("router.handler.fail",
				slog.String("signature", sig.String()),
				slog.String("err", err.Error()),
			)
		})
	}
	return r
}

// Register binds h to (method, path). A later registration for the same
// signature replaces the earlier one.
func (r *Router) Register(method, path string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	r.handlers[Signature{Method: method, Path: path}] = h
	r.mu.Unlock()
	return nil
}

// RegisterFunc is Register for a HandlerFunc.
func (r *Router) RegisterFunc(method, path string, fn func(req *Request) (*httpmsg.Response, error)) error {
	if fn == nil {
		return ErrNilHandler
	}
	return r.Register(method, path, HandlerFunc(fn))
}

// HasAny reports whether at least one handler is registered.
func (r *Router) HasAny() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers) > 0
}

// Dispatch runs the handler registered for req.Signature. It returns nil when
// no handler matches or the handler declines. A handler error or panic is
// reported to the exception listener and answered with a 500.
func (r *Router) Dispatch(req *Request) *httpmsg.Response {
	r.mu.RLock()
	h, ok := r.handlers[req.Signature]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	resp, err := r.invoke(h, req)
	if err != nil {
		r.exc.OnHTTPException(err, req.Signature)
		return httpmsg.InternalServerError()
	}
	return resp
}

func (r *Router) invoke(h Handler, req *Request) (resp *httpmsg.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.ServeSignature(req)
}
