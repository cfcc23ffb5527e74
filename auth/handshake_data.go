package auth

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HandshakeData is an immutable snapshot of the handshake request. Accessors
// that return maps return copies.
type HandshakeData struct {
	header     http.Header
	query      url.Values
	remoteAddr string
	localAddr  string
	uri        string
	path       string
	time       time.Time
	xdomain    bool
}

// NewHandshakeData captures r. Headers and query parameters are deep copied so
// later mutation of the request is not observable.
func NewHandshakeData(r *http.Request) *HandshakeData {
	d := &HandshakeData{
		header:     r.Header.Clone(),
		query:      cloneValues(r.URL.Query()),
		remoteAddr: r.RemoteAddr,
		uri:        r.RequestURI,
		path:       r.URL.Path,
		time:       time.Now(),
	}
	if d.header == nil {
		d.header = http.Header{}
	}
	if d.uri == "" {
		d.uri = r.URL.RequestURI()
	}
	if la, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && la != nil {
		d.localAddr = la.String()
	}
	// A present Origin header marks a cross-origin request unless it is the
	// literal "null" sent by sandboxed documents.
	if origins := r.Header.Values("Origin"); len(origins) > 0 {
		d.xdomain = !strings.EqualFold(origins[0], "null")
	}
	return d
}

// Header returns a copy of the request headers.
func (d *HandshakeData) Header() http.Header { return d.header.Clone() }

// SingleHeader returns the first value of the named header.
func (d *HandshakeData) SingleHeader(name string) string { return d.header.Get(name) }

// Query returns a copy of the query parameters.
func (d *HandshakeData) Query() url.Values { return cloneValues(d.query) }

// SingleParam returns the first value of the named query parameter.
func (d *HandshakeData) SingleParam(name string) string { return d.query.Get(name) }

// Cookie returns the first cookie named name across all Cookie headers.
func (d *HandshakeData) Cookie(name string) (*http.Cookie, bool) {
	r := http.Request{Header: d.header}
	c, err := r.Cookie(name)
	if err != nil {
		return nil, false
	}
	return c, true
}

func (d *HandshakeData) RemoteAddr() string { return d.remoteAddr }
func (d *HandshakeData) LocalAddr() string  { return d.localAddr }
func (d *HandshakeData) URI() string        { return d.uri }
func (d *HandshakeData) Path() string       { return d.path }
func (d *HandshakeData) Time() time.Time    { return d.time }

// XDomain reports whether the handshake was cross-origin.
func (d *HandshakeData) XDomain() bool { return d.xdomain }

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
