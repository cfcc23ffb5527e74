package auth

import (
	"errors"
	"maps"
	"net/http"

	"github.com/ggoodman/socketio-server-go/httpmsg"
)

// ErrAuthorizedStatus is returned by NewUnauthorized for status 200.
var ErrAuthorizedStatus = errors.New("auth: unauthorized result cannot use status 200")

// Result is the outcome of an authorization decision. It is either
// *Authorized or *Unauthorized; consumers switch on the concrete type.
type Result interface {
	result()
}

var (
	_ Result = (*Authorized)(nil)
	_ Result = (*Unauthorized)(nil)
)

// Authorized admits the handshake. ClientData is copied onto the session.
type Authorized struct {
	ClientData map[string]any
}

func (*Authorized) result() {}

// Allow returns an Authorized result without client data.
func Allow() *Authorized {
	return &Authorized{ClientData: map[string]any{}}
}

// With sets one client data entry.
func (a *Authorized) With(key string, value any) *Authorized {
	if a.ClientData == nil {
		a.ClientData = map[string]any{}
	}
	a.ClientData[key] = value
	return a
}

// WithAll merges data into the client data.
func (a *Authorized) WithAll(data map[string]any) *Authorized {
	if a.ClientData == nil {
		a.ClientData = map[string]any{}
	}
	maps.Copy(a.ClientData, data)
	return a
}

// Unauthorized rejects the handshake with the embedded response.
type Unauthorized struct {
	*httpmsg.Response
}

func (*Unauthorized) result() {}

// NewUnauthorized returns a rejection with the given status.
func NewUnauthorized(status int) (*Unauthorized, error) {
	if status == http.StatusOK {
		return nil, ErrAuthorizedStatus
	}
	return &Unauthorized{Response: httpmsg.New(status)}, nil
}

// Deny returns a bare 401 rejection.
func Deny() *Unauthorized {
	return &Unauthorized{Response: httpmsg.Unauthorized()}
}

// Redirect returns a 307 rejection pointing at location.
func Redirect(location string) *Unauthorized {
	return &Unauthorized{Response: httpmsg.TemporaryRedirect(location)}
}

// Fail returns a 500 rejection.
func Fail() *Unauthorized {
	return &Unauthorized{Response: httpmsg.InternalServerError()}
}
