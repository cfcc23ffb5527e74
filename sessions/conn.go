package sessions

import (
	"net"
	"sync"
	"sync/atomic"
)

var connSeq atomic.Uint64

// Conn is a handle on an accepted network connection. Handles are compared by
// identity and are safe to use as map and scheduler keys.
type Conn struct {
	id   uint64
	raw  net.Conn
	once sync.Once
	err  error
}

// NewConn wraps raw in a fresh handle.
func NewConn(raw net.Conn) *Conn {
	return &Conn{id: connSeq.Add(1), raw: raw}
}

// ID is unique for the life of the process.
func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() string {
	if c.raw == nil || c.raw.RemoteAddr() == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

func (c *Conn) LocalAddr() string {
	if c.raw == nil || c.raw.LocalAddr() == nil {
		return ""
	}
	return c.raw.LocalAddr().String()
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		if c.raw != nil {
			c.err = c.raw.Close()
		}
	})
	return c.err
}
