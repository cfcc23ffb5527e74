package sessions

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/socketio-server-go/packet"
)

func newTestSession() *Session {
	return New(Config{ID: uuid.New(), Transport: Polling})
}

func TestParseTransport(t *testing.T) {
	if tr, ok := ParseTransport("polling"); !ok || tr != Polling {
		t.Fatalf("polling not recognised")
	}
	if tr, ok := ParseTransport("websocket"); !ok || tr != WebSocket {
		t.Fatalf("websocket not recognised")
	}
	for _, name := range []string{"", "flashsocket", "Polling"} {
		if _, ok := ParseTransport(name); ok {
			t.Fatalf("%q should not parse", name)
		}
	}
}

func TestSessionQueueIsFIFO(t *testing.T) {
	s := newTestSession()
	for i := 0; i < 5; i++ {
		if err := s.Send(packet.Packet{Type: packet.Message, Data: i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("ready not signalled")
	}
	got := s.Drain()
	if len(got) != 5 {
		t.Fatalf("want 5 packets, got %d", len(got))
	}
	for i, p := range got {
		if p.Data != i {
			t.Fatalf("packet %d out of order: %+v", i, p)
		}
	}
	if s.Pending() != 0 || s.Drain() != nil {
		t.Fatalf("queue not empty after drain")
	}
}

func TestSessionClose(t *testing.T) {
	s := newTestSession()
	_ = s.Send(packet.Packet{Type: packet.Noop})

	var hooks int
	s.OnClose(func() { hooks++ })

	if !s.Close() {
		t.Fatalf("first close should report true")
	}
	if s.Close() {
		t.Fatalf("second close should report false")
	}
	if hooks != 1 {
		t.Fatalf("want hook to run once, ran %d times", hooks)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed")
	}
	if err := s.Send(packet.Packet{Type: packet.Noop}); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("queued packets should be discarded on close")
	}

	s.OnClose(func() { hooks++ })
	if hooks != 2 {
		t.Fatalf("hook registered after close should run immediately")
	}
}

func TestSessionClientDataIsCopied(t *testing.T) {
	in := map[string]any{"user": "u1"}
	s := New(Config{ID: uuid.New(), ClientData: in})
	in["user"] = "u2"
	if v, _ := s.Get("user"); v != "u1" {
		t.Fatalf("client data aliased to caller map")
	}
	out := s.ClientData()
	out["user"] = "u3"
	if v, _ := s.Get("user"); v != "u1" {
		t.Fatalf("ClientData returned an alias")
	}
}

func TestSessionNamespaces(t *testing.T) {
	s := newTestSession()
	if !s.JoinNamespace("") {
		t.Fatalf("first join should be new")
	}
	if s.JoinNamespace("") {
		t.Fatalf("second join should not be new")
	}
	s.JoinNamespace("/chat")
	if got := s.Namespaces(); len(got) != 2 || got[0] != "" || got[1] != "/chat" {
		t.Fatalf("unexpected namespaces %v", got)
	}
	s.LeaveNamespace("/chat")
	if len(s.Namespaces()) != 1 {
		t.Fatalf("leave did not remove namespace")
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry(0)
	s := newTestSession()

	r.Add(s)
	if got, ok := r.Get(s.ID()); !ok || got != s {
		t.Fatalf("session not found after add")
	}
	if !r.Remove(s.ID()) {
		t.Fatalf("remove should report presence")
	}
	if r.Remove(s.ID()) {
		t.Fatalf("second remove should be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry, got %d", r.Len())
	}
}

func TestRegistryAddOverwrites(t *testing.T) {
	r := NewRegistry(4)
	id := uuid.New()
	a := New(Config{ID: id})
	b := New(Config{ID: id})

	r.Add(a)
	r.Add(b)
	if r.Len() != 1 {
		t.Fatalf("want one entry per id, got %d", r.Len())
	}
	if got, _ := r.Get(id); got != b {
		t.Fatalf("later add should win")
	}
}

func TestRegistryConnBinding(t *testing.T) {
	r := NewRegistry(0)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	conn := NewConn(c1)
	s := New(Config{ID: uuid.New(), Conn: conn})
	r.Add(s)
	r.Bind(conn, s)

	if got, ok := r.ByConn(conn); !ok || got != s {
		t.Fatalf("binding not found")
	}
	r.Remove(s.ID())
	if _, ok := r.ByConn(conn); ok {
		t.Fatalf("binding survived removal")
	}
}

func TestRegistryConcurrentAdds(t *testing.T) {
	r := NewRegistry(8)
	const n = 500

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add(newTestSession())
		}()
	}
	wg.Wait()

	if r.Len() != n {
		t.Fatalf("want %d sessions, got %d", n, r.Len())
	}
	seen := map[uuid.UUID]bool{}
	for _, s := range r.Sessions() {
		if seen[s.ID()] {
			t.Fatalf("duplicate id %s", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestRegistryRangeStops(t *testing.T) {
	r := NewRegistry(2)
	for i := 0; i < 10; i++ {
		r.Add(newTestSession())
	}
	var visited int
	r.Range(func(*Session) bool {
		visited++
		return visited < 3
	})
	if visited != 3 {
		t.Fatalf("want range to stop after 3, visited %d", visited)
	}
}

func TestConnClose(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	conn := NewConn(c1)
	if conn.ID() == 0 || conn.ID() == NewConn(nil).ID() {
		t.Fatalf("conn ids should be unique and non-zero")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = conn.Close()

	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatalf("peer should observe close")
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	for in, want := range map[uint32]uint32{0: 1, 1: 1, 3: 4, 16: 16, 17: 32} {
		if got := nextPowerOfTwo(in); got != want {
			t.Fatalf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRegistryRemoveSessionIgnoresStale(t *testing.T) {
	r := NewRegistry(4)
	id := uuid.New()
	stale := New(Config{ID: id, Transport: Polling})
	fresh := New(Config{ID: id, Transport: Polling})
	r.Add(stale)
	r.Add(fresh)

	if r.RemoveSession(stale) {
		t.Fatalf("stale session should not remove its replacement")
	}
	if got, ok := r.Get(id); !ok || got != fresh {
		t.Fatalf("replacement lost")
	}
	if !r.RemoveSession(fresh) {
		t.Fatalf("current session should be removed")
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry, got %d", r.Len())
	}
}
