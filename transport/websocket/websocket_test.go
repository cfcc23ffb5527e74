package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/scheduler"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

type fakeLifecycle struct {
	mu          sync.Mutex
	connects    int
	heartbeats  int
	disconnects []string
}

func (f *fakeLifecycle) Connect(_ context.Context, s *sessions.Session) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	_ = s.Send(packet.NewMessage(packet.Connect, "", nil))
}

func (f *fakeLifecycle) Heartbeat(*sessions.Session) {
	f.mu.Lock()
	f.heartbeats++
	f.mu.Unlock()
}

func (f *fakeLifecycle) Disconnect(_ context.Context, s *sessions.Session, reason string) {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, reason)
	f.mu.Unlock()
	s.Close()
}

func (f *fakeLifecycle) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeLifecycle) disconnectReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

type harness struct {
	life  *fakeLifecycle
	reg   *sessions.Registry
	sched *scheduler.Scheduler
	srv   *httptest.Server
}

// newHarness serves h behind a shim that attaches a fresh websocket session
// when the request carries no sid, mimicking the negotiator.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	hs := &harness{
		life:  &fakeLifecycle{},
		reg:   sessions.NewRegistry(0),
		sched: scheduler.New(),
	}
	h := New(hs.life, hs.reg, hs.sched, opts...)
	hs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sid") == "" {
			s := sessions.New(sessions.Config{ID: uuid.New(), Transport: sessions.WebSocket})
			hs.reg.Add(s)
			_ = s.Send(packet.NewOpen(packet.OpenPayload{SID: s.ID().String(), PingInterval: 25000, PingTimeout: 20000}))
			r = r.WithContext(sessions.NewContext(r.Context(), s))
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		hs.srv.Close()
		hs.sched.Close()
	})
	return hs
}

func (hs *harness) url(query string) string {
	return "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket" + query
}

func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gws.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != "6" {
			return string(data)
		}
	}
}

func writeFrame(t *testing.T, conn *gws.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(gws.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestDirectWebSocketSession(t *testing.T) {
	hs := newHarness(t)
	conn := dial(t, hs.url(""))

	if open := readFrame(t, conn); !strings.HasPrefix(open, `0{"sid":`) {
		t.Fatalf("want OPEN frame, got %q", open)
	}
	if connect := readFrame(t, conn); connect != "40" {
		t.Fatalf("want CONNECT frame, got %q", connect)
	}

	writeFrame(t, conn, "3")
	writeFrame(t, conn, "2ping")
	if pong := readFrame(t, conn); pong != "3ping" {
		t.Fatalf("want pong, got %q", pong)
	}
	if hs.life.heartbeatCount() != 2 {
		t.Fatalf("heartbeats: want 2 got %d", hs.life.heartbeatCount())
	}

	_ = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
	waitFor(t, func() bool { return len(hs.life.disconnectReasons()) == 1 })
	if got := hs.life.disconnectReasons()[0]; got != transport.ReasonTransportClose {
		t.Fatalf("reason: got %q", got)
	}
}

func TestServerCloseEndsSocket(t *testing.T) {
	hs := newHarness(t)
	conn := dial(t, hs.url(""))
	readFrame(t, conn)
	readFrame(t, conn)

	for _, s := range hs.reg.Sessions() {
		s.Close()
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to be closed")
	}
}

func TestUpgradeFromPolling(t *testing.T) {
	hs := newHarness(t)
	s := sessions.New(sessions.Config{ID: uuid.New(), Transport: sessions.Polling})
	hs.reg.Add(s)

	conn := dial(t, hs.url("&sid="+s.ID().String()))
	writeFrame(t, conn, "2probe")
	if got := readFrame(t, conn); got != "3probe" {
		t.Fatalf("want probe pong, got %q", got)
	}
	writeFrame(t, conn, "5")
	waitFor(t, s.Upgraded)

	_ = s.Send(packet.NewMessage(packet.Event, "", []any{"hello"}))
	if got := readFrame(t, conn); got != `42["hello"]` {
		t.Fatalf("want event over websocket, got %q", got)
	}
	if hs.sched.Armed(scheduler.Key{Kind: scheduler.Upgrade, Value: s.ID()}) {
		t.Fatalf("upgrade deadline should be cancelled")
	}
}

func TestUpgradeTimeout(t *testing.T) {
	hs := newHarness(t, WithUpgradeTimeout(50*time.Millisecond))
	s := sessions.New(sessions.Config{ID: uuid.New(), Transport: sessions.Polling})
	hs.reg.Add(s)

	conn := dial(t, hs.url("&sid="+s.ID().String()))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to be closed")
	}
	if s.Upgraded() {
		t.Fatalf("session should not be upgraded")
	}
	if s.Closed() {
		t.Fatalf("a failed upgrade must not end the polling session")
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	hs := newHarness(t)

	_, resp, err := gws.DefaultDialer.Dial(hs.url("&sid="+uuid.NewString()), nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 response, got %+v", resp)
	}
}

func TestPlainRequestRejected(t *testing.T) {
	hs := newHarness(t)

	resp, err := http.Get(hs.srv.URL + "/socket.io/?EIO=4&transport=websocket")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	waitFor(t, func() bool { return len(hs.life.disconnectReasons()) == 1 })
}
