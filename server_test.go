package socketio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/ggoodman/socketio-server-go/httpmsg"
	"github.com/ggoodman/socketio-server-go/httproute"
	"github.com/ggoodman/socketio-server-go/namespace"
	"github.com/ggoodman/socketio-server-go/packet"
	"github.com/ggoodman/socketio-server-go/pubsub/memory"
	"github.com/ggoodman/socketio-server-go/sessions"
	"github.com/ggoodman/socketio-server-go/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FirstDataTimeout = 0
	return cfg
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	hs := srv.HTTPServer("")
	ts := httptest.NewUnstartedServer(srv)
	ts.Config.ConnContext = hs.ConnContext
	ts.Config.ConnState = hs.ConnState
	ts.Start()
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, ts
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
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

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transports = nil
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestServerPollingRoundTrip(t *testing.T) {
	var (
		mu       sync.Mutex
		connects int
		events   []packet.Packet
	)
	listener := transport.PacketListenerFunc(func(_ context.Context, _ *sessions.Session, p packet.Packet) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})
	srv, ts := newTestServer(t, testConfig(), WithPacketListener(listener))
	srv.Namespace("/").AddConnectListener(namespace.ConnectListenerFunc(func(*namespace.Client) {
		mu.Lock()
		connects++
		mu.Unlock()
	}))

	resp, body := get(t, ts.URL+"/socket.io/?EIO=4&transport=polling", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake: want 200 got %d %s", resp.StatusCode, body)
	}
	pkts, err := packet.DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if len(pkts) != 2 || pkts[0].Type != packet.Open || pkts[1].SubType != packet.Connect {
		t.Fatalf("want OPEN then CONNECT, got %q", body)
	}

	all := srv.Registry().Sessions()
	if len(all) != 1 {
		t.Fatalf("want 1 session, got %d", len(all))
	}
	sid := all[0].ID().String()
	if !strings.Contains(body, sid) {
		t.Fatalf("handshake body does not carry sid %s: %q", sid, body)
	}

	post, err := http.Post(ts.URL+"/socket.io/?EIO=4&transport=polling&sid="+sid, "text/plain;charset=UTF-8", strings.NewReader(`42["chat","hi"]`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	ok, _ := io.ReadAll(post.Body)
	post.Body.Close()
	if post.StatusCode != http.StatusOK || string(ok) != "ok" {
		t.Fatalf("post: want ok got %d %q", post.StatusCode, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Fatalf("connect listener: want 1 call got %d", connects)
	}
	if len(events) != 1 || events[0].SubType != packet.Event {
		t.Fatalf("packet listener: got %+v", events)
	}
}

func TestServerRouteServedBeforeHandshake(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	err := srv.Router().RegisterFunc(http.MethodGet, "/health", func(req *httproute.Request) (*httpmsg.Response, error) {
		return httpmsg.OK().SetBody("healthy"), nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, body := get(t, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK || body != "healthy" {
		t.Fatalf("route: got %d %q", resp.StatusCode, body)
	}

	resp, _ = get(t, ts.URL+"/elsewhere", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unrouted path: want 400 got %d", resp.StatusCode)
	}

	resp, _ = get(t, ts.URL+"/socket.io/?EIO=4&transport=polling", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake alongside routes: want 200 got %d", resp.StatusCode)
	}
}

func TestServerRouteOnHandshakePathWins(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	err := srv.Router().RegisterFunc(http.MethodGet, "/socket.io/", func(req *httproute.Request) (*httpmsg.Response, error) {
		return httpmsg.OK().SetBody("routed " + req.Params.Get("transport")), nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, body := get(t, ts.URL+"/socket.io/?EIO=4&transport=polling", nil)
	if resp.StatusCode != http.StatusOK || body != "routed polling" {
		t.Fatalf("route: got %d %q", resp.StatusCode, body)
	}
	if !resp.Close {
		t.Fatalf("routed response should close the connection")
	}
	if n := srv.Registry().Len(); n != 0 {
		t.Fatalf("routed request created %d sessions", n)
	}

	// Unmatched methods on the same path still negotiate.
	post, err := http.Post(ts.URL+"/socket.io/?EIO=4&transport=polling", "text/plain", strings.NewReader("3"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusBadRequest {
		t.Fatalf("post handshake: want 400 got %d", post.StatusCode)
	}
}

func TestServerUnknownPathWithoutRoutes(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, _ := get(t, ts.URL+"/elsewhere", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 got %d", resp.StatusCode)
	}
}

func TestServerRouteFailureIsReported(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	srv, ts := newTestServer(t, testConfig(), WithLogger(log))
	_ = srv.Router().RegisterFunc(http.MethodGet, "/boom", func(*httproute.Request) (*httpmsg.Response, error) {
		return nil, errors.New("kaboom")
	})

	resp, _ := get(t, ts.URL+"/boom", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("want 500 got %d", resp.StatusCode)
	}
	if !strings.Contains(buf.String(), "route.handler.fail") || !strings.Contains(buf.String(), "kaboom") {
		t.Fatalf("failure not logged: %s", buf.String())
	}
}

func TestServerWebSocketSession(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() string {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return string(data)
	}
	if open := read(); !strings.HasPrefix(open, `0{"sid":`) {
		t.Fatalf("want OPEN, got %q", open)
	}
	if connect := read(); !strings.HasPrefix(connect, `40{"sid":`) {
		t.Fatalf("want CONNECT, got %q", connect)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if srv.Registry().Len() != 0 {
		t.Fatalf("sessions left after close: %d", srv.Registry().Len())
	}
}

func TestServerWatchClusterReplacesSession(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	cfgA, cfgB := testConfig(), testConfig()
	cfgA.NodeID, cfgB.NodeID = "node-a", "node-b"
	_, tsA := newTestServer(t, cfgA, WithPubSub(store))
	srvB, tsB := newTestServer(t, cfgB, WithPubSub(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srvB.WatchCluster(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	id := uuid.New()
	header := http.Header{"Io": []string{id.String()}}
	if resp, body := get(t, tsB.URL+"/socket.io/?EIO=4&transport=polling", header); resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake on b: %d %s", resp.StatusCode, body)
	}
	if _, ok := srvB.Registry().Get(id); !ok {
		t.Fatalf("session %s not registered on b", id)
	}

	if resp, body := get(t, tsA.URL+"/socket.io/?EIO=4&transport=polling", header); resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake on a: %d %s", resp.StatusCode, body)
	}
	waitFor(t, func() bool {
		_, ok := srvB.Registry().Get(id)
		return !ok
	})
}

func TestServerRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	srv, ts := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.WatchCluster(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	resp, body := get(t, ts.URL+"/socket.io/?EIO=4&transport=polling", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake: %d %s", resp.StatusCode, body)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestServerRunShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "127.0.0.1:0"
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
}
