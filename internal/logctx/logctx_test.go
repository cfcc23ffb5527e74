package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerAddsGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/socket.io/"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", Transport: "polling", UserID: "u1"})
	log.InfoContext(ctx, "handshake.authorized")

	out := buf.String()
	for _, want := range []string{"req.id=r1", "req.method=GET", "req.path=/socket.io/", "sess.id=s1", "sess.transport=polling", "sess.user_id=u1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewTextHandler(&buf, nil))).With("component", "test")
	log.Info("plain")

	out := buf.String()
	if strings.Contains(out, "req.") || strings.Contains(out, "sess.") {
		t.Fatalf("unexpected groups in %q", out)
	}
	if !strings.Contains(out, "component=test") {
		t.Fatalf("With attrs lost: %q", out)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	l := Wrap(nil)
	if Wrap(l) != l {
		t.Fatalf("wrapping twice should return the same logger")
	}
}
