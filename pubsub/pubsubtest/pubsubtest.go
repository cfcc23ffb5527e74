// Package pubsubtest is a conformance suite for pubsub.Store implementations.
package pubsubtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/socketio-server-go/pubsub"
)

// StoreFactory creates a new, empty store for one subtest.
type StoreFactory func(t *testing.T) pubsub.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("TypeIsolation", func(t *testing.T) {
		testTypeIsolation(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("Close", func(t *testing.T) {
		testClose(t, factory)
	})
}

type collector struct {
	mu   sync.Mutex
	msgs []pubsub.Message
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, msg pubsub.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []pubsub.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pubsub.Message(nil), c.msgs...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func closeStore(t *testing.T, s pubsub.Store) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func testPublishAndSubscribe(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer closeStore(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	if err := s.Subscribe(ctx, pubsub.Connect, c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := pubsub.Message{SessionID: "sid-1", NodeID: "node-a", Namespace: "/chat"}
	if err := s.Publish(ctx, pubsub.Connect, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := c.waitFor(t, 1)
	if got[0] != want {
		t.Fatalf("want %+v, got %+v", want, got[0])
	}
}

func testTypeIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer closeStore(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	if err := s.Subscribe(ctx, pubsub.Disconnect, c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Publish(ctx, pubsub.Connect, pubsub.Message{SessionID: "connect"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Publish(ctx, pubsub.Disconnect, pubsub.Message{SessionID: "disconnect"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := c.waitFor(t, 1)
	time.Sleep(100 * time.Millisecond)
	if c.count() != 1 || got[0].SessionID != "disconnect" {
		t.Fatalf("subscriber saw messages of another type: %+v", got)
	}
}

func testMultipleSubscribers(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer closeStore(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := newCollector(), newCollector()
	if err := s.Subscribe(ctx, pubsub.Join, c1.handle); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if err := s.Subscribe(ctx, pubsub.Join, c2.handle); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}

	msg := pubsub.Message{SessionID: "sid", Room: "lobby"}
	if err := s.Publish(ctx, pubsub.Join, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := c1.waitFor(t, 1); got[0] != msg {
		t.Fatalf("subscriber 1 got %+v", got[0])
	}
	if got := c2.waitFor(t, 1); got[0] != msg {
		t.Fatalf("subscriber 2 got %+v", got[0])
	}
}

func testOrderPreserved(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer closeStore(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	if err := s.Subscribe(ctx, pubsub.Connect, c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		if err := s.Publish(ctx, pubsub.Connect, pubsub.Message{SessionID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := c.waitFor(t, n)
	for i, m := range got {
		if m.SessionID != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer closeStore(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subCtx, subCancel := context.WithCancel(ctx)
	c := newCollector()
	if err := s.Subscribe(subCtx, pubsub.Leave, c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subCancel()
	time.Sleep(100 * time.Millisecond)

	if err := s.Publish(ctx, pubsub.Leave, pubsub.Message{SessionID: "late"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if c.count() != 0 {
		t.Fatalf("cancelled subscription received %d messages", c.count())
	}
}

func testClose(t *testing.T, factory StoreFactory) {
	s := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.Publish(ctx, pubsub.Connect, pubsub.Message{}); !errors.Is(err, pubsub.ErrClosed) {
		t.Fatalf("want ErrClosed from Publish, got %v", err)
	}
	if err := s.Subscribe(ctx, pubsub.Connect, func(context.Context, pubsub.Message) {}); !errors.Is(err, pubsub.ErrClosed) {
		t.Fatalf("want ErrClosed from Subscribe, got %v", err)
	}
}
