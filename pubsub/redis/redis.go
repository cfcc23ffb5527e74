// Package redis implements pubsub.Store on Redis PUBLISH/SUBSCRIBE with
// msgpack encoded payloads, letting several nodes share session events.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ggoodman/socketio-server-go/pubsub"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. If nil, a client for Addr is created
	// and closed together with the store.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to "localhost:6379".
	Addr string
	// ChannelPrefix is prepended to every channel name. Defaults to "socketio:".
	ChannelPrefix string
	// Logger receives decode failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Redis-backed pubsub.Store.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	log        *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// New creates a store. It does not contact Redis; use Ping to verify
// connectivity.
func New(cfg Config) *Store {
	s := &Store{
		client: cfg.Client,
		prefix: cfg.ChannelPrefix,
		log:    cfg.Logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		s.ownsClient = true
	}
	if s.prefix == "" {
		s.prefix = "socketio:"
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) channel(typ pubsub.Type) string {
	return s.prefix + string(typ)
}

// Publish implements pubsub.Store.Publish.
func (s *Store) Publish(ctx context.Context, typ pubsub.Type, msg pubsub.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return pubsub.ErrClosed
	}

	b, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", typ, err)
	}
	if err := s.client.Publish(ctx, s.channel(typ), b).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel(typ), err)
	}
	return nil
}

// Subscribe implements pubsub.Store.Subscribe. It returns after Redis has
// confirmed the subscription.
func (s *Store) Subscribe(ctx context.Context, typ pubsub.Type, h pubsub.Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pubsub.ErrClosed
	}
	s.mu.Unlock()

	ps := s.client.Subscribe(ctx, s.channel(typ))
	// Wait for confirmation that subscription is created
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", s.channel(typ), err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ps.Close()
		return pubsub.ErrClosed
	}
	s.subs[ps] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer s.release(ps)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg pubsub.Message
				if err := msgpack.Unmarshal([]byte(m.Payload), &msg); err != nil {
					s.log.Warn("pubsub.decode.fail",
						slog.String("channel", m.Channel),
						slog.String("err", err.Error()),
					)
					continue
				}
				h(ctx, msg)
			}
		}
	}()
	return nil
}

func (s *Store) release(ps *redis.PubSub) {
	s.mu.Lock()
	delete(s.subs, ps)
	s.mu.Unlock()
	_ = ps.Close()
}

// Close implements pubsub.Store.Close.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*redis.PubSub, 0, len(s.subs))
	for ps := range s.subs {
		subs = append(subs, ps)
	}
	s.subs = make(map[*redis.PubSub]struct{})
	s.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

var _ pubsub.Store = (*Store)(nil)
