// Package memory provides an in-process implementation of pubsub.Store. It is
// suitable for single-node deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/socketio-server-go/pubsub"
)

const subscriptionBuffer = 128

// Store implements pubsub.Store with per-subscription delivery goroutines.
type Store struct {
	mu     sync.RWMutex
	subs   map[pubsub.Type]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch   chan pubsub.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// New returns an empty store.
func New() *Store {
	return &Store{subs: make(map[pubsub.Type]map[*subscription]struct{})}
}

// Publish implements pubsub.Store.Publish. It blocks only while a subscriber's
// buffer is full.
func (s *Store) Publish(ctx context.Context, typ pubsub.Type, msg pubsub.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return pubsub.ErrClosed
	}
	targets := make([]*subscription, 0, len(s.subs[typ]))
	for sub := range s.subs[typ] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements pubsub.Store.Subscribe.
func (s *Store) Subscribe(ctx context.Context, typ pubsub.Type, h pubsub.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sub := &subscription{
		ch:   make(chan pubsub.Message, subscriptionBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return pubsub.ErrClosed
	}
	if s.subs[typ] == nil {
		s.subs[typ] = make(map[*subscription]struct{})
	}
	s.subs[typ][sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer s.remove(typ, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case msg := <-sub.ch:
				h(ctx, msg)
			}
		}
	}()
	return nil
}

func (s *Store) remove(typ pubsub.Type, sub *subscription) {
	sub.stop()
	s.mu.Lock()
	delete(s.subs[typ], sub)
	s.mu.Unlock()
}

// Close implements pubsub.Store.Close.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for sub := range subs {
			sub.stop()
		}
	}
	s.subs = make(map[pubsub.Type]map[*subscription]struct{})
	return nil
}

var _ pubsub.Store = (*Store)(nil)
