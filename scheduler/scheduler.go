// Package scheduler runs keyed, cancelable, one-shot delayed tasks.
//
// A key identifies at most one outstanding timer. Scheduling an already armed
// key replaces the previous timer, and cancelling a key that is not armed is a
// no-op. Actions run on their own goroutine and never block the caller of
// Schedule or Cancel.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a scheduled task.
type Kind int

const (
	// PingTimeout fires when a connection or session has been silent for too
	// long. Keyed on a connection handle it bounds the wait for the first byte;
	// keyed on a session id it bounds the wait for a heartbeat.
	PingTimeout Kind = iota
	// Ping fires when the server owes a session its next ping packet.
	Ping
	// Upgrade bounds the time a transport upgrade probe may take.
	Upgrade
)

func (k Kind) String() string {
	switch k {
	case PingTimeout:
		return "ping_timeout"
	case Ping:
		return "ping"
	case Upgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Key identifies a scheduled task. Value must be comparable, such as a
// pointer or a session id.
type Key struct {
	Kind  Kind
	Value any
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%v", k.Kind, k.Value)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used to report panicking actions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	log *slog.Logger

	mu     sync.Mutex
	timers map[Key]*entry
	gen    uint64
	closed bool
}

// New returns an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:    slog.Default(),
		timers: make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms key so that action runs once after delay. Any timer already
// armed for key is cancelled first.
func (s *Scheduler) Schedule(key Key, action func(), delay time.Duration) {
	if action == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.timers[key] = &entry{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { s.fire(key, gen, action) }),
	}
}

// Cancel disarms key. It is a no-op when key is not armed.
func (s *Scheduler) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[key]; ok {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// Armed reports whether key currently has an outstanding timer.
func (s *Scheduler) Armed(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.timers[key]
	return ok
}

// Len returns the number of outstanding timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

// Close cancels every outstanding timer. Subsequent calls to Schedule are
// ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
}

// fire runs action only if gen is still the armed generation for key. A timer
// that lost a race with Cancel or a later Schedule finds a different (or no)
// entry and returns without running.
func (s *Scheduler) fire(key Key, gen uint64, action func()) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler.action.panic",
				slog.String("key", key.String()),
				slog.Any("panic", r),
			)
		}
	}()

	action()
}
