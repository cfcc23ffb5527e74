package sessions

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const defaultShards = 32

// Registry indexes live sessions by id, with a side table from the
// connection that performed the handshake. It is safe for concurrent use.
type Registry struct {
	shards []*registryShard
	mask   uint32

	connMu sync.RWMutex
	byConn map[*Conn]uuid.UUID
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry returns an empty registry split into shardCount shards, rounded
// up to a power of two. A non-positive shardCount selects the default.
func NewRegistry(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	n := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*registryShard, n)
	for i := range shards {
		shards[i] = &registryShard{sessions: make(map[uuid.UUID]*Session)}
	}
	return &Registry{
		shards: shards,
		mask:   n - 1,
		byConn: make(map[*Conn]uuid.UUID),
	}
}

func (r *Registry) shard(id uuid.UUID) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return r.shards[h.Sum32()&r.mask]
}

// Add stores s under its id, replacing any previous session with that id.
func (r *Registry) Add(s *Session) {
	sh := r.shard(s.ID())
	sh.mu.Lock()
	sh.sessions[s.ID()] = s
	sh.mu.Unlock()
}

// Get returns the session registered under id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[id]
	return s, ok
}

// Remove deletes id and any connection binding that points at it. It reports
// whether an entry was present; removing an absent id is a no-op.
func (r *Registry) Remove(id uuid.UUID) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()

	if ok {
		r.unbindSession(s)
	}
	return ok
}

// RemoveSession deletes s only while it is the session registered under its
// id, so a stale session cannot evict one that replaced it.
func (r *Registry) RemoveSession(s *Session) bool {
	sh := r.shard(s.ID())
	sh.mu.Lock()
	cur, ok := sh.sessions[s.ID()]
	ok = ok && cur == s
	if ok {
		delete(sh.sessions, s.ID())
	}
	sh.mu.Unlock()

	if ok {
		r.unbindSession(s)
	}
	return ok
}

func (r *Registry) unbindSession(s *Session) {
	if s.Conn() == nil {
		return
	}
	r.connMu.Lock()
	if bound, exists := r.byConn[s.Conn()]; exists && bound == s.ID() {
		delete(r.byConn, s.Conn())
	}
	r.connMu.Unlock()
}

// Bind associates c with s so that the session can be found from the
// connection that negotiated it.
func (r *Registry) Bind(c *Conn, s *Session) {
	if c == nil {
		return
	}
	r.connMu.Lock()
	r.byConn[c] = s.ID()
	r.connMu.Unlock()
}

// Unbind drops the binding for c.
func (r *Registry) Unbind(c *Conn) {
	r.connMu.Lock()
	delete(r.byConn, c)
	r.connMu.Unlock()
}

// ByConn returns the session bound to c, if it is still registered.
func (r *Registry) ByConn(c *Conn) (*Session, bool) {
	r.connMu.RLock()
	id, ok := r.byConn[c]
	r.connMu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for each registered session until fn returns false. The
// iteration sees a per-shard snapshot.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		snap := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			snap = append(snap, s)
		}
		sh.mu.RUnlock()

		for _, s := range snap {
			if !fn(s) {
				return
			}
		}
	}
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, r.Len())
	r.Range(func(s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
