package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Conn is a live, authenticated connection as seen by the registry.
type Conn interface {
	ID() string
	UserID() string
	// Deliver queues data for the connection and reports whether it was
	// accepted. A closed or saturated connection returns false.
	Deliver(data []byte) bool
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn // userID -> connID -> conn
}

// Registry maps users to their open connections on this process. A user is
// present iff at least one of their connections is registered; the entry
// is removed the moment its last connection goes.
//
// Users are spread over independently locked shards, so operations for
// different users rarely contend while operations for the same user are
// serialized by that user's shard lock.
type Registry struct {
	shards []*shard
}

// New creates a registry with the given number of shards (minimum 1).
func New(shards int) *Registry {
	if shards < 1 {
		shards = 1
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%uint64(len(r.shards))]
}

// Admit registers conn for userID. It reports whether this admission made
// the user present. Admitting an already registered connection is a no-op
// and returns false.
func (r *Registry) Admit(userID string, conn Conn) (first bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]Conn, 1)
		s.users[userID] = conns
	}
	if _, dup := conns[conn.ID()]; dup {
		return false
	}
	conns[conn.ID()] = conn
	return len(conns) == 1
}

// Remove unregisters a connection and reports whether the user is now
// absent. Unknown users or connections are a no-op returning false.
func (r *Registry) Remove(connID, userID string) (last bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// LocalConnectionsFor returns a snapshot of the user's connections. The
// slice is owned by the caller; later registry changes do not affect it.
func (r *Registry) LocalConnectionsFor(userID string) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsPresent reports whether the user has at least one local connection.
func (r *Registry) IsPresent(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			n += len(conns)
		}
		s.mu.RUnlock()
	}
	return n
}

// Users returns the number of present users.
func (r *Registry) Users() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []Conn {
	var out []Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for _, c := range conns {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
