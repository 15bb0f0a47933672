// Package session tracks live client connections and the user name bound to
// each one. The Registry is the only place sessions are created or removed.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Conn.Send once the connection is known to be gone.
var ErrClosed = errors.New("connection closed")

// Conn is the outbound side of a transport connection. Send must not block
// on the network.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

type Session struct {
	ID          string
	Name        string
	Joined      bool
	ConnectedAt time.Time
	Conn        Conn
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

// Register adds a session for a newly opened connection. Registering an id
// twice replaces the connection but keeps the bound name.
func (r *Registry) Register(id string, conn Conn) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, ConnectedAt: r.now()}
		r.sessions[id] = s
	}
	s.Conn = conn
	return *s
}

// Subscribe adds the session to broadcasts. The name is only bound if the
// session has none yet.
func (r *Registry) Subscribe(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if s.Name == "" {
		s.Name = name
	}
	s.Joined = true
	return true
}

// MarkJoined binds name and subscribes the session to broadcasts.
func (r *Registry) MarkJoined(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Name = name
	s.Joined = true
	return true
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// All returns a copy of every session in no particular order.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
