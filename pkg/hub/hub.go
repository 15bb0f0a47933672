// Package hub fans encoded messages out to sessions. A connection that fails
// a send is closed and unregistered exactly as if it had reported its own
// disconnect.
package hub

import (
	"log/slog"

	"github.com/astromechza/schalter/pkg/session"
)

type Hub struct {
	sessions *session.Registry
}

func New(sessions *session.Registry) *Hub {
	return &Hub{sessions: sessions}
}

// SendOne delivers msg to a single connection, subscribed or not.
func (h *Hub) SendOne(id string, msg []byte) {
	s, ok := h.sessions.Get(id)
	if !ok {
		slog.Debug("send to unknown session", "session", id)
		return
	}
	h.deliver(s, msg)
}

// SendAll delivers msg to every subscribed session.
func (h *Hub) SendAll(msg []byte) {
	h.SendAllExcept("", msg)
}

// SendAllExcept delivers msg to every subscribed session other than id.
func (h *Hub) SendAllExcept(id string, msg []byte) {
	for _, s := range h.sessions.All() {
		if !s.Joined || s.ID == id {
			continue
		}
		h.deliver(s, msg)
	}
}

func (h *Hub) deliver(s session.Session, msg []byte) {
	if s.Conn == nil {
		return
	}
	if err := s.Conn.Send(msg); err != nil {
		slog.Warn("dropping session after failed send", "session", s.ID, "user", s.Name, "err", err)
		if h.sessions.Unregister(s.ID) {
			_ = s.Conn.Close()
		}
	}
}
