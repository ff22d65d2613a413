package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/servimatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents one connected user (client or provider).
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds live user sessions keyed by user id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// Notify delivers an event to one user if they are connected.
func (r *WSRegistry) Notify(userID string, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}

// Broadcast sends an event to every connected session except the sender.
// Dead sessions are dropped. Returns the delivered count.
func (r *WSRegistry) Broadcast(ev models.Event, exclude string) int {
	r.mu.RLock()
	targets := make(map[string]*WSSession, len(r.sessions))
	for id, s := range r.sessions {
		if id != exclude {
			targets[id] = s
		}
	}
	r.mu.RUnlock()

	sent := 0
	for id, s := range targets {
		if err := s.Send(ev); err != nil {
			r.Remove(id)
			continue
		}
		sent++
	}
	return sent
}
