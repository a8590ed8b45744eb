package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/help-matching/internal/models"
	"github.com/example/help-matching/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession is one connected client. Writes are serialised per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds open sessions keyed by user. A user may be connected from
// several devices at once.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[*WSSession]struct{})
	}
	r.sessions[userID][s] = struct{}{}
	observability.WSConnections.Inc()
	return s
}

func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[userID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, userID)
	}
	observability.WSConnections.Dec()
}

// Serve registers conn and blocks reading from it until the client goes away.
// Inbound frames are ignored; the read loop only detects disconnects.
func (r *WSRegistry) Serve(userID string, conn *websocket.Conn) {
	s := r.Add(userID, conn)
	defer func() {
		r.Remove(userID, s)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Emit writes the event to all of the user's sessions. It returns
// ErrNoSession when the user is offline and the last write error otherwise.
func (r *WSRegistry) Emit(userID, event string, payload any) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[userID]))
	for s := range r.sessions[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var lastErr error
	for _, s := range targets {
		if err := s.Send(models.Event{Name: event, Data: payload}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}
