package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/service-verification/internal/models"
)

// WSSession is one connected ops-console socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(a)
}

// WSFeed pushes raised alerts to every connected console. It satisfies the
// alerting Notifier interface so it can sit in a Fanout next to the HTTP
// dispatcher.
type WSFeed struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSFeed(logger *slog.Logger) *WSFeed {
	return &WSFeed{sessions: make(map[string]*WSSession), logger: logger}
}

func (f *WSFeed) Add(clientID string, conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[clientID] = &WSSession{conn: conn}
}

func (f *WSFeed) Remove(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[clientID]; ok {
		_ = s.conn.Close()
		delete(f.sessions, clientID)
	}
}

func (f *WSFeed) Notify(a models.Alert) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, s := range f.sessions {
		if err := s.Send(a); err != nil {
			f.logger.Warn("ws alert push failed", "client_id", id, "error", err)
		}
	}
	return nil
}
