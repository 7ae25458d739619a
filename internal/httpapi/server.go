// Package httpapi exposes a read-only status surface over HTTP: a health
// probe, the current status snapshot list, and a live event feed over
// websocket. It consumes only the core's public surface and never mutates.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/n8nkit/n8nsync/internal/watcher"
)

// eventBuffer is the per-connection queue depth; slow consumers lose events
// rather than backpressure the watcher.
const eventBuffer = 64

type Logger interface {
	Printf(format string, args ...any)
}

// Core is the slice of the watcher the server consumes.
type Core interface {
	Statuses() []watcher.StatusSnapshot
	Subscribe(watcher.Listener)
}

// Event is one entry on the live feed.
type Event struct {
	Type      string                  `json:"type"`
	Snapshot  *watcher.StatusSnapshot `json:"snapshot,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Timestamp string                  `json:"timestamp"`
}

type Server struct {
	core   Core
	logger Logger

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

func NewServer(core Core, logger Logger) *Server {
	s := &Server{
		core:        core,
		logger:      logger,
		subscribers: map[chan Event]struct{}{},
	}
	core.Subscribe(s)
	return s
}

// StatusChanged implements watcher.Listener.
func (s *Server) StatusChanged(snap watcher.StatusSnapshot) {
	s.broadcast(Event{
		Type:      "status_change",
		Snapshot:  &snap,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Error implements watcher.Listener.
func (s *Server) Error(err error) {
	s.broadcast(Event{
		Type:      "error",
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/v1/status":
		writeJSON(w, http.StatusOK, struct {
			GeneratedAt string                   `json:"generatedAt"`
			Workflows   []watcher.StatusSnapshot `json:"workflows"`
		}{
			GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Workflows:   s.core.Statuses(),
		})
	case "/v1/events":
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	events := s.subscribe()
	defer s.unsubscribe(events)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

func (s *Server) broadcast(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Slow consumer; drop rather than block the watcher.
		}
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
