package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"photomark/internal/editor"
	"photomark/internal/pipeline"
	"photomark/internal/templates"
)

// Message is one frame on the /ws stream.
type Message struct {
	Type     string             `json:"type"`
	Template string             `json:"template,omitempty"`
	Settings json.RawMessage    `json:"settings,omitempty"`
	Progress *pipeline.Progress `json:"progress,omitempty"`
	Time     time.Time          `json:"time"`
}

// hub fans editor events and export progress out to websocket clients.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

func (h *hub) send(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.log.Warn("encode websocket message", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("websocket broadcast full, dropping message", "type", m.Type)
	}
}

// pump forwards session events and pipeline progress until ctx is done.
func (h *hub) pump(ctx context.Context, events <-chan editor.Event, progress <-chan pipeline.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			raw, err := templates.Marshal(ev.Settings)
			if err != nil {
				continue
			}
			h.send(Message{Type: string(ev.Kind), Template: ev.Template, Settings: raw, Time: time.Now()})
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			h.send(Message{Type: "progress", Progress: &p, Time: time.Now()})
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
			}
			conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// sameHostOrigin admits clients without an Origin header and pages served
// from loopback.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}
