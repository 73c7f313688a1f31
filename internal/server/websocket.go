package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleReloadSocket streams reload events to a websocket client. Each
// event is written as a JSON object; the connection closes when the
// client goes away or the coordinator shuts down.
func (s *Server) handleReloadSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrading reload socket", "error", err)
		return
	}
	defer ws.Close()

	events, unsubscribe := s.platform.Reload().Subscribe()
	defer unsubscribe()

	// Drain client frames so pings and close messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				slog.Warn("writing reload event", "error", err)
				return
			}
		}
	}
}
