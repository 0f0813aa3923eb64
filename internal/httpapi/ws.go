package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maestro-rag/maestro/internal/streaming"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are the reverse proxy's job in this deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS mirrors the SSE stream over a WebSocket for clients that
// cannot hold an EventSource. GET /stream/ws?query_id=<id>
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	queryID := r.URL.Query().Get("query_id")
	if queryID == "" {
		http.Error(w, "query_id required", http.StatusBadRequest)
		return
	}
	var lastID uint64
	if v := r.URL.Query().Get("last_event_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(queryID, streamSubscriberBuffer)
	defer s.bus.Unsubscribe(queryID, ch)

	for _, ev := range s.bus.ReplaySince(queryID, lastID) {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump discards client messages and notices disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == streaming.TypeDone {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				s.logger.Debug("WebSocket ping failed", zap.String("query_id", queryID), zap.Error(err))
				return
			}
		}
	}
}
