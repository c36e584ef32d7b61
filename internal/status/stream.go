package status

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chainwatch/internal/detection"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// AlertFeed delivers alerts to live subscribers.
type AlertFeed interface {
	Subscribe() (<-chan detection.Alert, func())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WithFeed enables GET /api/alerts/stream.
func (s *Server) WithFeed(feed AlertFeed) *Server {
	s.feed = feed
	return s
}

// handleStream pushes each alert as a JSON text frame until the client
// disconnects. Clients may send a minimum severity as ?severity=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "alert stream disabled"})
		return
	}
	minSev := detection.SeverityInfo
	if v := r.URL.Query().Get("severity"); v != "" {
		sev, err := detection.ParseSeverity(v)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid severity"})
			return
		}
		minSev = sev
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	alerts, cancel := s.feed.Subscribe()
	defer cancel()

	// Reader loop only services control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	s.logger.Debug("alert stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			if a.Severity < minSev {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(a); err != nil {
				s.logger.Debug("alert stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
