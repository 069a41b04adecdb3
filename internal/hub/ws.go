package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const pingInterval = 30 * time.Second

// ServeWS upgrades the connection, sends a snapshot of active requests as a
// burst of "started" events, then relays the subscriber's event
// channel until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("hub: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	id, ch, snapshot := h.Subscribe()
	defer h.Unsubscribe(id)

	for _, req := range snapshot {
		if err := writeEvent(conn, Event{Type: EventRequestStarted, Request: req}); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go discardIncoming(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeEvent(conn, Event{Type: EventPing}); err != nil {
				return
			}
		}
	}
}

// discardIncoming reads and drops client frames (ping/pong, close) so the
// read deadline logic in gorilla/websocket stays serviced; it signals done
// once the client disconnects.
func discardIncoming(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
