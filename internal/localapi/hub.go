package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSendBufferSize = 64
	wsPingInterval   = 30 * time.Second
	wsPongTimeout    = 60 * time.Second
)

// streamMessage is the single message shape this hub ever emits: the
// properties changed by one SetProperty/SetProperties call. There is no
// subscribe/unsubscribe protocol — every connected client gets every state
// update, matching the single-purpose "state change stream" this endpoint
// exists to serve.
type streamMessage struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Changes   json.RawMessage `json:"changes,omitempty"`
}

// Hub fans a stream of JSON-encoded state-change notifications out to every
// connected WebSocket client.
type Hub struct {
	logger  Logger
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(logger Logger) *Hub {
	return &Hub{logger: logger, clients: map[*wsClient]struct{}{}}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if existed {
		close(c.send)
	}
}

// Broadcast sends payload, already JSON-encoded, to every connected client.
func (h *Hub) Broadcast(payload json.RawMessage) {
	msg := streamMessage{Type: "state_changed", Timestamp: time.Now().UTC().Format(time.RFC3339), Changes: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal state stream message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.trySend(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, wsSendBufferSize)}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// readPump discards client messages (this stream is server-to-client only)
// but keeps the read deadline alive so dead connections are detected.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsPongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsPongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) trySend(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
	}
}

// run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}
