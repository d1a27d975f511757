// Package ws streams task events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// client is one connection with its own outgoing queue. An empty sessionID
// receives events from every session.
type client struct {
	ws        *websocket.Conn
	sessionID string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

func (c *client) wants(sessionID string) bool {
	return c.sessionID == "" || sessionID == "" || c.sessionID == sessionID
}

// Hub fans messages out to connected clients. Each client has a bounded
// queue drained by its own writer; a client whose queue is full is
// disconnected rather than allowed to stall the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// HandleWS upgrades the request to a WebSocket. The optional session query
// parameter restricts the stream to one session.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are the CORS middleware's job
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	c := &client{
		ws:        conn,
		sessionID: r.URL.Query().Get("session"),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("websocket connected", "remote", r.RemoteAddr, "session_id", c.sessionID)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards client frames and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c, websocket.StatusNormalClosure, "")
	ctx := c.ws.CloseRead(context.Background())
	<-ctx.Done()
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "session_id", c.sessionID, "error", err)
				h.drop(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Send queues msg for every client watching sessionID, plus unfiltered
// clients. An empty sessionID reaches everyone.
func (h *Hub) Send(sessionID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "type", msg.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(sessionID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("websocket client too slow, disconnecting", "session_id", c.sessionID)
		go h.drop(c, websocket.StatusPolicyViolation, "too slow")
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	var wg sync.WaitGroup
	for c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close(websocket.StatusGoingAway, "server shutting down")
		}()
	}
	wg.Wait()
}

func (h *Hub) drop(c *client, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.close(code, reason)
	if ok {
		slog.Info("websocket disconnected", "session_id", c.sessionID)
	}
}
