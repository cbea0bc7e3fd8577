package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evmon/argusd/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsSendBuffer bounds per-client backlog; a slow client is dropped
	// rather than allowed to stall the broadcast.
	wsSendBuffer = 32
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Live detection feeds are consumed by operator dashboards on other
	// origins; access control lives in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketSink broadcasts detection batches to connected live viewers.
// Unlike the bus and webhook sinks it is best-effort by nature: a client
// that is not connected simply misses the batch, so Deliver never fails
// for lack of subscribers.
type WebSocketSink struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	broadcast uint64
	dropped   uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketSink creates the broadcast hub. Mount Handler on an HTTP
// mux to accept subscribers.
func NewWebSocketSink() *WebSocketSink {
	return &WebSocketSink{clients: make(map[*wsClient]struct{})}
}

// Name implements Sink.
func (s *WebSocketSink) Name() string { return "websocket" }

// Deliver implements Sink.
func (s *WebSocketSink) Deliver(ctx context.Context, batch types.DetectionBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("websocket hub closed")
	}

	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			// Client backlog full; skip this batch for that client.
			s.dropped++
		}
	}
	s.broadcast++
	return nil
}

// Handler upgrades an HTTP request to a websocket subscription.
func (s *WebSocketSink) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()

	slog.Info("websocket client connected", "remote", r.RemoteAddr, "clients", n)

	go s.writePump(c)
	go s.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (s *WebSocketSink) readPump(c *wsClient) {
	defer s.drop(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump pushes broadcasts and keepalive pings to one client.
func (s *WebSocketSink) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.drop(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop removes and closes a client. Safe to call from both pumps.
func (s *WebSocketSink) drop(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	n := len(s.clients)
	s.mu.Unlock()

	c.conn.Close()
	slog.Debug("websocket client disconnected", "clients", n)
}

// Clients returns the current subscriber count.
func (s *WebSocketSink) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close implements Sink.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
	return nil
}
