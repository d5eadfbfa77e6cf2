// Package stream pushes closed window results to WebSocket subscribers of a
// session.
package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
	broadcastQueue = 256
)

// Message types sent to subscribers.
const (
	TypeWelcome = "welcome"
	TypeWindow  = "window"
)

// Message is the envelope written to subscribers.
type Message struct {
	Type      string      `json:"type"`
	SessionID int64       `json:"session_id"`
	ClientID  string      `json:"client_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Client is one subscriber connection.
type Client struct {
	id        string
	sessionID int64
	conn      *websocket.Conn
	send      chan Message
}

// Hub owns the subscriber registry. Only the Run goroutine touches the
// registry maps; slow subscribers are dropped rather than blocking Publish.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan analysis.WindowResult
	done       chan struct{}

	upgrader websocket.Upgrader
	metrics  *monitoring.Metrics
	logger   *monitoring.Logger

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub. Origins lists the browser origins allowed to
// subscribe; an empty list or "*" allows any.
func NewHub(origins []string, metrics *monitoring.Metrics, logger *monitoring.Logger) *Hub {
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}
	if logger == nil {
		logger = monitoring.NewLogger()
	}
	h := &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan analysis.WindowResult, broadcastQueue),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// Run serves the registry until ctx is cancelled, then disconnects everyone.
// It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, subs := range h.clients {
				for c := range subs {
					h.drop(c)
				}
			}
			return

		case c := <-h.register:
			subs, ok := h.clients[c.sessionID]
			if !ok {
				subs = make(map[*Client]struct{})
				h.clients[c.sessionID] = subs
			}
			subs[c] = struct{}{}
			h.adjust(1)
			h.logger.Debug("Stream client connected", "client_id", c.id, "session_id", c.sessionID)

		case c := <-h.unregister:
			if _, ok := h.clients[c.sessionID][c]; ok {
				h.drop(c)
			}

		case result := <-h.broadcast:
			msg := Message{
				Type:      TypeWindow,
				SessionID: result.SessionID,
				Payload:   result,
				Timestamp: time.Now().Unix(),
			}
			for c := range h.clients[result.SessionID] {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("Dropping slow stream client", "client_id", c.id, "session_id", c.sessionID)
					h.drop(c)
				}
			}
		}
	}
}

// drop removes c from the registry and closes its send channel; the write
// pump then closes the connection.
func (h *Hub) drop(c *Client) {
	subs := h.clients[c.sessionID]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, c.sessionID)
	}
	close(c.send)
	h.adjust(-1)
}

func (h *Hub) adjust(delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count += delta
	if delta > 0 {
		h.metrics.StreamClientConnected()
	} else {
		h.metrics.StreamClientDisconnected()
	}
}

// Publish queues a window result for the session's subscribers. It never
// blocks; results are discarded when the queue is full.
func (h *Hub) Publish(result analysis.WindowResult) {
	select {
	case h.broadcast <- result:
	default:
		h.logger.Warn("Stream broadcast queue full", "session_id", result.SessionID)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Serve upgrades the request and streams the session's windows until the
// peer goes away. It blocks for the lifetime of the connection.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID int64) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan Message, sendBuffer),
	}
	c.send <- Message{
		Type:      TypeWelcome,
		SessionID: sessionID,
		ClientID:  c.id,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}
	go c.writePump()
	h.readPump(c)
	return nil
}

// readPump discards inbound messages and keeps the read deadline fresh. It
// unregisters the client when the connection fails.
func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Stream client read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
