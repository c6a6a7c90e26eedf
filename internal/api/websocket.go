package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/ralph/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// WSMessage is the client-to-server frame.
type WSMessage struct {
	Type   string `json:"type"` // subscribe, unsubscribe, ping
	TaskID string `json:"task_id,omitempty"`
}

// WSHandler bridges the event bus onto websocket connections. Each
// connection subscribes to one task's events, or to "*" for all.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   events.Publisher
	connections map[*websocket.Conn]*wsConnection
	mu          sync.RWMutex
	logger      *slog.Logger
}

type wsConnection struct {
	conn      *websocket.Conn
	mu        sync.Mutex // guards taskID and eventChan
	taskID    string
	eventChan <-chan events.Event
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSHandler creates the websocket bridge over the publisher.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		publisher:   pub,
		connections: make(map[*websocket.Conn]*wsConnection),
		logger:      logger,
	}
}

// ServeHTTP upgrades the request and starts the read/write pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[conn] = c
	h.mu.Unlock()

	// A task query parameter subscribes immediately, so dashboards can
	// open a stream in one round trip.
	if taskID := r.URL.Query().Get("task"); taskID != "" {
		h.subscribe(c, taskID)
	}

	go h.readPump(c)
	go h.writePump(c)
}

func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		h.handleMessage(c, message)
	}
}

func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handleMessage(c *wsConnection, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.TaskID == "" {
			h.sendError(c, `task_id required for subscribe (use "*" for all tasks)`)
			return
		}
		h.subscribe(c, msg.TaskID)
	case "unsubscribe":
		h.unsubscribe(c)
		h.sendJSON(c, map[string]any{"type": "unsubscribed"})
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		h.sendError(c, "unknown message type: "+msg.Type)
	}
}

// subscribe swaps the connection onto taskID's event stream, dropping
// any previous subscription first.
func (h *WSHandler) subscribe(c *wsConnection, taskID string) {
	h.unsubscribe(c)

	c.mu.Lock()
	c.taskID = taskID
	c.eventChan = h.publisher.Subscribe(taskID)
	ch := c.eventChan
	c.mu.Unlock()

	go h.forwardEvents(c, ch)

	h.sendJSON(c, map[string]any{"type": "subscribed", "task_id": taskID})
}

func (h *WSHandler) unsubscribe(c *wsConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taskID != "" && c.eventChan != nil {
		h.publisher.Unsubscribe(c.taskID, c.eventChan)
		c.taskID = ""
		c.eventChan = nil
	}
}

// forwardEvents drains ch onto the connection until either closes. The
// channel is captured at subscribe time so a later resubscribe ends
// this forwarder via the channel close from Unsubscribe.
func (h *WSHandler) forwardEvents(c *wsConnection, ch <-chan events.Event) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			h.sendJSON(c, map[string]any{
				"type":    "event",
				"event":   string(event.Type),
				"task_id": event.TaskID,
				"data":    event.Data,
				"time":    event.Time,
			})
		}
	}
}

func (h *WSHandler) closeConnection(c *wsConnection) {
	h.mu.Lock()
	if _, exists := h.connections[c.conn]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.conn)
	h.mu.Unlock()

	h.unsubscribe(c)
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.conn.Close()
}

func (h *WSHandler) sendJSON(c *wsConnection, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal websocket frame", "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("websocket send buffer full, dropping message")
	}
}

func (h *WSHandler) sendError(c *wsConnection, message string) {
	h.sendJSON(c, map[string]any{"type": "error", "error": message})
}

// ConnectionCount returns the number of active connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close tears down every connection.
func (h *WSHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.closeConnection(c)
	}
}
