// Package ws carries the chat protocol over gorilla/websocket: the client
// Transport used by the connection manager and the server-side Hub used by
// the development backend.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/event"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size per client.
	sendBufferSize = 256

	// How long a closing side waits for the peer's close frame.
	closeGrace = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins for the dev backend
}

// AuthFunc checks the credentials of a connect request. A non-nil payload
// rejects the connection with that error frame.
type AuthFunc func(userID, token string) *event.ErrorPayload

// Client is one server-side websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	connID string
	binary bool
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// trySend queues msg unless the client is closed or its buffer is full.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close stops the write pump after it drains queued messages.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleWS upgrades a connect request. The user and token travel in the
// user_id and authorization query parameters; format=binary selects
// compressed protobuf frames.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	token := q.Get("authorization")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	if rej := h.auth(userID, token); rej != nil {
		h.logger.Info("rejecting connection",
			zap.String("userID", userID),
			zap.Int("code", rej.Code),
		)
		h.reject(conn, rej)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		connID: uuid.New().String(),
		binary: q.Get("format") == "binary" && h.encoder != nil,
		logger: h.logger,
	}

	client.send <- healthCheckFrame(client.connID, userID)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// reject sends an error frame and closes the connection.
func (h *Hub) reject(conn *websocket.Conn, rej *event.ErrorPayload) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, errorFrame(rej)); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, rej.Message))
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msgType, payload := websocket.TextMessage, message
			if c.binary {
				encoded, err := c.hub.encoder.EncodeJSON(message)
				if err != nil {
					c.logger.Warn("encode frame failed", zap.String("connID", c.connID), zap.Error(err))
					continue
				}
				msgType, payload = websocket.BinaryMessage, encoded
			}
			if err := c.conn.WriteMessage(msgType, payload); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
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

// handleMessage answers application pings. Other client frames are ignored.
func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("failed to parse client message",
			zap.String("connID", c.connID),
			zap.Error(err),
		)
		return
	}

	if msg.Type == event.TypeHealthCheck {
		c.trySend(healthCheckFrame(c.connID, c.userID))
	}
}

func healthCheckFrame(connID, userID string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":          event.TypeHealthCheck,
		"connection_id": connID,
		"created_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"me":            map[string]string{"id": userID},
	})
	return frame
}

func errorFrame(p *event.ErrorPayload) []byte {
	frame, _ := json.Marshal(map[string]any{
		"type":  event.TypeConnectionError,
		"error": p,
	})
	return frame
}
