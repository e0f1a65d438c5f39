package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/connection"
)

var (
	ErrConnClosed     = errors.New("websocket connection closed")
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Transport dials the chat websocket endpoint with gorilla/websocket.
type Transport struct {
	dialer *websocket.Dialer
	header http.Header
	logger *zap.Logger
}

var _ connection.Transport = (*Transport)(nil)

// NewTransport creates a transport. header is sent with every handshake and
// may be nil.
func NewTransport(handshakeTimeout time.Duration, header http.Header, logger *zap.Logger) *Transport {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Transport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		header: header,
		logger: logger,
	}
}

// ConnectURL adds the user and token query parameters to base.
func ConnectURL(base, userID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse connect url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("authorization", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a connection and starts its pumps. d receives every inbound
// message and exactly one OnClose.
func (t *Transport) Dial(ctx context.Context, req connection.ConnectRequest, d connection.Delegate) (connection.Conn, error) {
	target, err := ConnectURL(req.URL, req.UserID, req.Token)
	if err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	c := &clientConn{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: t.logger.With(zap.String("userID", req.UserID)),
	}
	go c.writePump()
	go c.readPump(d)
	return c, nil
}

type clientConn struct {
	conn    *websocket.Conn
	send    chan []byte
	quit    chan struct{} // closed by Close
	done    chan struct{} // closed when the read pump exits
	once    sync.Once
	closing atomic.Bool
	logger  *zap.Logger
}

// Write queues frame as a text message.
func (c *clientConn) Write(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-c.quit:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame and tears the connection down. The delegate sees
// OnClose(nil).
func (c *clientConn) Close() error {
	c.closing.Store(true)
	c.once.Do(func() { close(c.quit) })
	return nil
}

func (c *clientConn) readPump(d connection.Delegate) {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.conn.Close()
			if c.closing.Load() {
				d.OnClose(nil)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			d.OnClose(err)
			return
		}
		d.OnFrame(message)
	}
}

func (c *clientConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Give the peer a moment to echo the close before the read pump
			// is forced out.
			select {
			case <-c.done:
			case <-time.After(closeGrace):
			}
			return

		case <-c.done:
			return
		}
	}
}
