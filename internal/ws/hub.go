package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/metrics"
)

// Hub manages server-side connections and fans events out to them.
type Hub struct {
	name       string
	auth       AuthFunc
	encoder    *event.Encoder
	clients    map[*Client]bool
	users      map[string]map[*Client]bool // userID -> clients
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Broadcast
	kick       chan string
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Broadcast is an event for one user's connections, or for every connection
// when UserID is empty.
type Broadcast struct {
	UserID  string
	Payload []byte
}

// NewHub creates a hub. A nil auth accepts every connection; a nil encoder
// disables binary frames.
func NewHub(name string, auth AuthFunc, encoder *event.Encoder, logger *zap.Logger) *Hub {
	if auth == nil {
		auth = func(string, string) *event.ErrorPayload { return nil }
	}
	return &Hub{
		name:       name,
		auth:       auth,
		encoder:    encoder,
		clients:    make(map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Broadcast, 256),
		kick:       make(chan string),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", zap.String("hub", h.name))
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*Client]bool)
			}
			h.users[client.userID][client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.FakeServerClients.Set(float64(n))
			h.logger.Debug("client registered",
				zap.String("hub", h.name),
				zap.String("connID", client.connID),
				zap.String("userID", client.userID),
			)

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("client unregistered",
				zap.String("hub", h.name),
				zap.String("connID", client.connID),
			)

		case userID := <-h.kick:
			h.mu.RLock()
			var targets []*Client
			for client := range h.users[userID] {
				targets = append(targets, client)
			}
			h.mu.RUnlock()
			for _, client := range targets {
				// Dropping the socket makes both sides see an abnormal close.
				client.conn.Close()
			}
			h.logger.Info("kicked user", zap.String("userID", userID), zap.Int("connections", len(targets)))

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := h.clients
			if msg.UserID != "" {
				targets = h.users[msg.UserID]
			}
			var slow []*Client
			for client := range targets {
				if !client.trySend(msg.Payload) {
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Buffer full, disconnect
			for _, client := range slow {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if clients, ok := h.users[client.userID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.users, client.userID)
			}
		}
		client.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.FakeServerClients.Set(float64(n))
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.users = make(map[string]map[*Client]bool)
	metrics.FakeServerClients.Set(0)
}

// Broadcast queues payload for the connections of userID, or all connections
// when userID is empty. It reports false once the hub has stopped.
func (h *Hub) Broadcast(userID string, payload []byte) bool {
	select {
	case h.broadcast <- &Broadcast{UserID: userID, Payload: payload}:
		return true
	case <-h.done:
		return false
	}
}

// Kick drops every connection of userID without a close handshake.
func (h *Hub) Kick(userID string) {
	select {
	case h.kick <- userID:
	case <-h.done:
	}
}

// ConnectedUsers returns users with at least one open connection.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var users []string
	for user, clients := range h.users {
		if len(clients) > 0 {
			users = append(users, user)
		}
	}
	return users
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
