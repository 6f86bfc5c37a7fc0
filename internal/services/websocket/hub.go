package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"agent-scheduler/internal/models"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Event is the message pushed to dashboard clients.
type Event struct {
	Type      string            `json:"type"`
	Execution *models.Execution `json:"execution"`
}

// Client is the part of a websocket connection the hub writes to.
type Client interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub fans execution events out to connected clients.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan []byte
	register   chan Client
	unregister chan Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mutex.RLock()
			var failed []Client
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, client)
				}
			}
			h.mutex.RUnlock()
			for _, client := range failed {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
}

// Publish queues a finalized execution for broadcast. It never blocks; when
// the queue is full the event is dropped.
func (h *Hub) Publish(rec models.Execution) {
	h.mutex.RLock()
	clientCount := len(h.clients)
	h.mutex.RUnlock()
	if clientCount == 0 {
		return
	}

	data, err := json.Marshal(Event{Type: "execution", Execution: &rec})
	if err != nil {
		h.logger.Warn("marshal execution event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("execution event dropped", zap.String("executionId", rec.ID))
	}
}

// Register adds a client. After Run has returned the client is closed instead.
func (h *Hub) Register(conn Client) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *Hub) Unregister(conn Client) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Handle is the fiber websocket handler. It blocks until the client goes away.
func (h *Hub) Handle(c *websocket.Conn) {
	h.Register(c)
	defer h.Unregister(c)

	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			break
		}
	}
}
