package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/hamdam/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Event is what UI sockets receive from the hub.
type Event struct {
	Type    string          `json:"type"` // "message", "connection"
	Message *models.Message `json:"message,omitempty"`
	State   string          `json:"state,omitempty"`
}

// Hub relays inbound chat traffic and connection state changes to every
// UI process attached to /ws.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the bridge only listens on loopback
		return true
	},
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// ClientCount returns the number of attached UI sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Relay queues msg for every client. It is registered as a dispatcher
// listener and never blocks the socket read loop.
func (h *Hub) Relay(msg models.Message) {
	h.publish(Event{Type: "message", Message: &msg})
}

// ConnectionChanged tells clients about the backend connection state.
func (h *Hub) ConnectionChanged(state string) {
	h.publish(Event{Type: "connection", State: state})
}

func (h *Hub) publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("bridge: hub broadcast queue full, dropping event type=%s", event.Type)
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("bridge: ui client connected (total: %d)", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("bridge: ui client disconnected (total: %d)", total)

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					log.Printf("bridge: send buffer full for ui client, dropping event type=%s", event.Type)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("bridge: upgrade error: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan Event, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// readPump only services control frames; UI writes go through the REST API.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("bridge: websocket error: %v", err)
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
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
