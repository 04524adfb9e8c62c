package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/ringkv/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client represents a connected WebSocket client.
type client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte // Buffered channel of outbound messages
}

// WebSocketHub fans ring update events out to connected WebSocket clients.
// It implements node.Broadcaster.
type WebSocketHub struct {
	clients map[*client]bool

	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	shutdown  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Guards clients
	mu sync.RWMutex

	logger *pkg.Logger
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		logger:     logger.WithFields(pkg.Fields{"component": "websocket"}),
	}
}

// Start launches the hub loop. Stop waits for it to exit.
func (h *WebSocketHub) Start() {
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run()
	})
}

// run serves hub requests until Stop is called.
func (h *WebSocketHub) run() {
	defer h.wg.Done()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Info().Int("total_clients", total).Msg("Client disconnected")
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow client, drop it
					h.logger.Warn().Msg("Client send buffer full, disconnecting slow client")
					go h.remove(c)
				}
			}
			h.mu.RUnlock()

		case <-h.shutdown:
			h.logger.Info().Msg("Shutting down WebSocket hub")
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub shutdown complete")
			return
		}
	}
}

// Stop shuts down the hub and disconnects every client. It is safe to call
// more than once.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	h.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.shutdown:
	}
}

// readPump drains the connection so pongs and close frames are processed.
// Incoming messages are ignored.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Msg("WebSocket unexpected close error")
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
// It is the only writer of the connection.
func (c *client) writePump() {
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
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// HandleWebSocket upgrades the request and subscribes the client to ring updates.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// BroadcastRingUpdate sends a ring update to all connected clients.
// Updates are dropped when the hub is backed up.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping message")
	}

	return nil
}
