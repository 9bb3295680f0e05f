package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/crmsync/internal/logger"
)

// Hub fans engine run events out to websocket subscribers.
type Hub struct {
	clients    map[subscriber]bool
	broadcast  chan interface{}
	register   chan subscriber
	unregister chan subscriber
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	log        *logger.Logger

	originMu sync.RWMutex
	origins  map[string]bool
}

// subscriber allows for both websocket clients and in-process listeners.
type subscriber interface {
	sendChannel() chan []byte
	close()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte {
	return c.send
}

func (c *wsClient) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewHub creates a hub accepting websocket origins from the given hosts
// ("host:port").
func NewHub(log *logger.Logger, allowedHosts ...string) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[subscriber]bool),
		broadcast:  make(chan interface{}, 256),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
		log:        log.With("component", "ws_hub"),
		origins:    map[string]bool{},
	}
	h.AllowHosts(allowedHosts...)
	return h
}

// AllowHosts adds accepted origin hosts.
func (h *Hub) AllowHosts(hosts ...string) {
	h.originMu.Lock()
	defer h.originMu.Unlock()
	for _, host := range hosts {
		h.origins[host] = true
	}
}

func (h *Hub) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	h.originMu.RLock()
	defer h.originMu.RUnlock()
	return h.origins[u.Host]
}

func (h *Hub) patterns() []string {
	h.originMu.RLock()
	defer h.originMu.RUnlock()
	out := make([]string, 0, len(h.origins))
	for host := range h.origins {
		out = append(out, host)
	}
	return out
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", "clients", count)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.log.Error("failed to marshal websocket message", "error", err)
				continue
			}
			// Full lock: slow clients are dropped from the map.
			h.mu.Lock()
			for client := range h.clients {
				ch := client.sendChannel()
				select {
				case ch <- data:
				default:
					close(ch)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.close()
	}
	h.clients = make(map[subscriber]bool)
	h.mu.Unlock()
}

// Broadcast queues a message for all clients without blocking. Messages are
// dropped when the queue is full.
func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("websocket broadcast queue full, dropping message")
	}
}

// Register adds a subscriber to the hub.
func (h *Hub) Register(s subscriber) {
	select {
	case h.register <- s:
	case <-h.ctx.Done():
	}
}

// Unregister removes a subscriber from the hub.
func (h *Hub) Unregister(s subscriber) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request to a websocket streaming run events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !h.originAllowed(origin) {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.patterns(),
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.Register(client)

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			c.hub.log.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// readPump drains client messages to detect disconnection.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}
