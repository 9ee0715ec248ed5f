// Package pushserver is a development push server: it fans marketplace
// change events out to websocket clients that subscribed to their topics,
// and serves the REST fixtures those clients refetch from.
package pushserver

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
)

var (
	ErrTooManyConnections = errors.New("too many websocket connections")
	ErrHubClosed          = errors.New("hub closed")
)

const maxControlSize = 4096

type HubOptions struct {
	MaxConns     int // 0 means unlimited
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte

	mu     sync.Mutex
	topics map[protocol.Topic]bool
}

func (c *client) subscribed(t protocol.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[t]
}

func (c *client) apply(ctl protocol.Control) bool {
	if ctl.Topic == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ctl.Action {
	case protocol.ActionSubscribe:
		c.topics[ctl.Topic] = true
	case protocol.ActionUnsubscribe:
		delete(c.topics, ctl.Topic)
	default:
		return false
	}
	return true
}

// readPump consumes control frames until the connection fails.
func (c *client) readPump() {
	defer c.hub.RemoveClient(c)
	c.conn.SetReadLimit(maxControlSize)
	for {
		var ctl protocol.Control
		if err := c.conn.ReadJSON(&ctl); err != nil {
			return
		}
		if !c.apply(ctl) {
			c.hub.log.Debug("ignoring control frame", zap.String("client", c.id), zap.String("action", string(ctl.Action)))
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.RemoveClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.RemoveClient(c)
				return
			}
		}
	}
}

// Hub tracks connected clients and their topic subscriptions.
type Hub struct {
	opts    HubOptions
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("hub"),
		metrics: opts.Metrics,
		clients: make(map[*client]struct{}),
	}
}

// AddClient registers conn and starts its write pump. The caller runs
// readPump, which removes the client when the connection ends.
func (h *Hub) AddClient(conn *websocket.Conn, userID string) (*client, error) {
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, h.opts.SendBuffer),
		topics: make(map[protocol.Topic]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.opts.MaxConns > 0 && len(h.clients) >= h.opts.MaxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.PushClients(n)
	h.log.Info("client connected", zap.String("client", c.id), zap.String("user", userID))
	go c.writePump()
	return c, nil
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.PushClients(n)
	h.log.Info("client disconnected", zap.String("client", c.id), zap.String("user", c.userID))
}

// Publish sends env to every client subscribed to its topic and returns the
// number of clients it was queued for. Clients whose queue is full are
// disconnected.
func (h *Hub) Publish(env protocol.Envelope, source string) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal envelope", zap.String("topic", string(env.Topic)), zap.Error(err))
		return 0
	}
	h.metrics.Published(string(env.Topic), source)

	var slow []*client
	sent := 0
	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscribed(env.Topic) {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("client too slow, disconnecting", zap.String("client", c.id))
		h.metrics.SlowClientDropped()
		h.RemoveClient(c)
	}
	h.log.Debug("published", zap.String("topic", string(env.Topic)), zap.String("source", source), zap.Int("clients", sent))
	return sent
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	for c := range clients {
		close(c.send)
	}
	h.mu.Unlock()
	h.metrics.PushClients(0)
}
