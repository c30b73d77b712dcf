// Package feed pushes controller snapshots to dashboards over WebSocket.
// Reporting only: nothing read from a client ever reaches the control path.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// #region config
// Config sizes the hub queues.
type Config struct {
	QueueSize    int           // pending broadcasts before Broadcast drops
	ClientBuffer int           // pending frames per client before it is disconnected
	WriteTimeout time.Duration // per-frame write deadline
	PingInterval time.Duration
}

// DefaultConfig fits a 20 Hz publisher.
func DefaultConfig() Config {
	return Config{
		QueueSize:    64,
		ClientBuffer: 16,
		WriteTimeout: 2 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Stats are cumulative hub counters.
type Stats struct {
	Broadcast     uint64 `json:"broadcast"`
	Dropped       uint64 `json:"dropped"`
	Disconnected  uint64 `json:"disconnected"`
	EncodeFailure uint64 `json:"encode_failure"`
	Clients       int    `json:"clients"`
}

// #endregion config

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// #region hub
// Hub fans JSON frames out to every connected client. A client that falls
// ClientBuffer frames behind is disconnected rather than slowing the rest.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	in     chan any

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte

	broadcast    atomic.Uint64
	dropped      atomic.Uint64
	disconnected atomic.Uint64
	encodeFail   atomic.Uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub. Run must be started for frames to be delivered.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "feed"),
		in:      make(chan any, cfg.QueueSize),
		clients: make(map[*client]struct{}),
	}
}

// Broadcast queues v for every client without blocking.
func (h *Hub) Broadcast(v any) bool {
	select {
	case h.in <- v:
		h.broadcast.Add(1)
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Run encodes queued values and fans them out until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-h.in:
			frame, err := json.Marshal(v)
			if err != nil {
				if h.encodeFail.Add(1) <= 5 {
					h.logger.Warn("feed encode failed", "error", err)
				}
				continue
			}
			h.fanout(frame)
		}
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	return Stats{
		Broadcast:     h.broadcast.Load(),
		Dropped:       h.dropped.Load(),
		Disconnected:  h.disconnected.Load(),
		EncodeFailure: h.encodeFail.Load(),
		Clients:       n,
	}
}

// #endregion hub

// #region http

// ServeHTTP upgrades the request and streams frames until the client goes
// away. The most recent frame is sent first so a new dashboard is not blank
// until the next tick.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.cfg.ClientBuffer)}

	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// #endregion http

// #region helpers
func (h *Hub) fanout(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = frame
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			delete(h.clients, c)
			c.close()
			h.disconnected.Add(1)
			h.logger.Warn("feed client too slow, disconnected", "remote", c.conn.RemoteAddr().String())
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// #endregion helpers
