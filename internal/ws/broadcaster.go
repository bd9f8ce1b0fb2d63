// Package ws fans out JSON messages to groups of websocket clients.
package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PingInterval is how often connected clients are pinged.
const PingInterval = 15 * time.Second

// writeTimeout bounds every frame write so one stuck client cannot
// stall the broadcast loop.
const writeTimeout = 10 * time.Second

// Client is one registered websocket connection. Writes are serialized
// so broadcasts and pings do not interleave frames.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WriteJSON sends one JSON message to the client.
func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Broadcaster delivers every queued message to all registered clients
// of one named channel and pings them periodically. The queue is
// unbounded; messages queued before Stop are delivered before the loop
// exits.
type Broadcaster struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}

	qmu     sync.Mutex
	qcond   *sync.Cond
	backlog []any
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroadcaster creates a broadcaster for one channel. Call Start to
// begin delivery.
func NewBroadcaster(name string, logger *slog.Logger) *Broadcaster {
	b := &Broadcaster{
		name:    name,
		logger:  logger.With(slog.String("channel", name)),
		clients: make(map[*Client]struct{}),
		stop:    make(chan struct{}),
	}
	b.qcond = sync.NewCond(&b.qmu)
	return b
}

// Name is the broadcast channel name.
func (b *Broadcaster) Name() string { return b.name }

// Start launches the delivery and ping loops.
func (b *Broadcaster) Start() {
	b.wg.Add(2)
	go b.run()
	go b.pinger()
}

// Stop drains the queue, halts delivery, and waits for the loops to
// exit. Registered connections are not closed; their handlers own them.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.qmu.Lock()
		b.closed = true
		b.qmu.Unlock()
		b.qcond.Signal()
	})
	b.wg.Wait()
}

// Register adds a connection to the channel and returns its client
// handle.
func (b *Broadcaster) Register(conn *websocket.Conn) *Client {
	c := &Client{conn: conn}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug("websocket client registered", slog.Int("clients", n))
	return c
}

// Unregister removes a client from the channel.
func (b *Broadcaster) Unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug("websocket client unregistered", slog.Int("clients", n))
}

// Broadcast queues a message for delivery to all clients. Messages
// queued after Stop are dropped.
func (b *Broadcaster) Broadcast(v any) {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		b.logger.Debug("broadcast after stop, dropping message")
		return
	}
	b.backlog = append(b.backlog, v)
	b.qmu.Unlock()
	b.qcond.Signal()
}

// snapshot copies the client set so delivery happens outside the lock.
// A client removed concurrently may still receive one in-flight message.
func (b *Broadcaster) snapshot() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *Broadcaster) run() {
	defer b.wg.Done()

	for {
		b.qmu.Lock()
		for len(b.backlog) == 0 && !b.closed {
			b.qcond.Wait()
		}
		if len(b.backlog) == 0 {
			b.qmu.Unlock()
			return
		}
		msg := b.backlog[0]
		b.backlog = b.backlog[1:]
		if len(b.backlog) == 0 {
			b.backlog = nil
		}
		b.qmu.Unlock()

		for _, c := range b.snapshot() {
			if err := c.WriteJSON(msg); err != nil {
				b.logger.Debug("write failed, dropping client", slog.Any("error", err))
				b.Unregister(c)
			}
		}
	}
}

func (b *Broadcaster) pinger() {
	defer b.wg.Done()

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ping.C:
			for _, c := range b.snapshot() {
				if err := c.ping(); err != nil {
					b.logger.Debug("ping failed, dropping client", slog.Any("error", err))
					b.Unregister(c)
				}
			}
		}
	}
}

// Hub is the set of named broadcast channels.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Broadcaster
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]*Broadcaster),
		logger:   logger,
	}
}

// Register creates and starts a channel. Registering a name twice is a
// programming error.
func (h *Hub) Register(name string) (*Broadcaster, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[name]; ok {
		return nil, fmt.Errorf("broadcast channel already registered: %q", name)
	}
	b := NewBroadcaster(name, h.logger)
	h.channels[name] = b
	b.Start()
	return b, nil
}

// Select returns the named channel, nil when it does not exist.
func (h *Hub) Select(name string) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[name]
}

// StopAll stops every channel.
func (h *Hub) StopAll() {
	h.mu.Lock()
	channels := make([]*Broadcaster, 0, len(h.channels))
	for _, b := range h.channels {
		channels = append(channels, b)
	}
	h.mu.Unlock()

	for _, b := range channels {
		b.Stop()
	}
}
