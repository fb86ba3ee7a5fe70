package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/remeh/sizedwaitgroup"
	"github.com/stratum-relay/relay/internal/relay"
)

// ErrTooManyConnections is returned by Hub.Add when the connection cap is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

// closeParallelism bounds how many close handshakes run at once on shutdown.
const closeParallelism = 16

// client is one browser connection. It implements relay.Outbound: Send
// never blocks and a client that cannot keep up is disconnected.
type client struct {
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	closeOnce sync.Once
	closing   chan struct{}
	// finished is closed by the read loop once the session has ended.
	finished chan struct{}
}

func (c *client) Send(msg relay.Message) {
	select {
	case <-c.closing:
		return
	default:
	}
	data, err := encodeMessage(msg)
	if err != nil {
		c.log.Error("encode message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("ws client too slow, disconnecting")
		c.Close()
	}
}

// Close asks the write pump to send a close frame and drop the connection.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			c.drain()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes messages queued before Close so a final error reaches the
// browser ahead of the close frame.
func (c *client) drain() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Hub tracks live browser connections and enforces the connection cap.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	maxConns   int
	sendBuffer int
	log        *slog.Logger
}

// NewHub returns a hub. maxConns <= 0 means unlimited.
func NewHub(maxConns, sendBuffer int, log *slog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		clients:    make(map[*client]bool),
		maxConns:   maxConns,
		sendBuffer: sendBuffer,
		log:        log,
	}
}

// Add registers conn and starts its write pump.
func (h *Hub) Add(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		log:      h.log.With("remote", conn.RemoteAddr().String()),
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (h *Hub) Remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every connection and waits, until ctx is done, for their
// sessions to end.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	swg := sizedwaitgroup.New(closeParallelism)
	for _, c := range clients {
		swg.Add()
		go func(c *client) {
			defer swg.Done()
			c.Close()
			select {
			case <-c.finished:
			case <-ctx.Done():
				c.conn.Close()
			}
		}(c)
	}
	swg.Wait()
	h.log.Info("closed websocket connections", "count", len(clients))
}
