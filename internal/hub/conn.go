package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/proto"
)

var (
	ErrConnClosed   = errors.New("hub: connection closed")
	ErrSlowConsumer = errors.New("hub: send queue full, connection dropped")
)

// conn is one websocket client. It implements registry.Conn.
type conn struct {
	id          string
	user        string
	ws          *websocket.Conn
	connectedAt time.Time

	lmu     sync.Mutex
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(parent context.Context, user string, ws *websocket.Conn, opts Options) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		id:          uuid.NewString(),
		user:        user,
		ws:          ws,
		limiter:     newLimiter(opts.RatePerSec, opts.RateBurst),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, opts.SendQueue),
	}
}

// newLimiter builds a full token bucket. perSec 0 disables limiting.
func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (c *conn) allow() bool {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	return c.limiter.Allow()
}

// setLimit swaps in a fresh bucket so a new budget applies to the very next event.
func (c *conn) setLimit(perSec float64, burst int) {
	l := newLimiter(perSec, burst)
	c.lmu.Lock()
	c.limiter = l
	c.lmu.Unlock()
}

func (c *conn) ID() string   { return c.id }
func (c *conn) User() string { return c.user }

// Send queues evt for the write pump. A full queue drops the connection
// instead of blocking the caller.
func (c *conn) Send(evt proto.Outbound) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Warnf("%s (%s) is not draining its queue, dropping", c.user, c.id)
		metrics.SlowConsumers.Inc()
		c.closeLocked()
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}

func (c *conn) sendError(code, msg, ref string) {
	c.Send(proto.Event(proto.Error, proto.ErrorPayload{Code: code, Message: msg, Ref: ref}))
}

func (c *conn) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("write to %s: %v", c.user, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds frames to handle until the socket fails.
func (c *conn) readPump(opts Options, handle func(*conn, []byte)) {
	c.ws.SetReadLimit(opts.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("read from %s: %v", c.user, err)
			}
			return
		}
		handle(c, data)
	}
}
