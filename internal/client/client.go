// Package client is the user-side end of the realtime socket. It keeps a
// connection to the server alive, reconnecting as needed, and fans inbound
// events and connectivity changes out to subscribers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("client")

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("client: not connected")

type Options struct {
	ServerURL      string // http(s)://host:port
	User           string
	ReconnectDelay time.Duration
	MaxDelay       time.Duration
	RecentSize     int
	// AutoConfirm sends messageReceivedConfirm for every message received.
	AutoConfirm bool
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer

	wmu sync.Mutex // serializes writes
	mu  sync.Mutex
	ws  *websocket.Conn

	connected atomic.Bool
	recent    *util.RingBuffer[proto.Frame]

	lmu       sync.Mutex
	nextID    int
	listeners map[int]chan proto.Frame
	watchers  map[int]chan bool
}

func New(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxDelay < opts.ReconnectDelay {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = 100
	}
	return &Client{
		opts:      opts,
		dialer:    &websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout},
		recent:    util.NewRingBuffer[proto.Frame](opts.RecentSize),
		listeners: make(map[int]chan proto.Frame),
		watchers:  make(map[int]chan bool),
	}
}

func (c *Client) User() string { return c.opts.User }

// SocketURL turns the server base URL into the websocket endpoint.
func SocketURL(serverURL, user string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"userId": {user}}.Encode()
	return u.String(), nil
}

// Run keeps the socket connected until ctx is done, backing off between
// failed attempts.
func (c *Client) Run(ctx context.Context) error {
	target, err := SocketURL(c.opts.ServerURL, c.opts.User)
	if err != nil {
		return err
	}
	delay := c.opts.ReconnectDelay
	for {
		ws, _, err := c.dialer.DialContext(ctx, target, nil)
		if err == nil {
			delay = c.opts.ReconnectDelay
			c.serve(ctx, ws)
		} else if ctx.Err() == nil {
			log.Debugf("dial %s: %v", target, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > c.opts.MaxDelay {
			delay = c.opts.MaxDelay
		}
	}
}

// serve owns one connected socket until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setConnected(true)
	log.Infof("connected as %s", c.opts.User)

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var f proto.Frame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				log.Infof("connection lost: %v", err)
			}
			break
		}
		c.recent.Push(f)
		if c.opts.AutoConfirm && (f.Type == proto.ReceiveMessage || f.Type == proto.ReceiveGroupMessage) {
			c.confirm(f)
		}
		c.notify(f)
	}

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	ws.Close()
	c.setConnected(false)
}

func (c *Client) confirm(f proto.Frame) {
	m, err := proto.Decode[message.Message](f)
	if err != nil {
		return
	}
	if err := c.Send(proto.MessageReceivedConfirm, proto.MessageRefPayload{MessageID: m.ID}); err != nil {
		log.Debugf("confirm %s: %v", m.ID, err)
	}
}

// Send writes one event. It fails fast with ErrNotConnected when offline.
func (c *Client) Send(kind proto.Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	if err := ws.WriteJSON(proto.Frame{Type: kind, Payload: raw}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Recent returns up to n of the latest inbound frames, oldest first. A
// negative n returns everything kept.
func (c *Client) Recent(n int) []proto.Frame {
	if n < 0 {
		return c.recent.Snapshot()
	}
	return c.recent.Last(n)
}

// Subscribe returns a channel of inbound frames. Slow subscribers miss frames.
func (c *Client) Subscribe() (<-chan proto.Frame, func()) {
	ch := make(chan proto.Frame, 64)
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = ch
	c.lmu.Unlock()
	return ch, func() {
		c.lmu.Lock()
		if _, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			close(ch)
		}
		c.lmu.Unlock()
	}
}

// Connectivity returns a channel carrying the latest connection state.
// Intermediate states may be collapsed but the last one is always delivered.
func (c *Client) Connectivity() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = ch
	c.lmu.Unlock()
	return ch, func() {
		c.lmu.Lock()
		if _, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
		c.lmu.Unlock()
	}
}

func (c *Client) notify(f proto.Frame) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- f:
		default:
		}
	}
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- up
	}
}
