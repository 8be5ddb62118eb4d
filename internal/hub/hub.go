// Package hub is the server side of the realtime socket: it upgrades
// connections, registers them and routes inbound events to the domain.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("hub")

// Options tune the per-connection transport.
type Options struct {
	ReadLimit    int64
	SendQueue    int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	RatePerSec   float64
	RateBurst    int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    64 << 10,
		SendQueue:    256,
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    util.DefaultWriteTimeout,
		RatePerSec:   20,
		RateBurst:    40,
	}
}

// Messages is the message pipeline as seen by the socket.
type Messages interface {
	Send(ctx context.Context, sender string, req proto.SendMessagePayload) (*message.Message, error)
	ConfirmReceived(ctx context.Context, user, id string) error
	MarkRead(ctx context.Context, reader string, ref proto.ConversationRef) (int, error)
	React(ctx context.Context, user, id, emoji string) error
	Edit(ctx context.Context, user, id, text string) error
	Delete(ctx context.Context, user, id string) error
	Typing(ctx context.Context, user string, ref proto.ConversationRef, on bool) error
	JoinRoom(ctx context.Context, user, groupID string) error
}

// Presence toggles a user's visibility.
type Presence interface {
	SetHidden(ctx context.Context, user string, hidden bool) error
}

// Calls relays call signaling.
type Calls interface {
	Initiate(ctx context.Context, caller, callee string, signal json.RawMessage, kind proto.MediaKind) error
	Accept(ctx context.Context, callee, caller string, answer json.RawMessage) error
	RelaySignal(ctx context.Context, from, to string, payload json.RawMessage) error
	Terminate(ctx context.Context, from, to string) error
}

type Hub struct {
	reg      *registry.Registry
	messages Messages
	presence Presence
	calls    Calls
	handlers map[proto.Kind]handler

	mu   sync.RWMutex
	opts Options

	ctx      context.Context
	cancel   context.CancelFunc
	upgrader websocket.Upgrader
}

func New(opts Options, reg *registry.Registry, messages Messages, presence Presence, calls Calls) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		reg:      reg,
		messages: messages,
		presence: presence,
		calls:    calls,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// identity and origin checks happen in front of us
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.handlers = h.routes()
	for _, k := range proto.InboundKinds() {
		if _, ok := h.handlers[k]; !ok {
			panic("hub: no handler for inbound event " + string(k))
		}
	}
	return h
}

func (h *Hub) options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opts
}

// SetRateLimit changes the inbound event budget for new and live connections.
func (h *Hub) SetRateLimit(perSec float64, burst int) {
	h.mu.Lock()
	h.opts.RatePerSec = perSec
	h.opts.RateBurst = burst
	h.mu.Unlock()

	entries, err := h.reg.Snapshot(h.ctx)
	if err != nil {
		return
	}
	for _, e := range entries {
		if c, ok := e.Conn.(*conn); ok {
			c.setLimit(perSec, burst)
		}
	}
	log.Infof("rate limit set to %.1f/s burst %d", perSec, burst)
}

// ServeHTTP upgrades GET /ws?userId=<id>.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := util.ValidateUserID(r.URL.Query().Get("userId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade for %s: %v", user, err)
		return
	}

	opts := h.options()
	c := newConn(h.ctx, user, ws, opts)
	go c.writePump(opts)

	prev, err := h.reg.Register(h.ctx, user, c)
	if err != nil {
		c.Close()
		return
	}
	if prev != nil {
		prev.Close()
	}
	log.Infof("%s connected (%s)", user, c.id)

	go func() {
		c.readPump(opts, h.dispatch)
		h.reg.Unregister(context.Background(), user, c)
		c.Close()
		log.Infof("%s disconnected (%s)", user, c.id)
	}()
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown(ctx context.Context) {
	entries, _ := h.reg.Snapshot(ctx)
	for _, e := range entries {
		e.Conn.Close()
	}
	h.cancel()
}
