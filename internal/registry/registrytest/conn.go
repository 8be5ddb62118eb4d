// Package registrytest provides an in-memory registry.Conn that records
// everything sent to it.
package registrytest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/parley/internal/proto"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("registrytest: connection closed")

// Conn records outbound events in order.
type Conn struct {
	id   string
	user string

	mu     sync.Mutex
	events []proto.Outbound
	closed bool
	notify chan struct{}
}

func NewConn(user string) *Conn {
	return &Conn{id: uuid.NewString(), user: user, notify: make(chan struct{}, 1)}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) User() string { return c.user }

func (c *Conn) Send(evt proto.Outbound) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.events = append(c.events, evt)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything sent so far.
func (c *Conn) Events() []proto.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.Outbound(nil), c.events...)
}

// OfKind returns the sent events of one kind.
func (c *Conn) OfKind(k proto.Kind) []proto.Outbound {
	var out []proto.Outbound
	for _, e := range c.Events() {
		if e.Type == k {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of kind k.
func (c *Conn) Last(k proto.Kind) (proto.Outbound, bool) {
	evts := c.OfKind(k)
	if len(evts) == 0 {
		return proto.Outbound{}, false
	}
	return evts[len(evts)-1], true
}

// WaitFor blocks until an event of kind k matching ok arrives.
func (c *Conn) WaitFor(k proto.Kind, timeout time.Duration, ok func(proto.Outbound) bool) (proto.Outbound, error) {
	deadline := time.After(timeout)
	for {
		for _, e := range c.OfKind(k) {
			if ok == nil || ok(e) {
				return e, nil
			}
		}
		select {
		case <-c.notify:
		case <-deadline:
			return proto.Outbound{}, fmt.Errorf("timed out waiting for %s on %s", k, c.user)
		}
	}
}

// Payload re-decodes an outbound payload into T.
func Payload[T any](evt proto.Outbound) (T, error) {
	var v T
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(data, &v)
	return v, err
}
