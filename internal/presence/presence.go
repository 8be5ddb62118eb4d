// Package presence derives the visible online set and pushes it to everyone.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/registry"
)

var log = logging.Logger("presence")

// PrivacyStore persists who hides their online status.
type PrivacyStore interface {
	SetHidden(ctx context.Context, user string, hidden bool) error
	HiddenUsers(ctx context.Context) ([]string, error)
}

// Broadcaster recomputes registered-minus-hidden on every registry change or
// preference toggle and pushes the full set to every connection.
type Broadcaster struct {
	reg   *registry.Registry
	prefs PrivacyStore

	reqs      chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	hidden map[string]bool // owned by the loop goroutine
}

// New loads persisted preferences and starts the broadcaster.
func New(ctx context.Context, reg *registry.Registry, prefs PrivacyStore) (*Broadcaster, error) {
	hidden, err := prefs.HiddenUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load privacy preferences: %w", err)
	}
	changes, cancel, err := reg.Watch(ctx)
	if err != nil {
		return nil, err
	}
	b := &Broadcaster{
		reg:    reg,
		prefs:  prefs,
		reqs:   make(chan func()),
		done:   make(chan struct{}),
		hidden: make(map[string]bool, len(hidden)),
	}
	for _, u := range hidden {
		b.hidden[u] = true
	}
	b.wg.Add(1)
	go b.loop(changes, cancel)
	return b, nil
}

// Close stops the broadcaster.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Broadcaster) loop(changes <-chan registry.Change, cancel func()) {
	defer b.wg.Done()
	defer cancel()
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			log.Debugf("%s %s", c.Kind, c.User)
			// fold any changes already queued into one recomputation
			for drained := false; !drained; {
				select {
				case _, ok := <-changes:
					if !ok {
						return
					}
				default:
					drained = true
				}
			}
			b.broadcast(context.Background())
		case fn := <-b.reqs:
			fn()
		case <-b.done:
			return
		}
	}
}

// run executes fn on the loop goroutine and waits for it.
func (b *Broadcaster) run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case b.reqs <- func() { fn(); close(finished) }:
	case <-b.done:
		return fmt.Errorf("presence: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// SetHidden stores the preference and, before returning, pushes the
// recomputed set so the next broadcast already reflects it.
func (b *Broadcaster) SetHidden(ctx context.Context, user string, hidden bool) error {
	if err := b.prefs.SetHidden(ctx, user, hidden); err != nil {
		return fmt.Errorf("store privacy preference: %w", err)
	}
	return b.run(ctx, func() {
		if hidden {
			b.hidden[user] = true
		} else {
			delete(b.hidden, user)
		}
		log.Infof("%s is now %s", user, map[bool]string{true: "hidden", false: "visible"}[hidden])
		b.broadcast(ctx)
	})
}

// Hidden reports the in-memory preference for user.
func (b *Broadcaster) Hidden(ctx context.Context, user string) bool {
	var h bool
	b.run(ctx, func() { h = b.hidden[user] })
	return h
}

// Visible returns the currently visible online users.
func (b *Broadcaster) Visible(ctx context.Context) ([]string, error) {
	var (
		out []string
		err error
	)
	if rerr := b.run(ctx, func() {
		var entries []registry.Entry
		entries, err = b.reg.Snapshot(ctx)
		out = b.visible(entries)
	}); rerr != nil {
		return nil, rerr
	}
	return out, err
}

func (b *Broadcaster) visible(entries []registry.Entry) []string {
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if !b.hidden[e.User] {
			users = append(users, e.User)
		}
	}
	sort.Strings(users)
	return users
}

func (b *Broadcaster) broadcast(ctx context.Context) {
	entries, err := b.reg.Snapshot(ctx)
	if err != nil {
		log.Warnf("snapshot failed: %v", err)
		return
	}
	users := b.visible(entries)
	evt := proto.Event(proto.GetOnlineUsers, proto.OnlineUsersPayload{Users: users})
	for _, e := range entries {
		if err := e.Conn.Send(evt); err != nil {
			log.Debugf("push to %s failed: %v", e.User, err)
			continue
		}
		metrics.EventsOut.WithLabelValues(string(proto.GetOnlineUsers)).Inc()
	}
	metrics.PresenceBroadcasts.Inc()
	log.Debugf("online set %v pushed to %d connections", users, len(entries))
}
