// Package registry maps each user to their single live connection.
//
// One goroutine owns the map. Every operation is a closure handed to that
// goroutine, so mutations are totally ordered and changes are published to
// watchers in exactly that order.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/proto"
)

var log = logging.Logger("registry")

// ErrClosed is returned once the registry has been shut down.
var ErrClosed = errors.New("registry: closed")

// Conn is a live transport handle for one user.
type Conn interface {
	ID() string
	User() string
	// Send enqueues an event without blocking.
	Send(proto.Outbound) error
	Close() error
}

// Entry is one registered connection.
type Entry struct {
	User        string
	Conn        Conn
	ConnectedAt time.Time
}

type ChangeKind int

const (
	Connected ChangeKind = iota + 1
	Replaced
	Disconnected
)

func (k ChangeKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Replaced:
		return "replaced"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Change describes one registry mutation.
type Change struct {
	Kind   ChangeKind
	User   string
	ConnID string
	At     time.Time
}

type state struct {
	entries  map[string]Entry
	watchers map[int]*watcher
	nextID   int
}

// Registry is the connection registry actor.
type Registry struct {
	ops       chan func(*state)
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the registry goroutine.
func New() *Registry {
	r := &Registry{
		ops:  make(chan func(*state)),
		done: make(chan struct{}),
	}
	s := &state{entries: make(map[string]Entry), watchers: make(map[int]*watcher)}
	r.wg.Add(1)
	go r.loop(s)
	return r
}

func (r *Registry) loop(s *state) {
	defer r.wg.Done()
	for {
		select {
		case op := <-r.ops:
			op(s)
		case <-r.done:
			for id, w := range s.watchers {
				w.stop()
				delete(s.watchers, id)
			}
			return
		}
	}
}

// do runs fn on the registry goroutine and waits for it to finish.
func (r *Registry) do(ctx context.Context, fn func(*state)) error {
	finished := make(chan struct{})
	op := func(s *state) {
		fn(s)
		close(finished)
	}
	select {
	case r.ops <- op:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Close stops the actor. Pending watchers are closed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Register makes conn the current handle for user and returns the handle it
// replaced, if any. The caller is responsible for closing the old handle.
func (r *Registry) Register(ctx context.Context, user string, conn Conn) (Conn, error) {
	var prev Conn
	err := r.do(ctx, func(s *state) {
		now := time.Now()
		old, ok := s.entries[user]
		if ok && old.Conn == conn {
			return
		}
		s.entries[user] = Entry{User: user, Conn: conn, ConnectedAt: now}
		kind := Connected
		if ok {
			prev = old.Conn
			kind = Replaced
			log.Infof("replaced connection for %s (%s -> %s)", user, old.Conn.ID(), conn.ID())
		} else {
			log.Debugf("registered %s (%s)", user, conn.ID())
		}
		metrics.Connections.Set(float64(len(s.entries)))
		s.publish(Change{Kind: kind, User: user, ConnID: conn.ID(), At: now})
	})
	return prev, err
}

// Unregister removes user only while conn is still their current handle.
// A disconnect from a superseded socket therefore never evicts a newer one.
func (r *Registry) Unregister(ctx context.Context, user string, conn Conn) bool {
	removed := false
	r.do(ctx, func(s *state) {
		cur, ok := s.entries[user]
		if !ok || cur.Conn != conn {
			log.Debugf("ignored stale unregister for %s (%s)", user, conn.ID())
			return
		}
		removed = true
		s.remove(user, cur)
	})
	return removed
}

// UnregisterUser removes whatever handle user has.
func (r *Registry) UnregisterUser(ctx context.Context, user string) (Conn, bool) {
	var conn Conn
	r.do(ctx, func(s *state) {
		if cur, ok := s.entries[user]; ok {
			conn = cur.Conn
			s.remove(user, cur)
		}
	})
	return conn, conn != nil
}

func (s *state) remove(user string, e Entry) {
	delete(s.entries, user)
	metrics.Connections.Set(float64(len(s.entries)))
	log.Debugf("unregistered %s (%s)", user, e.Conn.ID())
	s.publish(Change{Kind: Disconnected, User: user, ConnID: e.Conn.ID(), At: time.Now()})
}

// Lookup returns the current handle for user. A miss means unreachable.
func (r *Registry) Lookup(ctx context.Context, user string) (Conn, bool) {
	var conn Conn
	r.do(ctx, func(s *state) {
		if e, ok := s.entries[user]; ok {
			conn = e.Conn
		}
	})
	return conn, conn != nil
}

// Snapshot returns every entry sorted by user.
func (r *Registry) Snapshot(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := r.do(ctx, func(s *state) {
		out = make([]Entry, 0, len(s.entries))
		for _, e := range s.entries {
			out = append(out, e)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, err
}

// Len returns the number of registered users.
func (r *Registry) Len(ctx context.Context) int {
	n := 0
	r.do(ctx, func(s *state) { n = len(s.entries) })
	return n
}

// Watch subscribes to registry changes. Changes arrive in mutation order and
// are queued per watcher, so a slow reader never stalls the registry.
func (r *Registry) Watch(ctx context.Context) (<-chan Change, func(), error) {
	w := newWatcher()
	var id int
	err := r.do(ctx, func(s *state) {
		s.nextID++
		id = s.nextID
		s.watchers[id] = w
	})
	if err != nil {
		return nil, func() {}, err
	}
	cancel := func() {
		// the registry may already be closed, in which case loop stopped w
		r.do(context.Background(), func(s *state) {
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				w.stop()
			}
		})
	}
	return w.out, cancel, nil
}

func (s *state) publish(c Change) {
	for _, w := range s.watchers {
		w.push(c)
	}
}
