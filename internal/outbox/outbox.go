// Package outbox queues requests authored while offline and replays them in
// order once connectivity returns.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/storage"
)

var log = logging.Logger("outbox")

// ErrTransport marks a failed or unconfirmed delivery attempt.
var ErrTransport = errors.New("outbox: transport failure")

// Entry is one queued request.
type Entry = storage.OutboxEntry

// Store persists the queue.
type Store interface {
	AppendOutbox(ctx context.Context, e storage.OutboxEntry) (storage.OutboxEntry, error)
	ListOutbox(ctx context.Context) ([]storage.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, seq int64) error
	OutboxLen(ctx context.Context) (int, error)
}

// Sender delivers one entry and returns nil only on confirmed success.
type Sender interface {
	Deliver(ctx context.Context, e Entry) error
}

type EventType int

const (
	// SyncComplete is emitted when a replay pass empties the queue.
	SyncComplete EventType = iota + 1
	// ReplayAborted is emitted when a pass stops at a failing entry.
	ReplayAborted
)

type Event struct {
	Type      EventType
	Delivered int
	Remaining int
	Err       error
}

type Reconciler struct {
	store  Store
	sender Sender

	replayMu sync.Mutex // one pass at a time

	lmu       sync.Mutex
	nextID    int
	listeners map[int]chan Event
}

func New(store Store, sender Sender) *Reconciler {
	return &Reconciler{store: store, sender: sender, listeners: make(map[int]chan Event)}
}

// Enqueue appends payload for endpoint with a fresh idempotency key.
func (r *Reconciler) Enqueue(ctx context.Context, endpoint string, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode outbox payload: %w", err)
	}
	e, err := r.store.AppendOutbox(ctx, Entry{
		IdempotencyKey: uuid.NewString(),
		Endpoint:       endpoint,
		Payload:        data,
	})
	if err != nil {
		return e, err
	}
	log.Debugf("queued #%d %s (%s)", e.Seq, endpoint, e.IdempotencyKey)
	r.updateDepth(ctx)
	return e, nil
}

// Pending returns the queue in replay order.
func (r *Reconciler) Pending(ctx context.Context) ([]Entry, error) {
	return r.store.ListOutbox(ctx)
}

// Replay sends queued entries strictly in order, one at a time. The first
// failure stops the pass and leaves that entry and everything after it
// queued. Entries enqueued during the pass are picked up before it ends, so
// SyncComplete is only reported once the queue is empty. It returns how many
// entries were delivered.
func (r *Reconciler) Replay(ctx context.Context) (int, error) {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()
	defer r.updateDepth(ctx)

	delivered := 0
	for {
		entries, err := r.store.ListOutbox(ctx)
		if err != nil {
			return delivered, err
		}
		if len(entries) == 0 {
			break
		}
		for i, e := range entries {
			if err := r.sender.Deliver(ctx, e); err != nil {
				remaining := len(entries) - i
				log.Infof("replay stopped at #%d with %d left: %v", e.Seq, remaining, err)
				metrics.OutboxReplays.WithLabelValues("aborted").Inc()
				r.emit(Event{Type: ReplayAborted, Delivered: delivered, Remaining: remaining, Err: err})
				return delivered, fmt.Errorf("replay #%d: %w", e.Seq, err)
			}
			if err := r.store.DeleteOutbox(ctx, e.Seq); err != nil {
				// delivered but still queued: the idempotency key makes the resend harmless
				return delivered, fmt.Errorf("dequeue #%d: %w", e.Seq, err)
			}
			delivered++
		}
	}

	metrics.OutboxReplays.WithLabelValues("drained").Inc()
	if delivered > 0 {
		log.Infof("outbox drained, %d delivered", delivered)
	}
	r.emit(Event{Type: SyncComplete, Delivered: delivered})
	return delivered, nil
}

// Run replays each time connectivity reports up, until ctx ends.
func (r *Reconciler) Run(ctx context.Context, connectivity <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-connectivity:
			if !ok {
				return
			}
			if !up {
				continue
			}
			if _, err := r.Replay(ctx); err != nil && ctx.Err() == nil {
				log.Debugf("replay: %v", err)
			}
		}
	}
}

// Events subscribes to replay outcomes.
func (r *Reconciler) Events() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	r.lmu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = ch
	r.lmu.Unlock()
	return ch, func() {
		r.lmu.Lock()
		if _, ok := r.listeners[id]; ok {
			delete(r.listeners, id)
			close(ch)
		}
		r.lmu.Unlock()
	}
}

func (r *Reconciler) emit(e Event) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func (r *Reconciler) updateDepth(ctx context.Context) {
	if n, err := r.store.OutboxLen(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
}
