// Package signaling relays call setup between two users. It keeps no call
// state; every operation is a registry lookup plus one push.
package signaling

import (
	"context"
	"encoding/json"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/registry"
)

var log = logging.Logger("signaling")

var (
	// ErrUnreachable is returned immediately when the other party has no
	// live connection. There is no ringing timeout.
	ErrUnreachable = errors.New("signaling: peer unreachable")

	ErrInvalid = errors.New("signaling: invalid call request")
)

// Directory finds a user's live connection.
type Directory interface {
	Lookup(ctx context.Context, user string) (registry.Conn, bool)
}

type Broker struct {
	dir Directory
}

func New(dir Directory) *Broker {
	return &Broker{dir: dir}
}

// Initiate delivers the caller's offer to the callee as callUser.
func (b *Broker) Initiate(ctx context.Context, caller, callee string, signal json.RawMessage, kind proto.MediaKind) error {
	if callee == "" || callee == caller || len(signal) == 0 {
		return ErrInvalid
	}
	if kind == "" {
		kind = proto.MediaAudio
	}
	err := b.relay(ctx, "initiate", callee, proto.Event(proto.CallUser, proto.CallUserPayload{
		From:      caller,
		Signal:    signal,
		MediaKind: kind,
	}))
	if err == nil {
		log.Infof("%s calling %s (%s)", caller, callee, kind)
	}
	return err
}

// Accept forwards the callee's answer to the caller as callAccepted.
func (b *Broker) Accept(ctx context.Context, callee, caller string, answer json.RawMessage) error {
	if caller == "" || len(answer) == 0 {
		return ErrInvalid
	}
	return b.relay(ctx, "accept", caller, proto.Event(proto.CallAccepted, proto.RelayedSignal{From: callee, Signal: answer}))
}

// RelaySignal forwards any other negotiation payload as callSignal.
func (b *Broker) RelaySignal(ctx context.Context, from, to string, payload json.RawMessage) error {
	if to == "" || len(payload) == 0 {
		return ErrInvalid
	}
	return b.relay(ctx, "signal", to, proto.Event(proto.CallSignal, proto.RelayedSignal{From: from, Signal: payload}))
}

// Terminate tells the peer the call ended. An unreachable peer is fine.
func (b *Broker) Terminate(ctx context.Context, from, to string) error {
	if to == "" {
		return ErrInvalid
	}
	err := b.relay(ctx, "end", to, proto.Event(proto.CallEnded, proto.CallEndedPayload{From: from}))
	if errors.Is(err, ErrUnreachable) {
		return nil
	}
	return err
}

func (b *Broker) relay(ctx context.Context, kind, to string, evt proto.Outbound) error {
	conn, ok := b.dir.Lookup(ctx, to)
	if !ok {
		metrics.CallSignals.WithLabelValues(kind, "unreachable").Inc()
		return ErrUnreachable
	}
	if err := conn.Send(evt); err != nil {
		metrics.CallSignals.WithLabelValues(kind, "unreachable").Inc()
		log.Debugf("%s to %s: %v", evt.Type, to, err)
		return ErrUnreachable
	}
	metrics.CallSignals.WithLabelValues(kind, "ok").Inc()
	metrics.EventsOut.WithLabelValues(string(evt.Type)).Inc()
	return nil
}
