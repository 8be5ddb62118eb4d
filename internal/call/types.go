package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
)

var (
	ErrMediaDenied = errors.New("call: media acquisition denied")
	ErrNegotiation = errors.New("call: peer negotiation failed")
	ErrBusy        = errors.New("call: already in a call")
	ErrCallEnded   = errors.New("call: call ended")
	ErrNoCall      = errors.New("call: no matching call")
	// ErrUnavailable means the server could not reach the callee.
	ErrUnavailable = errors.New("call: peer unavailable")
	ErrTransport   = errors.New("call: signaling connection lost")
)

type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Signaler is the only surface the call package needs from the realtime
// socket. *client.Client satisfies it.
type Signaler interface {
	Send(kind proto.Kind, payload any) error
	Subscribe() (<-chan proto.Frame, func())
	Connectivity() (<-chan bool, func())
}

// LocalMedia is a set of captured tracks. Close stops capture and is
// safe to call more than once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Close()
}

// MediaAcquirer opens local capture. Acquire must return promptly once ctx
// is cancelled.
type MediaAcquirer interface {
	Acquire(ctx context.Context, kind proto.MediaKind) (LocalMedia, error)
}

// RemoteSink receives the remote party's RTP.
type RemoteSink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error
}

// PeerConn is one negotiated media connection.
type PeerConn interface {
	AddLocal(m LocalMedia) error
	// CreateOffer and Answer return descriptions with all ICE candidates
	// already gathered.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	// OnDown is called once when the media path fails or the remote side
	// closes it. reason is ErrNegotiation or ErrCallEnded.
	OnDown(fn func(reason error))
	Close() error
}

type PeerFactory interface {
	NewPeer(sink RemoteSink) (PeerConn, error)
}

// Session describes the current call.
type Session struct {
	Peer          string          `json:"peer"`
	Outgoing      bool            `json:"outgoing"`
	Kind          proto.MediaKind `json:"mediaKind"`
	StartedAt     time.Time       `json:"startedAt"`
	AudioMuted    bool            `json:"audioMuted"`
	VideoDisabled bool            `json:"videoDisabled"`
}

// Update is published on every state or flag change.
type Update struct {
	State   State
	Session Session
	Err     error
}
