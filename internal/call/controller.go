// Package call drives one audio/video call at a time on the client side:
// local capture, the pion peer connection, and the signaling exchange over
// the realtime socket.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/proto"
)

var log = logging.Logger("call")

type Options struct {
	Media MediaAcquirer
	Peers PeerFactory
	// Sink opens a destination for the remote party's media. Optional.
	Sink func(peer string) (RemoteSink, error)
}

// activeCall holds everything that must be released when the call ends.
type activeCall struct {
	info   Session
	gen    uint64
	offer  webrtc.SessionDescription
	cancel context.CancelFunc
	media  LocalMedia
	peer   PeerConn
	sink   RemoteSink
}

func (ac *activeCall) release() {
	if ac.cancel != nil {
		ac.cancel()
	}
	if ac.peer != nil {
		if err := ac.peer.Close(); err != nil {
			log.Debugf("close peer: %v", err)
		}
	}
	if ac.media != nil {
		ac.media.Close()
	}
	if c, ok := ac.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warnf("close sink: %v", err)
		}
	}
}

type Controller struct {
	self    string
	sig     Signaler
	media   MediaAcquirer
	peers   PeerFactory
	newSink func(string) (RemoteSink, error)

	mu    sync.Mutex
	state State
	cur   *activeCall
	gen   uint64

	lmu       sync.Mutex
	nextID    int
	listeners map[int]chan Update
}

// New builds a controller for self. Missing media or peer factories fall
// back to the platform capture devices and a default pion factory.
func New(self string, sig Signaler, opts Options) (*Controller, error) {
	if opts.Media == nil {
		opts.Media = NewDeviceAcquirer()
	}
	if opts.Peers == nil {
		f, err := NewPionFactory(DefaultPeerOptions())
		if err != nil {
			return nil, err
		}
		opts.Peers = f
	}
	return &Controller{
		self:      self,
		sig:       sig,
		media:     opts.Media,
		peers:     opts.Peers,
		newSink:   opts.Sink,
		listeners: make(map[int]chan Update),
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the live session, if any.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Session{}, false
	}
	return c.cur.info, true
}

// Initiate places a call: Idle → Outgoing. The offer is sent once local
// media is captured and ICE gathering has completed.
func (c *Controller) Initiate(ctx context.Context, callee string, kind proto.MediaKind) error {
	if callee == "" || callee == c.self {
		return fmt.Errorf("call: invalid callee %q", callee)
	}
	if kind == "" {
		kind = proto.MediaAudio
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	actx, cancel := context.WithCancel(ctx)
	ac := c.begin(Outgoing, Session{Peer: callee, Outgoing: true, Kind: kind})
	ac.cancel = cancel
	gen := ac.gen
	c.mu.Unlock()
	c.publish()
	log.Infof("calling %s (%s)", callee, kind)

	media, err := c.acquire(actx, gen, kind)
	if err != nil {
		return c.fail(gen, false, err)
	}
	peer, err := c.connect(gen, callee, media)
	if err != nil {
		return c.fail(gen, false, err)
	}
	offer, err := peer.CreateOffer(actx)
	if err != nil {
		return c.fail(gen, false, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return c.fail(gen, false, err)
	}
	if !c.live(gen) {
		return ErrCallEnded
	}
	if err := c.sig.Send(proto.InitiateCall, proto.InitiateCallPayload{CalleeID: callee, Signal: raw, MediaKind: kind}); err != nil {
		return c.fail(gen, false, err)
	}
	return nil
}

// HandleIncoming records an offer from caller: Idle → Incoming. No media is
// touched until Accept. A caller reaching a busy user gets endCall back.
func (c *Controller) HandleIncoming(caller string, signal json.RawMessage, kind proto.MediaKind) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(signal, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		log.Warnf("unusable offer from %s", caller)
		c.endRemote(caller)
		return ErrNegotiation
	}
	if kind == "" {
		kind = proto.MediaAudio
	}

	c.mu.Lock()
	if c.cur != nil {
		busyWith := c.cur.info.Peer
		c.mu.Unlock()
		log.Infof("rejecting call from %s, busy with %s", caller, busyWith)
		c.endRemote(caller)
		return ErrBusy
	}
	ac := c.begin(Incoming, Session{Peer: caller, Kind: kind})
	ac.offer = offer
	c.mu.Unlock()
	c.publish()
	log.Infof("incoming %s call from %s", kind, caller)
	return nil
}

// Accept answers the held offer: Incoming → Connected. Capture can be
// cancelled through ctx or by the call ending meanwhile.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	ac := c.cur
	if ac == nil || c.state != Incoming || ac.cancel != nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	actx, cancel := context.WithCancel(ctx)
	ac.cancel = cancel
	gen, caller, offer, kind := ac.gen, ac.info.Peer, ac.offer, ac.info.Kind
	c.mu.Unlock()

	media, err := c.acquire(actx, gen, kind)
	if err != nil {
		return c.fail(gen, true, err)
	}
	peer, err := c.connect(gen, caller, media)
	if err != nil {
		return c.fail(gen, true, err)
	}
	answer, err := peer.Answer(actx, offer)
	if err != nil {
		return c.fail(gen, true, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return c.fail(gen, true, err)
	}
	if !c.live(gen) {
		return ErrCallEnded
	}
	if err := c.sig.Send(proto.AnswerCall, proto.SignalPayload{To: caller, Signal: raw}); err != nil {
		return c.fail(gen, false, err)
	}
	c.transition(gen, Connected)
	return nil
}

// HandleAnswer applies the callee's answer: Outgoing → Connected.
func (c *Controller) HandleAnswer(from string, signal json.RawMessage) error {
	c.mu.Lock()
	ac := c.cur
	if ac == nil || c.state != Outgoing || ac.info.Peer != from || ac.peer == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	gen, peer := ac.gen, ac.peer
	c.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(signal, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		return c.fail(gen, true, ErrNegotiation)
	}
	if err := peer.SetAnswer(answer); err != nil {
		return c.fail(gen, true, fmt.Errorf("%w: %v", ErrNegotiation, err))
	}
	c.transition(gen, Connected)
	return nil
}

// Terminate hangs up locally and tells the other party. Safe to repeat.
func (c *Controller) Terminate() {
	if gen, ok := c.currentGen(""); ok {
		c.teardown(gen, true, nil)
	}
}

// HandleRemoteEnd ends the call when from is the current peer.
func (c *Controller) HandleRemoteEnd(from string) bool {
	gen, ok := c.currentGen(from)
	if !ok {
		return false
	}
	return c.teardown(gen, false, ErrCallEnded)
}

// HandleTransportLost ends any call once the signaling socket drops.
func (c *Controller) HandleTransportLost() {
	if gen, ok := c.currentGen(""); ok {
		c.teardown(gen, false, ErrTransport)
	}
}

// MuteAudio stops or resumes sending audio without renegotiating.
func (c *Controller) MuteAudio(muted bool) error {
	return c.toggle(webrtc.RTPCodecTypeAudio, !muted, func(s *Session) { s.AudioMuted = muted })
}

// DisableVideo stops or resumes sending video without renegotiating.
func (c *Controller) DisableVideo(disabled bool) error {
	return c.toggle(webrtc.RTPCodecTypeVideo, !disabled, func(s *Session) { s.VideoDisabled = disabled })
}

func (c *Controller) toggle(kind webrtc.RTPCodecType, enabled bool, set func(*Session)) error {
	c.mu.Lock()
	ac := c.cur
	if ac == nil || ac.peer == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	gen, peer := ac.gen, ac.peer
	c.mu.Unlock()

	if err := peer.SetTrackEnabled(kind, enabled); err != nil {
		return err
	}
	c.mu.Lock()
	if c.cur == nil || c.cur.gen != gen {
		c.mu.Unlock()
		return ErrCallEnded
	}
	set(&c.cur.info)
	c.mu.Unlock()
	c.publish()
	return nil
}

// Run feeds signaling frames and connectivity changes into the controller
// until ctx ends. Any call still up at that point is terminated.
func (c *Controller) Run(ctx context.Context) error {
	frames, unsub := c.sig.Subscribe()
	defer unsub()
	conn, stop := c.sig.Connectivity()
	defer stop()
	defer c.Terminate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			c.dispatch(f)
		case up, ok := <-conn:
			if !ok {
				conn = nil
				continue
			}
			if !up {
				c.HandleTransportLost()
			}
		}
	}
}

func (c *Controller) dispatch(f proto.Frame) {
	switch f.Type {
	case proto.CallUser:
		p, err := proto.Decode[proto.CallUserPayload](f)
		if err == nil {
			err = c.HandleIncoming(p.From, p.Signal, p.MediaKind)
		}
		if err != nil && !errors.Is(err, ErrBusy) {
			log.Debugf("callUser: %v", err)
		}
	case proto.CallAccepted:
		p, err := proto.Decode[proto.RelayedSignal](f)
		if err == nil {
			err = c.HandleAnswer(p.From, p.Signal)
		}
		if err != nil {
			log.Infof("callAccepted: %v", err)
		}
	case proto.CallSignal:
		// candidates are bundled into the offer and answer
		log.Debugf("ignoring trickled signal")
	case proto.CallEnded:
		if p, err := proto.Decode[proto.CallEndedPayload](f); err == nil {
			c.HandleRemoteEnd(p.From)
		}
	case proto.Error:
		p, err := proto.Decode[proto.ErrorPayload](f)
		if err != nil || p.Code != proto.CodeCallFailed {
			return
		}
		if gen, ok := c.currentGen(p.Ref); ok {
			log.Infof("call to %s failed: %s", p.Ref, p.Message)
			c.teardown(gen, false, ErrUnavailable)
		}
	}
}

// Subscribe delivers state updates. Slow subscribers miss updates.
func (c *Controller) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)
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

// ── internals ───────────────────────────────────────────────────────────────

// begin must be called with mu held.
func (c *Controller) begin(st State, info Session) *activeCall {
	c.gen++
	info.StartedAt = time.Now()
	c.cur = &activeCall{info: info, gen: c.gen}
	c.state = st
	return c.cur
}

func (c *Controller) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.gen == gen
}

// currentGen returns the live call's generation, optionally only when its
// peer is peer.
func (c *Controller) currentGen(peer string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || (peer != "" && c.cur.info.Peer != peer) {
		return 0, false
	}
	return c.cur.gen, true
}

// adopt runs fn on the call if it is still generation gen.
func (c *Controller) adopt(gen uint64, fn func(*activeCall)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.gen != gen {
		return false
	}
	fn(c.cur)
	return true
}

func (c *Controller) acquire(ctx context.Context, gen uint64, kind proto.MediaKind) (LocalMedia, error) {
	media, err := c.media.Acquire(ctx, kind)
	if err != nil {
		if !c.live(gen) {
			return nil, ErrCallEnded
		}
		if errors.Is(err, ErrMediaDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaDenied, err)
	}
	if !c.adopt(gen, func(ac *activeCall) { ac.media = media }) {
		media.Close()
		return nil, ErrCallEnded
	}
	return media, nil
}

func (c *Controller) connect(gen uint64, peerID string, media LocalMedia) (PeerConn, error) {
	var sink RemoteSink
	if c.newSink != nil {
		s, err := c.newSink(peerID)
		if err != nil {
			log.Warnf("open media sink: %v", err)
		} else {
			sink = s
		}
	}
	peer, err := c.peers.NewPeer(sink)
	if err != nil {
		if cl, ok := sink.(io.Closer); ok {
			cl.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if !c.adopt(gen, func(ac *activeCall) { ac.peer, ac.sink = peer, sink }) {
		peer.Close()
		if cl, ok := sink.(io.Closer); ok {
			cl.Close()
		}
		return nil, ErrCallEnded
	}
	peer.OnDown(func(reason error) {
		log.Infof("media connection to %s down: %v", peerID, reason)
		c.teardown(gen, true, reason)
	})
	if err := peer.AddLocal(media); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	return peer, nil
}

// fail tears the call down with err, or reports ErrCallEnded when someone
// else already ended it.
func (c *Controller) fail(gen uint64, notify bool, err error) error {
	if !c.teardown(gen, notify, err) {
		return ErrCallEnded
	}
	return err
}

func (c *Controller) transition(gen uint64, st State) {
	c.mu.Lock()
	if c.cur == nil || c.cur.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = st
	peer := c.cur.info.Peer
	c.mu.Unlock()
	log.Infof("call with %s %s", peer, st)
	c.publish()
}

// teardown ends call gen: Ended, release everything, then Idle. Only the
// first caller for a generation does the work.
func (c *Controller) teardown(gen uint64, notify bool, reason error) bool {
	c.mu.Lock()
	ac := c.cur
	if ac == nil || ac.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.cur = nil
	c.state = Ended
	c.mu.Unlock()
	c.emit(Update{State: Ended, Session: ac.info, Err: reason})

	ac.release()
	if notify {
		c.endRemote(ac.info.Peer)
	}
	if reason != nil {
		log.Infof("call with %s ended: %v", ac.info.Peer, reason)
	} else {
		log.Infof("call with %s ended", ac.info.Peer)
	}

	c.mu.Lock()
	idle := c.cur == nil
	if idle {
		c.state = Idle
	}
	c.mu.Unlock()
	if idle {
		c.emit(Update{State: Idle})
	}
	return true
}

func (c *Controller) endRemote(peer string) {
	if err := c.sig.Send(proto.EndCall, proto.EndCallPayload{PeerID: peer}); err != nil {
		log.Debugf("endCall to %s: %v", peer, err)
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	u := Update{State: c.state}
	if c.cur != nil {
		u.Session = c.cur.info
	}
	c.mu.Unlock()
	c.emit(u)
}

func (c *Controller) emit(u Update) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- u:
		default:
		}
	}
}
