package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

type PeerOptions struct {
	STUNURLs        []string
	ICEDisconnected time.Duration
	ICEFailed       time.Duration
	// PLIInterval is how often a keyframe is requested for remote video.
	PLIInterval time.Duration
	// Trickle is reserved. Offers and answers always carry every candidate.
	Trickle bool
}

func DefaultPeerOptions() PeerOptions {
	return PeerOptions{
		STUNURLs:        []string{"stun:stun.l.google.com:19302"},
		ICEDisconnected: 30 * time.Second,
		ICEFailed:       120 * time.Second,
		PLIInterval:     3 * time.Second,
	}
}

// PionFactory builds peer connections sharing one webrtc API.
type PionFactory struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	opts PeerOptions
}

func NewPionFactory(opts PeerOptions) (*PionFactory, error) {
	if opts.Trickle {
		log.Warnf("trickle ICE is not supported, gathering candidates up front")
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// a short relay outage should not end the call
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.ICEDisconnected, opts.ICEFailed, 2*time.Second)

	cfg := webrtc.Configuration{}
	if len(opts.STUNURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.STUNURLs}}
	}
	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		cfg:  cfg,
		opts: opts,
	}, nil
}

func (f *PionFactory) NewPeer(sink RemoteSink) (PeerConn, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{
		pc:      pc,
		sink:    sink,
		pli:     f.opts.PLIInterval,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		done:    make(chan struct{}),
	}
	pc.OnTrack(p.onTrack)
	pc.OnConnectionStateChange(p.stateChanged)
	return p, nil
}

type pionPeer struct {
	pc   *webrtc.PeerConnection
	sink RemoteSink
	pli  time.Duration

	mu       sync.Mutex
	senders  map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks   map[webrtc.RTPCodecType]webrtc.TrackLocal
	onDown  func(error)

	failOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func (p *pionPeer) AddLocal(m LocalMedia) error {
	tracks := m.Tracks()
	if len(tracks) == 0 {
		return addRecvOnlyTransceivers(p.pc)
	}
	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		p.mu.Lock()
		p.senders[t.Kind()] = sender
		p.tracks[t.Kind()] = t
		p.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.settle(ctx, offer)
}

func (p *pionPeer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.settle(ctx, answer)
}

// settle applies the local description and waits for ICE gathering.
func (p *pionPeer) settle(ctx context.Context, sd webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	case <-p.done:
		return webrtc.SessionDescription{}, webrtc.ErrConnectionClosed
	}
	return *p.pc.LocalDescription(), nil
}

func (p *pionPeer) SetAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

// SetTrackEnabled swaps the sender's track for nothing and back.
func (p *pionPeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	sender, track := p.senders[kind], p.tracks[kind]
	p.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	if !enabled {
		track = nil
	}
	return sender.ReplaceTrack(track)
}

func (p *pionPeer) OnDown(fn func(error)) {
	p.mu.Lock()
	p.onDown = fn
	p.mu.Unlock()
}

// stateChanged reports Failed and a Closed we did not cause ourselves.
func (p *pionPeer) stateChanged(s webrtc.PeerConnectionState) {
	log.Debugf("peer connection %s", s)
	switch s {
	case webrtc.PeerConnectionStateFailed:
		p.fire(ErrNegotiation)
	case webrtc.PeerConnectionStateClosed:
		select {
		case <-p.done:
		default:
			p.fire(ErrCallEnded)
		}
	}
}

func (p *pionPeer) fire(reason error) {
	p.mu.Lock()
	fn := p.onDown
	p.mu.Unlock()
	if fn != nil {
		p.failOnce.Do(func() { go fn(reason) })
	}
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

func (p *pionPeer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("remote %s track (%s)", track.Kind(), track.Codec().MimeType)
	if track.Kind() == webrtc.RTPCodecTypeVideo && p.pli > 0 {
		go p.requestKeyframes(uint32(track.SSRC()))
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-p.done:
				default:
					log.Debugf("read remote %s: %v", track.Kind(), err)
				}
			}
			return
		}
		if p.sink == nil {
			continue
		}
		if err := p.sink.WriteRTP(track.Kind(), pkt); err != nil {
			log.Debugf("sink %s: %v", track.Kind(), err)
		}
	}
}

// requestKeyframes sends periodic PLIs so a late or lossy decoder recovers.
func (p *pionPeer) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(p.pli)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

// drainRTCP keeps interceptors fed; the packets themselves are unused.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
