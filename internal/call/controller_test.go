package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/proto"
)

// ── fakes ───────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []proto.Frame
	frames chan proto.Frame
	conn   chan bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{frames: make(chan proto.Frame, 8), conn: make(chan bool, 1)}
}

func (s *fakeSignaler) Send(kind proto.Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, proto.Frame{Type: kind, Payload: raw})
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Subscribe() (<-chan proto.Frame, func()) { return s.frames, func() {} }
func (s *fakeSignaler) Connectivity() (<-chan bool, func())     { return s.conn, func() {} }

func (s *fakeSignaler) ofKind(k proto.Kind) []proto.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Frame
	for _, f := range s.sent {
		if f.Type == k {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSignaler) push(t *testing.T, k proto.Kind, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	s.frames <- proto.Frame{Type: k, Payload: raw}
}

type fakeMedia struct {
	mu     sync.Mutex
	closes int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
}

func (m *fakeMedia) closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes > 0
}

type fakeAcquirer struct {
	mu     sync.Mutex
	calls  int
	issued []*fakeMedia
	deny   bool
	// gate, when set, holds Acquire until closed, ignoring ctx.
	gate    chan struct{}
	started chan struct{}
}

func (a *fakeAcquirer) Acquire(ctx context.Context, kind proto.MediaKind) (LocalMedia, error) {
	a.mu.Lock()
	a.calls++
	gate, started, deny := a.gate, a.started, a.deny
	a.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if deny {
		return nil, errors.New("permission denied")
	}
	m := &fakeMedia{}
	a.mu.Lock()
	a.issued = append(a.issued, m)
	a.mu.Unlock()
	return m, nil
}

func (a *fakeAcquirer) held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.issued {
		if !m.closed() {
			n++
		}
	}
	return n
}

type fakePeer struct {
	mu        sync.Mutex
	answer    *webrtc.SessionDescription
	answerErr error
	enabled   map[webrtc.RTPCodecType]bool
	down      func(error)
	closed    bool
}

func (p *fakePeer) AddLocal(LocalMedia) error { return nil }

func (p *fakePeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, ctx.Err()
}

func (p *fakePeer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, ctx.Err()
}

func (p *fakePeer) SetAnswer(a webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answer = &a
	return p.answerErr
}

func (p *fakePeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[kind] = enabled
	return nil
}

func (p *fakePeer) OnDown(fn func(error)) {
	p.mu.Lock()
	p.down = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	peers     []*fakePeer
	answerErr error
}

func (f *fakeFactory) NewPeer(RemoteSink) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{answerErr: f.answerErr, enabled: make(map[webrtc.RTPCodecType]bool)}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type rig struct {
	c     *Controller
	sig   *fakeSignaler
	media *fakeAcquirer
	peers *fakeFactory
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{sig: newFakeSignaler(), media: &fakeAcquirer{}, peers: &fakeFactory{}}
	c, err := New("alice", r.sig, Options{Media: r.media, Peers: r.peers})
	require.NoError(t, err)
	r.c = c
	return r
}

var (
	offerJSON  = json.RawMessage(`{"type":"offer","sdp":"remote-offer"}`)
	answerJSON = json.RawMessage(`{"type":"answer","sdp":"remote-answer"}`)
)

// ── tests ───────────────────────────────────────────────────────────────────

func TestOutgoingCall(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.c.Initiate(ctx, "bob", proto.MediaVideo))
	assert.Equal(t, Outgoing, r.c.State())

	sent := r.sig.ofKind(proto.InitiateCall)
	require.Len(t, sent, 1)
	p, err := proto.Decode[proto.InitiateCallPayload](sent[0])
	require.NoError(t, err)
	assert.Equal(t, "bob", p.CalleeID)
	assert.Equal(t, proto.MediaVideo, p.MediaKind)
	assert.JSONEq(t, `{"type":"offer","sdp":"fake-offer"}`, string(p.Signal))

	assert.ErrorIs(t, r.c.HandleAnswer("carol", answerJSON), ErrNoCall)
	require.NoError(t, r.c.HandleAnswer("bob", answerJSON))
	assert.Equal(t, Connected, r.c.State())

	assert.ErrorIs(t, r.c.Initiate(ctx, "carol", proto.MediaAudio), ErrBusy)

	r.c.Terminate()
	r.c.Terminate()
	assert.Equal(t, Idle, r.c.State())
	assert.Len(t, r.sig.ofKind(proto.EndCall), 1)
	assert.True(t, r.peers.last().isClosed())
	assert.Zero(t, r.media.held())
}

func TestIncomingEndedBeforeAccept(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.c.HandleIncoming("bob", offerJSON, proto.MediaVideo))
	assert.Equal(t, Incoming, r.c.State())
	s, ok := r.c.Current()
	require.True(t, ok)
	assert.Equal(t, "bob", s.Peer)
	assert.False(t, s.Outgoing)

	assert.False(t, r.c.HandleRemoteEnd("carol"))
	assert.True(t, r.c.HandleRemoteEnd("bob"))

	assert.Equal(t, Idle, r.c.State())
	assert.Zero(t, r.media.calls)
	assert.Zero(t, r.media.held())
	assert.Empty(t, r.peers.peers)
	assert.ErrorIs(t, r.c.Accept(context.Background()), ErrNoCall)
}

func TestEndDuringAcquisitionReleasesMedia(t *testing.T) {
	r := newRig(t)
	r.media.gate = make(chan struct{})
	r.media.started = make(chan struct{})

	require.NoError(t, r.c.HandleIncoming("bob", offerJSON, proto.MediaAudio))
	done := make(chan error, 1)
	go func() { done <- r.c.Accept(context.Background()) }()

	<-r.media.started
	r.c.HandleRemoteEnd("bob")
	close(r.media.gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCallEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return")
	}
	assert.Equal(t, Idle, r.c.State())
	require.Len(t, r.media.issued, 1)
	assert.True(t, r.media.issued[0].closed(), "late media must be released")
	assert.Empty(t, r.sig.ofKind(proto.AnswerCall))
}

func TestAcceptSendsAnswer(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.HandleIncoming("bob", offerJSON, ""))
	require.NoError(t, r.c.Accept(context.Background()))
	assert.Equal(t, Connected, r.c.State())

	sent := r.sig.ofKind(proto.AnswerCall)
	require.Len(t, sent, 1)
	p, err := proto.Decode[proto.SignalPayload](sent[0])
	require.NoError(t, err)
	assert.Equal(t, "bob", p.To)
	assert.JSONEq(t, `{"type":"answer","sdp":"fake-answer"}`, string(p.Signal))

	require.NoError(t, r.c.MuteAudio(true))
	require.NoError(t, r.c.DisableVideo(true))
	assert.Equal(t, Connected, r.c.State())
	s, _ := r.c.Current()
	assert.True(t, s.AudioMuted)
	assert.True(t, s.VideoDisabled)
	peer := r.peers.last()
	assert.False(t, peer.enabled[webrtc.RTPCodecTypeAudio])

	require.NoError(t, r.c.MuteAudio(false))
	assert.True(t, peer.enabled[webrtc.RTPCodecTypeAudio])
}

func TestBusyRejectsSecondCaller(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.HandleIncoming("bob", offerJSON, proto.MediaAudio))
	assert.ErrorIs(t, r.c.HandleIncoming("carol", offerJSON, proto.MediaAudio), ErrBusy)

	ends := r.sig.ofKind(proto.EndCall)
	require.Len(t, ends, 1)
	p, err := proto.Decode[proto.EndCallPayload](ends[0])
	require.NoError(t, err)
	assert.Equal(t, "carol", p.PeerID)

	s, _ := r.c.Current()
	assert.Equal(t, "bob", s.Peer)
	assert.Equal(t, Incoming, r.c.State())
}

func TestMediaDenied(t *testing.T) {
	r := newRig(t)
	r.media.deny = true

	err := r.c.Initiate(context.Background(), "bob", proto.MediaVideo)
	assert.ErrorIs(t, err, ErrMediaDenied)
	assert.Equal(t, Idle, r.c.State())
	assert.Empty(t, r.sig.ofKind(proto.InitiateCall))
	assert.Empty(t, r.sig.ofKind(proto.EndCall))

	require.NoError(t, r.c.HandleIncoming("bob", offerJSON, proto.MediaAudio))
	assert.ErrorIs(t, r.c.Accept(context.Background()), ErrMediaDenied)
	assert.Equal(t, Idle, r.c.State())
	assert.Len(t, r.sig.ofKind(proto.EndCall), 1, "the caller is told")
}

func TestNegotiationFailureTearsDown(t *testing.T) {
	r := newRig(t)
	r.peers.answerErr = errors.New("bad sdp")
	ctx := context.Background()

	require.NoError(t, r.c.Initiate(ctx, "bob", proto.MediaAudio))
	assert.ErrorIs(t, r.c.HandleAnswer("bob", answerJSON), ErrNegotiation)
	assert.Equal(t, Idle, r.c.State())
	assert.Len(t, r.sig.ofKind(proto.EndCall), 1)

	require.NoError(t, r.c.Initiate(ctx, "bob", proto.MediaAudio))
	assert.ErrorIs(t, r.c.HandleAnswer("bob", json.RawMessage(`"nope"`)), ErrNegotiation)
	assert.Equal(t, Idle, r.c.State())

	assert.ErrorIs(t, r.c.HandleIncoming("bob", json.RawMessage(`{"type":"answer"}`), ""), ErrNegotiation)
	assert.Equal(t, Idle, r.c.State())
}

func TestPeerFailureEndsCall(t *testing.T) {
	r := newRig(t)
	updates, stop := r.c.Subscribe()
	defer stop()

	require.NoError(t, r.c.Initiate(context.Background(), "bob", proto.MediaAudio))
	require.NoError(t, r.c.HandleAnswer("bob", answerJSON))
	peer := r.peers.last()
	peer.mu.Lock()
	down := peer.down
	peer.mu.Unlock()
	require.NotNil(t, down)
	down(ErrNegotiation)

	assert.Equal(t, Idle, r.c.State())
	assert.True(t, peer.isClosed())

	var states []State
	for len(updates) > 0 {
		states = append(states, (<-updates).State)
	}
	assert.Equal(t, []State{Outgoing, Connected, Ended, Idle}, states)
}

func TestRemoteCloseEndsCall(t *testing.T) {
	r := newRig(t)
	updates, stop := r.c.Subscribe()
	defer stop()

	require.NoError(t, r.c.Initiate(context.Background(), "bob", proto.MediaAudio))
	require.NoError(t, r.c.HandleAnswer("bob", answerJSON))
	peer := r.peers.last()
	peer.mu.Lock()
	down := peer.down
	peer.mu.Unlock()
	down(ErrCallEnded)

	assert.Equal(t, Idle, r.c.State())
	assert.True(t, peer.isClosed())
	var ended Update
	for len(updates) > 0 {
		if u := <-updates; u.State == Ended {
			ended = u
		}
	}
	assert.ErrorIs(t, ended.Err, ErrCallEnded)
}

func TestPionPeerReportsTerminalStates(t *testing.T) {
	watch := func(p *pionPeer) <-chan error {
		ch := make(chan error, 1)
		p.OnDown(func(reason error) { ch <- reason })
		return ch
	}
	wait := func(ch <-chan error) error {
		select {
		case err := <-ch:
			return err
		case <-time.After(time.Second):
			return nil
		}
	}

	failed := &pionPeer{done: make(chan struct{})}
	ch := watch(failed)
	failed.stateChanged(webrtc.PeerConnectionStateFailed)
	assert.ErrorIs(t, wait(ch), ErrNegotiation)

	remote := &pionPeer{done: make(chan struct{})}
	ch = watch(remote)
	remote.stateChanged(webrtc.PeerConnectionStateDisconnected)
	remote.stateChanged(webrtc.PeerConnectionStateClosed)
	assert.ErrorIs(t, wait(ch), ErrCallEnded)

	local := &pionPeer{done: make(chan struct{})}
	close(local.done)
	ch = watch(local)
	local.stateChanged(webrtc.PeerConnectionStateClosed)
	select {
	case err := <-ch:
		t.Fatalf("local close reported as %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunDispatchesFrames(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.c.Run(ctx) }()

	r.sig.push(t, proto.CallUser, proto.CallUserPayload{From: "bob", Signal: offerJSON, MediaKind: proto.MediaAudio})
	require.Eventually(t, func() bool { return r.c.State() == Incoming }, time.Second, 5*time.Millisecond)

	r.sig.push(t, proto.CallEnded, proto.CallEndedPayload{From: "bob"})
	require.Eventually(t, func() bool { return r.c.State() == Idle }, time.Second, 5*time.Millisecond)

	// callee offline: the server answers with call_failed
	require.NoError(t, r.c.Initiate(ctx, "carol", proto.MediaAudio))
	r.sig.push(t, proto.Error, proto.ErrorPayload{Code: proto.CodeCallFailed, Message: "unreachable", Ref: "carol"})
	require.Eventually(t, func() bool { return r.c.State() == Idle }, time.Second, 5*time.Millisecond)

	// socket drop mid-call
	require.NoError(t, r.c.Initiate(ctx, "bob", proto.MediaAudio))
	r.sig.push(t, proto.CallAccepted, proto.RelayedSignal{From: "bob", Signal: answerJSON})
	require.Eventually(t, func() bool { return r.c.State() == Connected }, time.Second, 5*time.Millisecond)
	r.sig.conn <- false
	require.Eventually(t, func() bool { return r.c.State() == Idle }, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.media.held())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
