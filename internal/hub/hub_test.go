package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/delivery"
	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/signaling"
	"github.com/petervdpas/parley/internal/storage"
)

type server struct {
	url  string
	reg  *registry.Registry
	pipe *delivery.Pipeline
	hub  *Hub
}

func startServer(t *testing.T, opts Options) *server {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	reg := registry.New()
	pres, err := presence.New(ctx, reg, db)
	require.NoError(t, err)
	pipe := delivery.New(db, reg, nil)
	h := New(opts, reg, pipe, pres, signaling.New(reg))

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown(ctx)
		srv.Close()
		pres.Close()
		reg.Close()
		db.Close()
	})
	return &server{
		url:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		reg:  reg,
		pipe: pipe,
		hub:  h,
	}
}

type peer struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan proto.Frame
}

func (s *server) dial(t *testing.T, user string) *peer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url+"?userId="+user, nil)
	require.NoError(t, err)
	p := &peer{t: t, ws: ws, frames: make(chan proto.Frame, 64)}
	go func() {
		defer close(p.frames)
		for {
			var f proto.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() { ws.Close() })
	return p
}

func (p *peer) send(kind proto.Kind, payload any) {
	p.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.ws.WriteJSON(proto.Frame{Type: kind, Payload: raw}))
}

// expect skips frames until one of kind arrives.
func (p *peer) expect(kind proto.Kind) proto.Frame {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				p.t.Fatalf("connection closed while waiting for %s", kind)
			}
			if f.Type == kind {
				return f
			}
		case <-timeout:
			p.t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func decode[T any](t *testing.T, f proto.Frame) T {
	t.Helper()
	v, err := proto.Decode[T](f)
	require.NoError(t, err)
	return v
}

func waitRegistered(t *testing.T, s *server, user string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := s.reg.Lookup(context.Background(), user)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEveryInboundKindHasAHandler(t *testing.T) {
	h := New(DefaultOptions(), registry.New(), nil, nil, nil)
	for _, k := range proto.InboundKinds() {
		assert.Contains(t, h.handlers, k)
	}
	assert.Len(t, h.handlers, len(proto.InboundKinds()))
}

func TestOfflineMessageReadAfterReconnect(t *testing.T) {
	s := startServer(t, DefaultOptions())
	alice := s.dial(t, "alice")
	alice.expect(proto.GetOnlineUsers)

	alice.send(proto.SendMessage, proto.SendMessagePayload{Receiver: "bob", Body: "hi"})
	sent := decode[message.Message](t, alice.expect(proto.MessageSent))
	assert.Equal(t, message.StateSent, sent.State)
	assert.Equal(t, "hi", sent.Body)

	bob := s.dial(t, "bob")
	online := decode[proto.OnlineUsersPayload](t, bob.expect(proto.GetOnlineUsers))
	assert.Contains(t, online.Users, "bob")

	history, err := s.pipe.History(context.Background(), "bob", proto.ConversationRef{Peer: "alice"}, "", 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)

	bob.send(proto.MarkRead, proto.ConversationPayload{Conversation: proto.ConversationRef{Peer: "alice"}})
	seen := decode[proto.SeenPayload](t, alice.expect(proto.MessagesSeen))
	assert.Equal(t, "bob", seen.Reader)
	assert.Equal(t, []string{sent.ID}, seen.MessageIDs)
}

func TestLiveDeliveryAndConfirm(t *testing.T) {
	s := startServer(t, DefaultOptions())
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	waitRegistered(t, s, "alice")
	waitRegistered(t, s, "bob")

	alice.send(proto.SendMessage, proto.SendMessagePayload{Receiver: "bob", Body: "ping"})
	got := decode[message.Message](t, bob.expect(proto.ReceiveMessage))
	assert.Equal(t, "ping", got.Body)

	bob.send(proto.MessageReceivedConfirm, proto.MessageRefPayload{MessageID: got.ID})
	d := decode[proto.DeliveredPayload](t, alice.expect(proto.MessageDelivered))
	assert.Equal(t, got.ID, d.MessageID)

	bob.send(proto.Typing, proto.ConversationPayload{Conversation: proto.ConversationRef{Peer: "alice"}})
	n := decode[proto.TypingNotice](t, alice.expect(proto.Typing))
	assert.Equal(t, "bob", n.User)
}

func TestReconnectReplacesOldSocket(t *testing.T) {
	s := startServer(t, DefaultOptions())
	first := s.dial(t, "carol")
	waitRegistered(t, s, "carol")
	conn1, _ := s.reg.Lookup(context.Background(), "carol")

	s.dial(t, "carol")
	require.Eventually(t, func() bool {
		c, ok := s.reg.Lookup(context.Background(), "carol")
		return ok && c != conn1
	}, 2*time.Second, 10*time.Millisecond)

	// the superseded socket is closed by the server
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-first.frames:
			if !ok {
				_, still := s.reg.Lookup(context.Background(), "carol")
				assert.True(t, still)
				return
			}
		case <-timeout:
			t.Fatal("old socket was not closed")
		}
	}
}

func TestCallToOfflineUserFailsFast(t *testing.T) {
	s := startServer(t, DefaultOptions())
	alice := s.dial(t, "alice")
	waitRegistered(t, s, "alice")

	alice.send(proto.InitiateCall, proto.InitiateCallPayload{
		CalleeID:  "bob",
		Signal:    json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		MediaKind: proto.MediaAudio,
	})
	e := decode[proto.ErrorPayload](t, alice.expect(proto.Error))
	assert.Equal(t, proto.CodeCallFailed, e.Code)
	assert.Equal(t, "bob", e.Ref)
}

func TestCallSignalingRoundTrip(t *testing.T) {
	s := startServer(t, DefaultOptions())
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	waitRegistered(t, s, "alice")
	waitRegistered(t, s, "bob")

	alice.send(proto.InitiateCall, proto.InitiateCallPayload{
		CalleeID: "bob", Signal: json.RawMessage(`{"type":"offer","sdp":"o"}`), MediaKind: proto.MediaVideo,
	})
	cu := decode[proto.CallUserPayload](t, bob.expect(proto.CallUser))
	assert.Equal(t, "alice", cu.From)

	bob.send(proto.AnswerCall, proto.SignalPayload{To: "alice", Signal: json.RawMessage(`{"type":"answer","sdp":"a"}`)})
	acc := decode[proto.RelayedSignal](t, alice.expect(proto.CallAccepted))
	assert.Equal(t, "bob", acc.From)

	bob.send(proto.EndCall, proto.EndCallPayload{PeerID: "alice"})
	ended := decode[proto.CallEndedPayload](t, alice.expect(proto.CallEnded))
	assert.Equal(t, "bob", ended.From)
}

func TestBadFramesAndRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.RatePerSec = 0.001
	opts.RateBurst = 2
	s := startServer(t, opts)
	alice := s.dial(t, "alice")
	waitRegistered(t, s, "alice")

	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	e := decode[proto.ErrorPayload](t, alice.expect(proto.Error))
	assert.Equal(t, proto.CodeBadRequest, e.Code)

	alice.send("launchRockets", map[string]string{})
	e = decode[proto.ErrorPayload](t, alice.expect(proto.Error))
	assert.Contains(t, e.Message, "launchRockets")

	for i := 0; i < 4; i++ {
		alice.send(proto.ToggleOnlineStatus, proto.TogglePayload{Hidden: false})
	}
	for {
		e = decode[proto.ErrorPayload](t, alice.expect(proto.Error))
		if e.Code == proto.CodeRateLimited {
			break
		}
	}
	assert.Equal(t, string(proto.ToggleOnlineStatus), e.Ref)

	s.hub.SetRateLimit(100, 100)
	alice.send(proto.SendMessage, proto.SendMessagePayload{Receiver: "bob", Body: "after"})
	alice.expect(proto.MessageSent)
}

func TestLimiterSwapAppliesImmediately(t *testing.T) {
	c := &conn{limiter: newLimiter(0.001, 1)}
	assert.True(t, c.allow())
	assert.False(t, c.allow(), "bucket drained")

	c.setLimit(100, 5)
	for i := 0; i < 5; i++ {
		assert.True(t, c.allow(), "fresh budget event %d", i)
	}

	c.setLimit(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, c.allow(), "zero rate disables the limiter")
	}
}
