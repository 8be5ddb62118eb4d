package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/proto"
)

type noMedia struct{}

func (noMedia) Acquire(context.Context, proto.MediaKind) (call.LocalMedia, error) {
	return call.ReceiveOnly(), nil
}

type noPeers struct{}

func (noPeers) NewPeer(call.RemoteSink) (call.PeerConn, error) {
	return nil, errors.New("no peer connections in tests")
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, err := NewServer(context.Background(), t.TempDir(), config.Default().Server)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close(context.Background())
	})
	return srv, ts.URL
}

func newSession(t *testing.T, serverURL, user string) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.Client.ServerURL = serverURL
	cfg.Client.UserID = user
	sess, err := NewSession(filepath.Join(t.TempDir(), user), cfg, call.Options{Media: noMedia{}, Peers: noPeers{}})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestOfflineSendIsReplayedOnConnect(t *testing.T) {
	srv, base := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newSession(t, base, "alice")
	queued, err := alice.SendMessage(ctx, proto.SendMessagePayload{Receiver: "bob", Body: "written offline"})
	require.NoError(t, err)
	assert.True(t, queued)

	pending, err := alice.Outbox().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	go alice.Run(ctx)
	require.Eventually(t, func() bool {
		p, err := alice.Outbox().Pending(ctx)
		return err == nil && len(p) == 0
	}, 5*time.Second, 20*time.Millisecond)

	msgs, err := srv.db.ListConversation(ctx, message.Direct("alice", "bob"), "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "written offline", msgs[0].Body)
	assert.NotEmpty(t, msgs[0].ClientID)

	require.Eventually(t, alice.Client().Connected, 2*time.Second, 10*time.Millisecond)
	queued, err = alice.SendMessage(ctx, proto.SendMessagePayload{Receiver: "bob", Body: "online now"})
	require.NoError(t, err)
	assert.False(t, queued)
	require.Eventually(t, func() bool {
		msgs, err := srv.db.ListConversation(ctx, message.Direct("alice", "bob"), "", 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewSessionRejectsBadUser(t *testing.T) {
	cfg := config.Default()
	cfg.Client.UserID = ""
	_, err := NewSession(t.TempDir(), cfg, call.Options{Media: noMedia{}, Peers: noPeers{}})
	assert.Error(t, err)
}

func TestApplyUpdatesLiveSettings(t *testing.T) {
	srv, _ := startServer(t)
	cfg := config.Default()
	cfg.Log.Level = "debug"
	cfg.Server.RatePerSec = 1
	cfg.Server.RateBurst = 1
	srv.Apply(cfg)
	assert.NoError(t, setLogLevel("info"))
	assert.Error(t, setLogLevel("loud"))
}

func TestShellCommands(t *testing.T) {
	_, base := startServer(t)
	var out bytes.Buffer
	sess := newSession(t, base, "alice")
	sh := newShell(sess, base, &out)
	ctx := context.Background()

	assert.False(t, sh.exec(ctx, "/nope"))
	assert.Contains(t, out.String(), "unknown command")

	out.Reset()
	assert.False(t, sh.exec(ctx, "/msg bob"))
	assert.Contains(t, out.String(), "usage: /msg")

	out.Reset()
	assert.False(t, sh.exec(ctx, "/msg bob hello there"))
	assert.Contains(t, out.String(), "queued for bob")

	out.Reset()
	assert.False(t, sh.exec(ctx, "/hide maybe"))
	assert.Contains(t, out.String(), "expected on or off")

	out.Reset()
	assert.False(t, sh.exec(ctx, "/pending"))
	assert.Contains(t, out.String(), "1 queued")

	out.Reset()
	sh.exec(ctx, "/help")
	assert.Contains(t, out.String(), "/history")

	assert.True(t, sh.exec(ctx, "/quit"))

	out.Reset()
	sh.loop(ctx, strings.NewReader("/pending\n/quit\n/pending\n"))
	assert.Equal(t, 1, strings.Count(out.String(), "queued"))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, proto.ConversationRef{Group: "g1"}, parseRef("#g1"))
	assert.Equal(t, proto.ConversationRef{Peer: "bob"}, parseRef("bob"))

	m := message.New(message.Group("g1"), "bob", message.Draft{Body: "hi"})
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	line := describeFrame(proto.Frame{Type: proto.ReceiveGroupMessage, Payload: raw})
	assert.Contains(t, line, "[bob #g1] hi")

	raw, _ = json.Marshal(proto.TypingNotice{Conversation: proto.ConversationRef{Peer: "bob"}, User: "bob"})
	assert.Equal(t, "bob is typing in bob", describeFrame(proto.Frame{Type: proto.Typing, Payload: raw}))

	assert.Empty(t, describeFrame(proto.Frame{Type: proto.CallSignal, Payload: raw}))
	assert.Equal(t, "call idle", describeUpdate(call.Update{State: call.Idle}))
}
