package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/client"
	"github.com/petervdpas/parley/internal/delivery"
	"github.com/petervdpas/parley/internal/hub"
	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/signaling"
	"github.com/petervdpas/parley/internal/storage"
)

func startServer(t *testing.T) (string, *registry.Registry, *storage.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	reg := registry.New()
	pres, err := presence.New(ctx, reg, db)
	require.NoError(t, err)
	h := hub.New(hub.DefaultOptions(), reg, delivery.New(db, reg, nil), pres, signaling.New(reg))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown(ctx)
		srv.Close()
		pres.Close()
		reg.Close()
		db.Close()
	})
	return srv.URL, reg, db
}

func waitState(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("connectivity never became %v", want)
		}
	}
}

func TestSocketURL(t *testing.T) {
	u, err := client.SocketURL("https://chat.example.com/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws?userId=a+b", u)

	u, err = client.SocketURL("http://127.0.0.1:8787", "alice")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8787/ws?userId=alice", u)

	_, err = client.SocketURL("ftp://x", "alice")
	assert.Error(t, err)
}

func TestSendFailsFastWhenOffline(t *testing.T) {
	c := client.New(client.Options{ServerURL: "http://127.0.0.1:1", User: "alice"})
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(proto.Typing, proto.ConversationPayload{}), client.ErrNotConnected)
}

func TestReconnectsAndAutoConfirms(t *testing.T) {
	base, reg, db := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := client.New(client.Options{ServerURL: base, User: "alice", ReconnectDelay: 20 * time.Millisecond})
	bob := client.New(client.Options{ServerURL: base, User: "bob", ReconnectDelay: 20 * time.Millisecond, AutoConfirm: true})

	aliceUp, stopA := alice.Connectivity()
	defer stopA()
	bobUp, stopB := bob.Connectivity()
	defer stopB()
	aliceEvents, unsub := alice.Subscribe()
	defer unsub()

	go alice.Run(ctx)
	go bob.Run(ctx)
	waitState(t, aliceUp, true)
	waitState(t, bobUp, true)
	require.Eventually(t, func() bool { return reg.Len(ctx) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Send(proto.SendMessage, proto.SendMessagePayload{Receiver: "bob", Body: "hello"}))

	// bob's client confirms receipt on its own
	var delivered proto.DeliveredPayload
	timeout := time.After(3 * time.Second)
	for delivered.MessageID == "" {
		select {
		case f := <-aliceEvents:
			if f.Type == proto.MessageDelivered {
				var err error
				delivered, err = proto.Decode[proto.DeliveredPayload](f)
				require.NoError(t, err)
			}
		case <-timeout:
			t.Fatal("no messageDelivered")
		}
	}
	stored, err := db.GetMessage(ctx, delivered.MessageID)
	require.NoError(t, err)
	assert.Equal(t, message.StateDelivered, stored.State)
	assert.NotEmpty(t, bob.Recent(10))
	assert.GreaterOrEqual(t, len(bob.Recent(-1)), len(bob.Recent(1)))
	assert.Len(t, bob.Recent(1), 1)

	// server drops alice; the client notices and comes back
	conn, ok := reg.UnregisterUser(ctx, "alice")
	require.True(t, ok)
	conn.Close()
	require.Eventually(t, func() bool {
		c, ok := reg.Lookup(ctx, "alice")
		return ok && c != conn
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, alice.Connected, 2*time.Second, 10*time.Millisecond)
}
