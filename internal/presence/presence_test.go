package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/registry/registrytest"
)

type memPrefs struct {
	mu     sync.Mutex
	hidden map[string]bool
}

func (m *memPrefs) SetHidden(_ context.Context, user string, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hidden == nil {
		m.hidden = map[string]bool{}
	}
	m.hidden[user] = hidden
	return nil
}

func (m *memPrefs) HiddenUsers(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for u, h := range m.hidden {
		if h {
			out = append(out, u)
		}
	}
	return out, nil
}

func onlineUsers(t *testing.T, evt proto.Outbound) []string {
	t.Helper()
	p, err := registrytest.Payload[proto.OnlineUsersPayload](evt)
	require.NoError(t, err)
	return p.Users
}

func waitOnline(t *testing.T, c *registrytest.Conn, want []string) {
	t.Helper()
	_, err := c.WaitFor(proto.GetOnlineUsers, time.Second, func(e proto.Outbound) bool {
		return assert.ObjectsAreEqual(want, onlineUsers(t, e))
	})
	require.NoError(t, err)
}

func setup(t *testing.T, prefs *memPrefs) (*registry.Registry, *Broadcaster) {
	t.Helper()
	reg := registry.New()
	b, err := New(context.Background(), reg, prefs)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		reg.Close()
	})
	return reg, b
}

func TestBroadcastOnConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	reg, _ := setup(t, &memPrefs{})

	alice := registrytest.NewConn("alice")
	bob := registrytest.NewConn("bob")
	_, _ = reg.Register(ctx, "alice", alice)
	waitOnline(t, alice, []string{"alice"})

	_, _ = reg.Register(ctx, "bob", bob)
	waitOnline(t, alice, []string{"alice", "bob"})
	waitOnline(t, bob, []string{"alice", "bob"})

	reg.Unregister(ctx, "bob", bob)
	waitOnline(t, alice, []string{"alice"})
}

func TestHideToggleAffectsNextBroadcast(t *testing.T) {
	ctx := context.Background()
	reg, b := setup(t, &memPrefs{})

	alice := registrytest.NewConn("alice")
	bob := registrytest.NewConn("bob")
	_, _ = reg.Register(ctx, "alice", alice)
	_, _ = reg.Register(ctx, "bob", bob)
	waitOnline(t, bob, []string{"alice", "bob"})

	require.NoError(t, b.SetHidden(ctx, "alice", true))
	last, ok := bob.Last(proto.GetOnlineUsers)
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, onlineUsers(t, last))
	assert.True(t, b.Hidden(ctx, "alice"))

	// hidden users still get the broadcast themselves
	last, ok = alice.Last(proto.GetOnlineUsers)
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, onlineUsers(t, last))

	visible, err := b.Visible(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, visible)

	require.NoError(t, b.SetHidden(ctx, "alice", false))
	last, _ = bob.Last(proto.GetOnlineUsers)
	assert.Equal(t, []string{"alice", "bob"}, onlineUsers(t, last))
}

func TestHiddenPreferenceSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	prefs := &memPrefs{}
	require.NoError(t, prefs.SetHidden(ctx, "carol", true))

	reg, b := setup(t, prefs)
	carol := registrytest.NewConn("carol")
	dave := registrytest.NewConn("dave")
	_, _ = reg.Register(ctx, "carol", carol)
	_, _ = reg.Register(ctx, "dave", dave)
	waitOnline(t, dave, []string{"dave"})

	visible, err := b.Visible(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, visible)
}
