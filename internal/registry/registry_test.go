package registry_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/registry/registrytest"
)

func TestRegisterReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	defer r.Close()

	first := registrytest.NewConn("alice")
	second := registrytest.NewConn("alice")

	prev, err := r.Register(ctx, "alice", first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = r.Register(ctx, "alice", second)
	require.NoError(t, err)
	assert.Same(t, first, prev)

	got, ok := r.Lookup(ctx, "alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	// the old socket's disconnect arrives late and must not evict the new one
	assert.False(t, r.Unregister(ctx, "alice", first))
	got, ok = r.Lookup(ctx, "alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.Unregister(ctx, "alice", second))
	_, ok = r.Lookup(ctx, "alice")
	assert.False(t, ok)
}

func TestOneLiveConnectionUnderRandomChurn(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	defer r.Close()

	users := []string{"alice", "bob", "carol"}
	current := map[string]*registrytest.Conn{}
	var all []*registrytest.Conn
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		if rng.Intn(3) > 0 {
			c := registrytest.NewConn(u)
			all = append(all, c)
			_, err := r.Register(ctx, u, c)
			require.NoError(t, err)
			current[u] = c
			continue
		}
		// disconnect a random historical connection of u
		var mine []*registrytest.Conn
		for _, c := range all {
			if c.User() == u {
				mine = append(mine, c)
			}
		}
		if len(mine) == 0 {
			continue
		}
		c := mine[rng.Intn(len(mine))]
		if r.Unregister(ctx, u, c) {
			require.Same(t, current[u], c)
			delete(current, u)
		}
	}

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, len(current))
	for _, e := range snap {
		assert.Same(t, current[e.User], e.Conn)
	}
}

func TestWatchDeliversChangesInOrder(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	defer r.Close()

	changes, cancel, err := r.Watch(ctx)
	require.NoError(t, err)
	defer cancel()

	a1 := registrytest.NewConn("alice")
	a2 := registrytest.NewConn("alice")
	_, _ = r.Register(ctx, "alice", a1)
	_, _ = r.Register(ctx, "alice", a2)
	_, _ = r.Register(ctx, "alice", a2)
	r.Unregister(ctx, "alice", a1)
	r.Unregister(ctx, "alice", a2)

	want := []registry.ChangeKind{registry.Connected, registry.Replaced, registry.Disconnected}
	for _, k := range want {
		select {
		case c := <-changes:
			assert.Equal(t, k, c.Kind)
			assert.Equal(t, "alice", c.User)
		case <-time.After(time.Second):
			t.Fatalf("missing %s change", k)
		}
	}
	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterUserAndClose(t *testing.T) {
	ctx := context.Background()
	r := registry.New()

	c := registrytest.NewConn("bob")
	_, _ = r.Register(ctx, "bob", c)
	assert.Equal(t, 1, r.Len(ctx))

	got, ok := r.UnregisterUser(ctx, "bob")
	assert.True(t, ok)
	assert.Same(t, c, got)
	_, ok = r.UnregisterUser(ctx, "bob")
	assert.False(t, ok)

	changes, _, err := r.Watch(ctx)
	require.NoError(t, err)
	r.Close()

	_, err = r.Register(ctx, "bob", c)
	assert.ErrorIs(t, err, registry.ErrClosed)
	_, ok = <-changes
	assert.False(t, ok)
}
