package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/message"
)

func TestKindsAreUnique(t *testing.T) {
	seen := map[Kind]bool{}
	for _, k := range InboundKinds() {
		require.False(t, seen[k], "duplicate inbound kind %s", k)
		seen[k] = true
		assert.True(t, k.IsInbound())
	}
	assert.False(t, GetOnlineUsers.IsInbound())
	assert.False(t, Kind("bogus").IsInbound())
	assert.Len(t, OutboundKinds(), 17)
}

func TestDecode(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"reactToMessage","payload":{"messageId":"m1","emoji":"👍"}}`), &f))
	assert.Equal(t, ReactToMessage, f.Type)

	p, err := Decode[ReactPayload](f)
	require.NoError(t, err)
	assert.Equal(t, "m1", p.MessageID)
	assert.Equal(t, "👍", p.Emoji)

	_, err = Decode[ReactPayload](Frame{Type: ReactToMessage})
	assert.Error(t, err)
	_, err = Decode[ReactPayload](Frame{Type: ReactToMessage, Payload: []byte(`[1]`)})
	assert.Error(t, err)
}

func TestConversationRef(t *testing.T) {
	c, err := ConversationRef{Peer: "bob"}.Resolve("alice")
	require.NoError(t, err)
	assert.Equal(t, message.Direct("alice", "bob").Key(), c.Key())
	assert.Equal(t, ConversationRef{Peer: "alice"}, RefFor(c, "bob"))

	g, err := ConversationRef{Group: "team"}.Resolve("alice")
	require.NoError(t, err)
	assert.Equal(t, ConversationRef{Group: "team"}, RefFor(g, "anyone"))

	_, err = ConversationRef{}.Resolve("alice")
	assert.Error(t, err)
	_, err = ConversationRef{Peer: "bob", Group: "team"}.Resolve("alice")
	assert.Error(t, err)
	_, err = ConversationRef{Peer: "alice"}.Resolve("alice")
	assert.Error(t, err)
	_, err = ConversationRef{Peer: "bob|carol"}.Resolve("alice")
	assert.Error(t, err)
}

func TestOutboundEncoding(t *testing.T) {
	data, err := json.Marshal(Event(GetOnlineUsers, OnlineUsersPayload{Users: []string{"a", "b"}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"getOnlineUsers","payload":{"users":["a","b"]}}`, string(data))
}
