package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/util"
)

// ConversationRef names a conversation from one user's point of view:
// either the peer of a direct chat or a group id.
type ConversationRef struct {
	Peer  string `json:"peer,omitempty"`
	Group string `json:"group,omitempty"`
}

var errBadRef = errors.New("conversation needs exactly one of peer or group")

// Resolve turns a ref sent by self into a canonical conversation.
func (r ConversationRef) Resolve(self string) (message.Conversation, error) {
	switch {
	case r.Peer != "" && r.Group == "":
		peer, err := util.ValidateUserID(r.Peer)
		if err != nil {
			return message.Conversation{}, fmt.Errorf("peer: %w", err)
		}
		if peer == self {
			return message.Conversation{}, errors.New("cannot converse with yourself")
		}
		return message.Direct(self, peer), nil
	case r.Group != "" && r.Peer == "":
		return message.Group(r.Group), nil
	}
	return message.Conversation{}, errBadRef
}

// RefFor describes conv as seen by viewer.
func RefFor(conv message.Conversation, viewer string) ConversationRef {
	if conv.Kind == message.KindGroup {
		return ConversationRef{Group: conv.Group}
	}
	return ConversationRef{Peer: conv.Peer(viewer)}
}

// MediaKind selects audio-only or audio+video calls.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Error codes carried by the "error" event.
const (
	CodeSendFailed  = "send_failed"
	CodeCallFailed  = "call_failed"
	CodeMediaDenied = "media_denied"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
)

// ── Inbound payloads ──────────────────────────────────────────────────────────

// SendMessagePayload is sent for sendMessage and POST /api/messages.
// Exactly one of Receiver or Group is set.
type SendMessagePayload struct {
	Receiver string `json:"receiver,omitempty"`
	Group    string `json:"group,omitempty"`
	Body     string `json:"body,omitempty"`
	MediaRef string `json:"mediaRef,omitempty"`
	ReplyTo  string `json:"replyTo,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// Ref returns the target conversation as a ConversationRef.
func (p SendMessagePayload) Ref() ConversationRef {
	return ConversationRef{Peer: p.Receiver, Group: p.Group}
}

type ReactPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type EditPayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId"`
}

type ConversationPayload struct {
	Conversation ConversationRef `json:"conversation"`
}

type TogglePayload struct {
	Hidden bool `json:"hidden"`
}

type JoinGroupPayload struct {
	GroupID string `json:"groupId"`
}

// InitiateCallPayload carries the caller's complete offer.
type InitiateCallPayload struct {
	CalleeID  string          `json:"calleeId"`
	Signal    json.RawMessage `json:"signal"`
	MediaKind MediaKind       `json:"mediaKind"`
}

// SignalPayload addresses an answer or extra candidate to a peer.
type SignalPayload struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type EndCallPayload struct {
	PeerID string `json:"peerId"`
}

// ── Outbound payloads ─────────────────────────────────────────────────────────

type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

type DeliveredPayload struct {
	MessageID    string          `json:"messageId"`
	Conversation ConversationRef `json:"conversation"`
	By           string          `json:"by"`
}

type SeenPayload struct {
	Conversation ConversationRef `json:"conversation"`
	Reader       string          `json:"reader"`
	MessageIDs   []string        `json:"messageIds"`
}

type GroupReadPayload struct {
	Group      string   `json:"group"`
	MessageIDs []string `json:"messageIds"`
}

type ReactionPayload struct {
	MessageID    string            `json:"messageId"`
	Conversation ConversationRef   `json:"conversation"`
	User         string            `json:"user"`
	Emoji        string            `json:"emoji,omitempty"`
	Reactions    map[string]string `json:"reactions"`
}

type DeletedPayload struct {
	MessageID    string          `json:"messageId"`
	Conversation ConversationRef `json:"conversation"`
}

type TypingNotice struct {
	Conversation ConversationRef `json:"conversation"`
	User         string          `json:"user"`
}

type CallUserPayload struct {
	From      string          `json:"from"`
	Signal    json.RawMessage `json:"signal"`
	MediaKind MediaKind       `json:"mediaKind"`
}

type RelayedSignal struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type CallEndedPayload struct {
	From string `json:"from"`
}

// ErrorPayload reports a user-visible failure. Ref points at what failed:
// a clientId, a message id or a callee.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
