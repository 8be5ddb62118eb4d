// Package proto is the wire vocabulary shared by the server hub and clients.
// Every frame on the socket is {"type": <Kind>, "payload": {...}}.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names one event on the wire.
type Kind string

// ── Inbound (client → server) ─────────────────────────────────────────────────
const (
	SendMessage            Kind = "sendMessage"
	ReactToMessage         Kind = "reactToMessage"
	EditMessage            Kind = "editMessage"
	DeleteMessage          Kind = "deleteMessage"
	MarkRead               Kind = "markRead"
	Typing                 Kind = "typing"
	StopTyping             Kind = "stopTyping"
	ToggleOnlineStatus     Kind = "toggleOnlineStatus"
	JoinGroupRoom          Kind = "joinGroupRoom"
	InitiateCall           Kind = "initiateCall"
	AnswerCall             Kind = "answerCall"
	CallSignal             Kind = "callSignal"
	EndCall                Kind = "endCall"
	MessageReceivedConfirm Kind = "messageReceivedConfirm"
)

// ── Outbound (server → client) ────────────────────────────────────────────────
// typing, stopTyping and callSignal share their name with the inbound kinds.
const (
	GetOnlineUsers      Kind = "getOnlineUsers"
	ReceiveMessage      Kind = "receiveMessage"
	MessageSent         Kind = "messageSent"
	MessageDelivered    Kind = "messageDelivered"
	MessagesSeen        Kind = "messagesSeen"
	MessageReaction     Kind = "messageReaction"
	MessageDeleted      Kind = "messageDeleted"
	MessageUpdated      Kind = "messageUpdated"
	ReceiveGroupMessage Kind = "receiveGroupMessage"
	GroupMessagesRead   Kind = "groupMessagesRead"
	CallUser            Kind = "callUser"
	CallAccepted        Kind = "callAccepted"
	CallEnded           Kind = "callEnded"
	Error               Kind = "error"
)

var inbound = []Kind{
	SendMessage, ReactToMessage, EditMessage, DeleteMessage, MarkRead,
	Typing, StopTyping, ToggleOnlineStatus, JoinGroupRoom,
	InitiateCall, AnswerCall, CallSignal, EndCall, MessageReceivedConfirm,
}

var outbound = []Kind{
	GetOnlineUsers, ReceiveMessage, MessageSent, MessageDelivered, MessagesSeen,
	MessageReaction, MessageDeleted, MessageUpdated, Typing, StopTyping,
	ReceiveGroupMessage, GroupMessagesRead,
	CallUser, CallAccepted, CallSignal, CallEnded, Error,
}

// InboundKinds returns the closed set of events a client may send.
func InboundKinds() []Kind { return append([]Kind(nil), inbound...) }

// OutboundKinds returns the closed set of events the server may push.
func OutboundKinds() []Kind { return append([]Kind(nil), outbound...) }

// IsInbound reports whether k is a known client event.
func (k Kind) IsInbound() bool {
	for _, v := range inbound {
		if v == k {
			return true
		}
	}
	return false
}

// Frame is a decoded frame whose payload has not been interpreted yet.
type Frame struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a frame about to be encoded.
type Outbound struct {
	Type    Kind `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// Event builds an Outbound frame.
func Event(k Kind, payload any) Outbound { return Outbound{Type: k, Payload: payload} }

// Decode unmarshals a frame payload into T.
func Decode[T any](f Frame) (T, error) {
	var v T
	if len(f.Payload) == 0 {
		return v, fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, fmt.Errorf("%s: decode payload: %w", f.Type, err)
	}
	return v, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
