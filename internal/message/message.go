// Package message holds the chat message type and the rules for how its
// delivery, read, reaction, edit and delete state may change.
package message

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrStale is returned for an event that would not change the message:
	// a repeated confirmation, a second identical reaction, an edit to the
	// same text. Callers drop these silently.
	ErrStale = errors.New("message: stale or duplicate event")

	// ErrDeleted is returned when an edit or reaction targets a deleted message.
	ErrDeleted = errors.New("message: deleted")

	// ErrNotAuthor is returned when someone other than the sender edits or deletes.
	ErrNotAuthor = errors.New("message: not the author")

	// ErrNotRecipient is returned when a confirmation comes from someone who
	// is not a recipient of the message.
	ErrNotRecipient = errors.New("message: not a recipient")
)

// Ignorable reports whether err is a duplicate/stale event that must be
// dropped without surfacing an error to the peer.
func Ignorable(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, ErrDeleted)
}

// ConversationKind distinguishes direct (two-party) from group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation identifies where a message lives. Direct conversations store
// both members sorted so that (a,b) and (b,a) are the same conversation.
type Conversation struct {
	Kind    ConversationKind `json:"kind"`
	Members []string         `json:"members,omitempty"` // direct only, sorted
	Group   string           `json:"group,omitempty"`   // group only
}

// Direct returns the conversation between a and b.
func Direct(a, b string) Conversation {
	m := []string{a, b}
	sort.Strings(m)
	return Conversation{Kind: KindDirect, Members: m}
}

// Group returns the conversation for a group room.
func Group(id string) Conversation {
	return Conversation{Kind: KindGroup, Group: id}
}

// Key is the stable storage key: "d:alice|bob" or "g:<group>".
func (c Conversation) Key() string {
	if c.Kind == KindGroup {
		return "g:" + c.Group
	}
	return "d:" + strings.Join(c.Members, "|")
}

// ParseKey reverses Key.
func ParseKey(key string) (Conversation, error) {
	switch {
	case strings.HasPrefix(key, "g:") && len(key) > 2:
		return Group(key[2:]), nil
	case strings.HasPrefix(key, "d:"):
		parts := strings.Split(key[2:], "|")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Conversation{}, fmt.Errorf("invalid direct conversation key %q", key)
		}
		return Direct(parts[0], parts[1]), nil
	}
	return Conversation{}, fmt.Errorf("invalid conversation key %q", key)
}

// Includes reports whether user is one of the two direct members.
// Always false for groups; group membership lives in the room store.
func (c Conversation) Includes(user string) bool {
	for _, m := range c.Members {
		if m == user {
			return true
		}
	}
	return false
}

// Peer returns the other member of a direct conversation, or "" if self is
// not a member (or the conversation is a group).
func (c Conversation) Peer(self string) string {
	if c.Kind != KindDirect || len(c.Members) != 2 {
		return ""
	}
	switch self {
	case c.Members[0]:
		return c.Members[1]
	case c.Members[1]:
		return c.Members[0]
	}
	return ""
}

// DeliveryState only ever moves forward: Sent → Delivered → Read.
type DeliveryState int

const (
	StateSent DeliveryState = iota + 1
	StateDelivered
	StateRead
)

func (s DeliveryState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	}
	return "unknown"
}

func (s DeliveryState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DeliveryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sent":
		*s = StateSent
	case "delivered":
		*s = StateDelivered
	case "read":
		*s = StateRead
	default:
		return fmt.Errorf("unknown delivery state %q", b)
	}
	return nil
}

// Message is one chat message. It is never destroyed; Delete only flags it.
type Message struct {
	ID           string            `json:"id"`
	ClientID     string            `json:"clientId,omitempty"`
	Conversation Conversation      `json:"conversation"`
	Sender       string            `json:"sender"`
	Body         string            `json:"body,omitempty"`
	MediaRef     string            `json:"mediaRef,omitempty"`
	ReplyTo      string            `json:"replyTo,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	State        DeliveryState     `json:"deliveryState"`
	AckedBy      []string          `json:"ackedBy,omitempty"`   // read acknowledgements, sorted
	Reactions    map[string]string `json:"reactions,omitempty"` // user -> emoji
	Edited       bool              `json:"edited,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// Draft is what a sender supplies; New turns it into a Message.
type Draft struct {
	ClientID string
	Body     string
	MediaRef string
	ReplyTo  string
}

// New creates a message in the Sent state with a time-ordered ID.
func New(conv Conversation, sender string, d Draft) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:           ulid.Make().String(),
		ClientID:     d.ClientID,
		Conversation: conv,
		Sender:       sender,
		Body:         d.Body,
		MediaRef:     d.MediaRef,
		ReplyTo:      d.ReplyTo,
		CreatedAt:    now,
		UpdatedAt:    now,
		State:        StateSent,
	}
}

// Read reports whether the message reached the Read state.
func (m *Message) Read() bool { return m.State == StateRead }

// Recipients returns the users other than the sender that must acknowledge
// the message. For groups the current member list is passed in.
func (m *Message) Recipients(members []string) []string {
	if m.Conversation.Kind == KindDirect {
		if p := m.Conversation.Peer(m.Sender); p != "" {
			return []string{p}
		}
		return nil
	}
	out := make([]string, 0, len(members))
	for _, u := range members {
		if u != m.Sender {
			out = append(out, u)
		}
	}
	return out
}

// MarkDelivered records that a recipient's client received the message.
// For groups the first recipient confirmation moves the message to Delivered.
func (m *Message) MarkDelivered(by string, members []string) error {
	if !contains(m.Recipients(members), by) {
		return ErrNotRecipient
	}
	if m.State >= StateDelivered {
		return ErrStale
	}
	m.State = StateDelivered
	m.touch()
	return nil
}

// Acknowledge records a read acknowledgement from by. Direct messages go
// straight to Read. Group messages only become Read once every other member
// has acknowledged; until then reading implies at least Delivered.
func (m *Message) Acknowledge(by string, members []string) error {
	recipients := m.Recipients(members)
	if !contains(recipients, by) {
		return ErrNotRecipient
	}
	if m.State == StateRead || contains(m.AckedBy, by) {
		return ErrStale
	}
	m.AckedBy = append(m.AckedBy, by)
	sort.Strings(m.AckedBy)

	if covers(m.AckedBy, recipients) {
		m.State = StateRead
	} else if m.State < StateDelivered {
		m.State = StateDelivered
	}
	m.touch()
	return nil
}

// React sets user's reaction. Reactions are last-value-wins per user:
// the same emoji again is a no-op, an empty emoji removes the reaction.
func (m *Message) React(user, emoji string) error {
	if m.Deleted {
		return ErrDeleted
	}
	cur, ok := m.Reactions[user]
	if emoji == "" {
		if !ok {
			return ErrStale
		}
		delete(m.Reactions, user)
		m.touch()
		return nil
	}
	if ok && cur == emoji {
		return ErrStale
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[user] = emoji
	m.touch()
	return nil
}

// Edit replaces the body. Only the sender may edit, and never after delete.
func (m *Message) Edit(by, text string) error {
	if m.Deleted {
		return ErrDeleted
	}
	if by != m.Sender {
		return ErrNotAuthor
	}
	if text == m.Body {
		return ErrStale
	}
	m.Body = text
	m.Edited = true
	m.touch()
	return nil
}

// Delete soft-deletes the message. It is terminal.
func (m *Message) Delete(by string) error {
	if by != m.Sender {
		return ErrNotAuthor
	}
	if m.Deleted {
		return ErrStale
	}
	m.Deleted = true
	m.Body = ""
	m.MediaRef = ""
	m.touch()
	return nil
}

func (m *Message) touch() { m.UpdatedAt = time.Now().UTC() }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// covers reports whether every element of want is in have.
func covers(have, want []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return len(want) > 0
}
