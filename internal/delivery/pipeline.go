// Package delivery persists chat messages, routes them to live connections
// and drives their delivered/read/reaction/edit/delete transitions.
package delivery

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/push"
	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/storage"
)

var log = logging.Logger("delivery")

var (
	ErrEmptyMessage = errors.New("delivery: message has neither body nor media")
	ErrNotMember    = errors.New("delivery: not a member of the conversation")
	ErrInvalid      = errors.New("delivery: invalid request")
)

const maxHistoryPage = 200

// Store is the durable message and room store.
type Store interface {
	InsertMessage(ctx context.Context, m *message.Message) error
	UpdateMessage(ctx context.Context, m *message.Message) error
	GetMessage(ctx context.Context, id string) (*message.Message, error)
	FindByClientID(ctx context.Context, sender, clientID string) (*message.Message, error)
	ListConversation(ctx context.Context, conv message.Conversation, before string, limit int) ([]*message.Message, error)
	PendingFor(ctx context.Context, conv message.Conversation, reader string) ([]*message.Message, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
}

// Directory finds a user's live connection.
type Directory interface {
	Lookup(ctx context.Context, user string) (registry.Conn, bool)
}

// Pipeline handles every message-related inbound event.
type Pipeline struct {
	store    Store
	dir      Directory
	notifier push.Notifier
	locks    *keyedMutex
}

// New builds a pipeline. notifier may be nil.
func New(store Store, dir Directory, notifier push.Notifier) *Pipeline {
	if notifier == nil {
		notifier = push.NotifierFunc(func(context.Context, string, *message.Message) {})
	}
	return &Pipeline{store: store, dir: dir, notifier: notifier, locks: newKeyedMutex()}
}

// Send persists a new message and pushes it to whoever is reachable.
// A resend carrying a clientId the sender already used returns the stored
// message without delivering it twice.
func (p *Pipeline) Send(ctx context.Context, sender string, req proto.SendMessagePayload) (*message.Message, error) {
	if req.Body == "" && req.MediaRef == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := req.Ref().Resolve(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	members, err := p.authorize(ctx, sender, conv)
	if err != nil {
		return nil, err
	}

	if req.ClientID != "" {
		if prior, err := p.store.FindByClientID(ctx, sender, req.ClientID); err == nil {
			log.Debugf("duplicate send %s from %s, returning %s", req.ClientID, sender, prior.ID)
			metrics.StaleEvents.WithLabelValues("send").Inc()
			p.emit(ctx, sender, proto.MessageSent, prior)
			return prior, nil
		}
	}

	m := message.New(conv, sender, message.Draft{
		ClientID: req.ClientID,
		Body:     req.Body,
		MediaRef: req.MediaRef,
		ReplyTo:  req.ReplyTo,
	})

	unlock := p.locks.Lock(conv.Key())
	err = p.store.InsertMessage(ctx, m)
	unlock()
	if errors.Is(err, storage.ErrDuplicateClientID) {
		// lost a race with a concurrent resend of the same clientId
		return p.store.FindByClientID(ctx, sender, req.ClientID)
	}
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(string(conv.Kind)).Inc()
	log.Debugf("message %s from %s in %s", m.ID, sender, conv.Key())

	p.emit(ctx, sender, proto.MessageSent, m)

	kind := proto.ReceiveMessage
	if conv.Kind == message.KindGroup {
		kind = proto.ReceiveGroupMessage
	}
	for _, to := range m.Recipients(members) {
		if !p.emit(ctx, to, kind, m) {
			metrics.OfflineFallbacks.Inc()
			log.Debugf("%s unreachable, message %s stays persisted", to, m.ID)
			p.notifier.NotifyOffline(ctx, to, m)
		}
	}
	return m, nil
}

// ConfirmReceived records that user's client received message id.
func (p *Pipeline) ConfirmReceived(ctx context.Context, user, id string) error {
	m, _, changed, err := p.mutate(ctx, id, "confirm", func(m *message.Message, members []string) error {
		return m.MarkDelivered(user, members)
	})
	if err != nil || !changed {
		return err
	}
	metrics.DeliveryTransitions.WithLabelValues(message.StateDelivered.String()).Inc()
	p.emit(ctx, m.Sender, proto.MessageDelivered, proto.DeliveredPayload{
		MessageID:    m.ID,
		Conversation: proto.RefFor(m.Conversation, m.Sender),
		By:           user,
	})
	return nil
}

// MarkRead acknowledges every message in the conversation not authored by
// reader and tells the senders which of their messages are now read.
// It returns how many messages changed.
func (p *Pipeline) MarkRead(ctx context.Context, reader string, ref proto.ConversationRef) (int, error) {
	conv, err := ref.Resolve(reader)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	members, err := p.authorize(ctx, reader, conv)
	if err != nil {
		return 0, err
	}

	unlock := p.locks.Lock(conv.Key())
	pending, err := p.store.PendingFor(ctx, conv, reader)
	if err != nil {
		unlock()
		return 0, err
	}
	changed := 0
	read := map[string][]string{} // sender -> ids now read
	for _, m := range pending {
		if err := m.Acknowledge(reader, members); err != nil {
			if !errors.Is(err, message.ErrStale) && !errors.Is(err, message.ErrNotRecipient) {
				log.Warnf("ack %s by %s: %v", m.ID, reader, err)
			}
			continue
		}
		if err := p.store.UpdateMessage(ctx, m); err != nil {
			unlock()
			return changed, err
		}
		changed++
		if m.Read() {
			metrics.DeliveryTransitions.WithLabelValues(message.StateRead.String()).Inc()
			read[m.Sender] = append(read[m.Sender], m.ID)
		}
	}
	unlock()

	for sender, ids := range read {
		if conv.Kind == message.KindGroup {
			p.emit(ctx, sender, proto.GroupMessagesRead, proto.GroupReadPayload{Group: conv.Group, MessageIDs: ids})
			continue
		}
		p.emit(ctx, sender, proto.MessagesSeen, proto.SeenPayload{
			Conversation: proto.RefFor(conv, sender),
			Reader:       reader,
			MessageIDs:   ids,
		})
	}
	return changed, nil
}

// React sets, replaces or (with an empty emoji) removes user's reaction.
func (p *Pipeline) React(ctx context.Context, user, id, emoji string) error {
	m, members, changed, err := p.mutate(ctx, id, "react", func(m *message.Message, members []string) error {
		if !inAudience(m.Conversation, members, user) {
			return ErrNotMember
		}
		return m.React(user, emoji)
	})
	if err != nil || !changed {
		return err
	}
	p.fanout(ctx, m.Conversation, members, user, proto.MessageReaction, func(viewer string) any {
		return proto.ReactionPayload{
			MessageID:    m.ID,
			Conversation: proto.RefFor(m.Conversation, viewer),
			User:         user,
			Emoji:        emoji,
			Reactions:    m.Reactions,
		}
	})
	return nil
}

// Edit replaces the body of one of user's own messages.
func (p *Pipeline) Edit(ctx context.Context, user, id, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	m, members, changed, err := p.mutate(ctx, id, "edit", func(m *message.Message, _ []string) error {
		return m.Edit(user, text)
	})
	if err != nil || !changed {
		return err
	}
	p.fanout(ctx, m.Conversation, members, user, proto.MessageUpdated, func(string) any { return m })
	return nil
}

// Delete soft-deletes one of user's own messages.
func (p *Pipeline) Delete(ctx context.Context, user, id string) error {
	m, members, changed, err := p.mutate(ctx, id, "delete", func(m *message.Message, _ []string) error {
		return m.Delete(user)
	})
	if err != nil || !changed {
		return err
	}
	p.fanout(ctx, m.Conversation, members, user, proto.MessageDeleted, func(viewer string) any {
		return proto.DeletedPayload{MessageID: m.ID, Conversation: proto.RefFor(m.Conversation, viewer)}
	})
	return nil
}

// Typing relays a typing indicator. Nothing is stored.
func (p *Pipeline) Typing(ctx context.Context, user string, ref proto.ConversationRef, on bool) error {
	conv, err := ref.Resolve(user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	members, err := p.authorize(ctx, user, conv)
	if err != nil {
		return err
	}
	kind := proto.StopTyping
	if on {
		kind = proto.Typing
	}
	p.fanout(ctx, conv, members, user, kind, func(viewer string) any {
		return proto.TypingNotice{Conversation: proto.RefFor(conv, viewer), User: user}
	})
	return nil
}

// JoinRoom adds user to a group room.
func (p *Pipeline) JoinRoom(ctx context.Context, user, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: empty group id", ErrInvalid)
	}
	if err := p.store.AddGroupMember(ctx, groupID, user); err != nil {
		return err
	}
	log.Infof("%s joined room %s", user, groupID)
	return nil
}

// History returns one page of a conversation, oldest first.
func (p *Pipeline) History(ctx context.Context, user string, ref proto.ConversationRef, before string, limit int) ([]*message.Message, error) {
	conv, err := ref.Resolve(user)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := p.authorize(ctx, user, conv); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	return p.store.ListConversation(ctx, conv, before, limit)
}

// mutate loads a message, applies fn under the conversation lock and stores
// the result. Stale events report changed=false with a nil error.
func (p *Pipeline) mutate(ctx context.Context, id, op string, fn func(*message.Message, []string) error) (*message.Message, []string, bool, error) {
	m, err := p.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, false, err
	}
	members, err := p.members(ctx, m.Conversation)
	if err != nil {
		return nil, nil, false, err
	}

	unlock := p.locks.Lock(m.Conversation.Key())
	defer unlock()

	// reload: another event may have changed it while we waited
	if m, err = p.store.GetMessage(ctx, id); err != nil {
		return nil, nil, false, err
	}
	if err := fn(m, members); err != nil {
		if message.Ignorable(err) {
			metrics.StaleEvents.WithLabelValues(op).Inc()
			log.Debugf("ignored %s on %s: %v", op, id, err)
			return m, members, false, nil
		}
		return nil, nil, false, err
	}
	if err := p.store.UpdateMessage(ctx, m); err != nil {
		return nil, nil, false, err
	}
	return m, members, true, nil
}

func (p *Pipeline) members(ctx context.Context, conv message.Conversation) ([]string, error) {
	if conv.Kind == message.KindGroup {
		return p.store.GroupMembers(ctx, conv.Group)
	}
	return conv.Members, nil
}

// authorize returns the conversation members if user is one of them.
func (p *Pipeline) authorize(ctx context.Context, user string, conv message.Conversation) ([]string, error) {
	members, err := p.members(ctx, conv)
	if err != nil {
		return nil, err
	}
	if !inAudience(conv, members, user) {
		return nil, ErrNotMember
	}
	return members, nil
}

func inAudience(conv message.Conversation, members []string, user string) bool {
	if conv.Kind == message.KindDirect {
		return conv.Includes(user)
	}
	for _, m := range members {
		if m == user {
			return true
		}
	}
	return false
}

// fanout sends one event to every member except the actor.
func (p *Pipeline) fanout(ctx context.Context, conv message.Conversation, members []string, except string, kind proto.Kind, payloadFor func(viewer string) any) {
	for _, u := range members {
		if u == except {
			continue
		}
		p.emit(ctx, u, kind, payloadFor(u))
	}
}

// emit pushes to user's live connection and reports whether it was accepted.
func (p *Pipeline) emit(ctx context.Context, user string, kind proto.Kind, payload any) bool {
	conn, ok := p.dir.Lookup(ctx, user)
	if !ok {
		return false
	}
	if err := conn.Send(proto.Event(kind, payload)); err != nil {
		log.Debugf("send %s to %s: %v", kind, user, err)
		return false
	}
	metrics.EventsOut.WithLabelValues(string(kind)).Inc()
	return true
}
