package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/petervdpas/parley/internal/metrics"
	"github.com/petervdpas/parley/internal/proto"
)

type handler func(ctx context.Context, c *conn, f proto.Frame) error

// codedError carries the code and reference reported to the client.
type codedError struct {
	code string
	ref  string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func fail(code, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, ref: ref, err: err}
}

// on decodes the payload into T before calling fn.
func on[T any](fn func(ctx context.Context, c *conn, p T) error) handler {
	return func(ctx context.Context, c *conn, f proto.Frame) error {
		p, err := proto.Decode[T](f)
		if err != nil {
			return fail(proto.CodeBadRequest, "", err)
		}
		return fn(ctx, c, p)
	}
}

func (h *Hub) routes() map[proto.Kind]handler {
	return map[proto.Kind]handler{
		proto.SendMessage: on(func(ctx context.Context, c *conn, p proto.SendMessagePayload) error {
			_, err := h.messages.Send(ctx, c.user, p)
			return fail(proto.CodeSendFailed, p.ClientID, err)
		}),
		proto.ReactToMessage: on(func(ctx context.Context, c *conn, p proto.ReactPayload) error {
			return fail(proto.CodeBadRequest, p.MessageID, h.messages.React(ctx, c.user, p.MessageID, p.Emoji))
		}),
		proto.EditMessage: on(func(ctx context.Context, c *conn, p proto.EditPayload) error {
			return fail(proto.CodeBadRequest, p.MessageID, h.messages.Edit(ctx, c.user, p.MessageID, p.Text))
		}),
		proto.DeleteMessage: on(func(ctx context.Context, c *conn, p proto.MessageRefPayload) error {
			return fail(proto.CodeBadRequest, p.MessageID, h.messages.Delete(ctx, c.user, p.MessageID))
		}),
		proto.MessageReceivedConfirm: on(func(ctx context.Context, c *conn, p proto.MessageRefPayload) error {
			return fail(proto.CodeBadRequest, p.MessageID, h.messages.ConfirmReceived(ctx, c.user, p.MessageID))
		}),
		proto.MarkRead: on(func(ctx context.Context, c *conn, p proto.ConversationPayload) error {
			_, err := h.messages.MarkRead(ctx, c.user, p.Conversation)
			return fail(proto.CodeBadRequest, "", err)
		}),
		proto.Typing: on(func(ctx context.Context, c *conn, p proto.ConversationPayload) error {
			return fail(proto.CodeBadRequest, "", h.messages.Typing(ctx, c.user, p.Conversation, true))
		}),
		proto.StopTyping: on(func(ctx context.Context, c *conn, p proto.ConversationPayload) error {
			return fail(proto.CodeBadRequest, "", h.messages.Typing(ctx, c.user, p.Conversation, false))
		}),
		proto.JoinGroupRoom: on(func(ctx context.Context, c *conn, p proto.JoinGroupPayload) error {
			return fail(proto.CodeBadRequest, p.GroupID, h.messages.JoinRoom(ctx, c.user, p.GroupID))
		}),
		proto.ToggleOnlineStatus: on(func(ctx context.Context, c *conn, p proto.TogglePayload) error {
			return fail(proto.CodeBadRequest, "", h.presence.SetHidden(ctx, c.user, p.Hidden))
		}),
		proto.InitiateCall: on(func(ctx context.Context, c *conn, p proto.InitiateCallPayload) error {
			return fail(proto.CodeCallFailed, p.CalleeID, h.calls.Initiate(ctx, c.user, p.CalleeID, p.Signal, p.MediaKind))
		}),
		proto.AnswerCall: on(func(ctx context.Context, c *conn, p proto.SignalPayload) error {
			return fail(proto.CodeCallFailed, p.To, h.calls.Accept(ctx, c.user, p.To, p.Signal))
		}),
		proto.CallSignal: on(func(ctx context.Context, c *conn, p proto.SignalPayload) error {
			return fail(proto.CodeCallFailed, p.To, h.calls.RelaySignal(ctx, c.user, p.To, p.Signal))
		}),
		proto.EndCall: on(func(ctx context.Context, c *conn, p proto.EndCallPayload) error {
			return fail(proto.CodeBadRequest, p.PeerID, h.calls.Terminate(ctx, c.user, p.PeerID))
		}),
	}
}

// dispatch handles one inbound frame. Failures stay inside this connection.
func (h *Hub) dispatch(c *conn, data []byte) {
	var f proto.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.EventsIn.WithLabelValues("", "malformed").Inc()
		c.sendError(proto.CodeBadRequest, "malformed frame", "")
		return
	}
	fn, ok := h.handlers[f.Type]
	if !ok {
		metrics.EventsIn.WithLabelValues("", "unknown").Inc()
		c.sendError(proto.CodeBadRequest, fmt.Sprintf("unknown event %q", f.Type), "")
		return
	}
	if !c.allow() {
		metrics.EventsIn.WithLabelValues(string(f.Type), "rate_limited").Inc()
		c.sendError(proto.CodeRateLimited, "too many events", string(f.Type))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic handling %s from %s: %v\n%s", f.Type, c.user, r, debug.Stack())
			metrics.EventsIn.WithLabelValues(string(f.Type), "panic").Inc()
			c.sendError(proto.CodeBadRequest, "internal error", string(f.Type))
		}
	}()

	if err := fn(c.ctx, c, f); err != nil {
		metrics.EventsIn.WithLabelValues(string(f.Type), "error").Inc()
		log.Debugf("%s from %s: %v", f.Type, c.user, err)
		code, ref := proto.CodeBadRequest, ""
		var ce *codedError
		if errors.As(err, &ce) {
			code, ref = ce.code, ce.ref
		}
		c.sendError(code, err.Error(), ref)
		return
	}
	metrics.EventsIn.WithLabelValues(string(f.Type), "ok").Inc()
}
