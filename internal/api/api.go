// Package api is the REST surface next to the realtime socket: the offline
// outbox posts here, and history, push tokens and presence are read here.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/parley/internal/delivery"
	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/push"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("api")

type Messages interface {
	Send(ctx context.Context, sender string, req proto.SendMessagePayload) (*message.Message, error)
	History(ctx context.Context, user string, ref proto.ConversationRef, before string, limit int) ([]*message.Message, error)
	MarkRead(ctx context.Context, reader string, ref proto.ConversationRef) (int, error)
}

type PushTokens interface {
	Register(ctx context.Context, userID, token, platform string) error
	Unregister(ctx context.Context, userID, token string) error
}

type Presence interface {
	Visible(ctx context.Context) ([]string, error)
}

type Deps struct {
	Messages Messages
	Push     PushTokens
	Presence Presence
}

type sendRequest struct {
	Sender string `json:"sender,omitempty"`
	proto.SendMessagePayload
}

type readRequest struct {
	UserID string `json:"userId,omitempty"`
	proto.ConversationRef
}

type tokenRequest struct {
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// Register mounts every REST route on mux.
func Register(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// POST /api/messages: the outbox replays through here, so the
	// Idempotency-Key header stands in for a missing clientId.
	handlePost(mux, "/api/messages", func(w http.ResponseWriter, r *http.Request, req sendRequest) {
		user, ok := requireUser(w, r, req.Sender)
		if !ok {
			return
		}
		if req.ClientID == "" {
			req.ClientID = r.Header.Get("Idempotency-Key")
		}
		m, err := d.Messages.Send(r.Context(), user, req.SendMessagePayload)
		if err != nil {
			writeDeliveryError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, m)
	})

	handleGet(mux, "/api/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		user, ok := requireUser(w, r, q.Get("userId"))
		if !ok {
			return
		}
		limit := 0
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		ref := proto.ConversationRef{Peer: q.Get("peer"), Group: q.Get("group")}
		msgs, err := d.Messages.History(r.Context(), user, ref, q.Get("before"), limit)
		if err != nil {
			writeDeliveryError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*message.Message{}
		}
		writeJSON(w, map[string]any{"messages": msgs})
	})

	handlePost(mux, "/api/messages/read", func(w http.ResponseWriter, r *http.Request, req readRequest) {
		user, ok := requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		n, err := d.Messages.MarkRead(r.Context(), user, req.ConversationRef)
		if err != nil {
			writeDeliveryError(w, err)
			return
		}
		writeJSON(w, map[string]int{"marked": n})
	})

	handlePost(mux, "/api/push-tokens", func(w http.ResponseWriter, r *http.Request, req tokenRequest) {
		user, ok := requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		if err := d.Push.Register(r.Context(), user, req.Token, req.Platform); err != nil {
			writePushError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]string{"status": "registered"})
	})

	handleDelete(mux, "/api/push-tokens", func(w http.ResponseWriter, r *http.Request, req tokenRequest) {
		user, ok := requireUser(w, r, req.UserID)
		if !ok {
			return
		}
		if req.Token == "" {
			req.Token = r.URL.Query().Get("token")
		}
		if err := d.Push.Unregister(r.Context(), user, req.Token); err != nil {
			writePushError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	})

	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		users, err := d.Presence.Visible(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, proto.OnlineUsersPayload{Users: users})
	})
}

// requireUser takes the caller from X-User-ID, falling back to a field in
// the request. Identity is asserted by the caller, not verified here.
func requireUser(w http.ResponseWriter, r *http.Request, fallback string) (string, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = fallback
	}
	user, err := util.ValidateUserID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return user, true
}

func writeDeliveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrEmptyMessage), errors.Is(err, delivery.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, delivery.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		log.Warnf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writePushError(w http.ResponseWriter, err error) {
	if errors.Is(err, push.ErrInvalidToken) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Warnf("push token: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
