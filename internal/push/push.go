// Package push keeps device tokens and is told when a recipient was
// unreachable. Talking to a platform push service is left to a Notifier.
package push

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/message"
	"github.com/petervdpas/parley/internal/storage"
)

var log = logging.Logger("push")

var ErrInvalidToken = errors.New("push: user and token are required")

// TokenStore persists device tokens.
type TokenStore interface {
	AddPushToken(ctx context.Context, t storage.PushToken) error
	RemovePushToken(ctx context.Context, userID, token string) error
	PushTokens(ctx context.Context, userID string) ([]storage.PushToken, error)
}

// Notifier is invoked for a message whose recipient had no live connection.
type Notifier interface {
	NotifyOffline(ctx context.Context, recipient string, m *message.Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipient string, m *message.Message)

func (f NotifierFunc) NotifyOffline(ctx context.Context, recipient string, m *message.Message) {
	f(ctx, recipient, m)
}

// Registrar validates and stores device tokens.
type Registrar struct {
	store TokenStore
}

func NewRegistrar(store TokenStore) *Registrar {
	return &Registrar{store: store}
}

func (r *Registrar) Register(ctx context.Context, userID, token, platform string) error {
	if userID == "" || token == "" {
		return ErrInvalidToken
	}
	if err := r.store.AddPushToken(ctx, storage.PushToken{UserID: userID, Token: token, Platform: platform}); err != nil {
		return fmt.Errorf("register push token: %w", err)
	}
	log.Debugf("token registered for %s (%s)", userID, platform)
	return nil
}

func (r *Registrar) Unregister(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return ErrInvalidToken
	}
	return r.store.RemovePushToken(ctx, userID, token)
}

func (r *Registrar) Tokens(ctx context.Context, userID string) ([]storage.PushToken, error) {
	return r.store.PushTokens(ctx, userID)
}

// LogNotifier resolves the recipient's tokens and logs what would be pushed.
type LogNotifier struct {
	reg *Registrar
}

func NewLogNotifier(reg *Registrar) *LogNotifier {
	return &LogNotifier{reg: reg}
}

func (n *LogNotifier) NotifyOffline(ctx context.Context, recipient string, m *message.Message) {
	tokens, err := n.reg.Tokens(ctx, recipient)
	if err != nil {
		log.Warnf("load tokens for %s: %v", recipient, err)
		return
	}
	if len(tokens) == 0 {
		log.Debugf("%s offline with no push tokens, message %s waits for history", recipient, m.ID)
		return
	}
	for _, t := range tokens {
		log.Infof("push %s -> %s [%s] message %s from %s", t.Platform, recipient, t.Token, m.ID, m.Sender)
	}
}
