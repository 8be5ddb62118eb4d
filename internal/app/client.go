package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/client"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/outbox"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/util"
)

// messagesEndpoint is where queued sends are replayed.
const messagesEndpoint = "/api/messages"

// Session is one signed-in user: the realtime socket, the offline outbox
// and the call controller sharing that socket.
type Session struct {
	user   string
	client *client.Client
	outbox *outbox.Reconciler
	calls  *call.Controller
	db     *storage.DB

	closeOnce sync.Once
}

// NewSession opens the client store under dataDir. Zero call options pick
// the platform capture devices and a pion peer factory built from cfg.Call.
func NewSession(dataDir string, cfg config.Config, callOpts call.Options) (*Session, error) {
	user, err := util.ValidateUserID(cfg.Client.UserID)
	if err != nil {
		return nil, fmt.Errorf("client.user_id: %w", err)
	}
	db, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open client store: %w", err)
	}

	c := client.New(client.Options{
		ServerURL:      cfg.Client.ServerURL,
		User:           user,
		ReconnectDelay: cfg.Client.ReconnectDelay(),
		AutoConfirm:    true,
	})

	if callOpts.Peers == nil {
		po := call.DefaultPeerOptions()
		po.STUNURLs = cfg.Call.STUNURLs
		po.ICEDisconnected = secs(cfg.Call.ICEDisconnectedSecs)
		po.ICEFailed = secs(cfg.Call.ICEFailedSecs)
		f, err := call.NewPionFactory(po)
		if err != nil {
			db.Close()
			return nil, err
		}
		callOpts.Peers = f
	}
	if callOpts.Sink == nil && cfg.Call.RecordDir != "" {
		callOpts.Sink = call.RecorderSink(util.ResolvePath(dataDir, cfg.Call.RecordDir))
	}
	calls, err := call.New(user, c, callOpts)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Session{
		user:   user,
		client: c,
		outbox: outbox.New(db, outbox.NewHTTPSender(cfg.Client.ServerURL, user)),
		calls:  calls,
		db:     db,
	}, nil
}

func (s *Session) User() string               { return s.user }
func (s *Session) Client() *client.Client     { return s.client }
func (s *Session) Calls() *call.Controller    { return s.calls }
func (s *Session) Outbox() *outbox.Reconciler { return s.outbox }

// Run keeps the socket, outbox replay and call dispatch going until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	up, stop := s.client.Connectivity()
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := s.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("socket: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		s.outbox.Run(ctx, up)
	}()
	go func() {
		defer wg.Done()
		s.calls.Run(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// SendMessage sends over the socket when it is up and queues the request
// for replay otherwise. Both paths carry the same clientId, so a message
// that made it through before the socket dropped is not stored twice.
func (s *Session) SendMessage(ctx context.Context, req proto.SendMessagePayload) (queued bool, err error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	err = s.client.Send(proto.SendMessage, req)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, client.ErrNotConnected) {
		return false, err
	}
	if _, err := s.outbox.Enqueue(ctx, messagesEndpoint, req); err != nil {
		return false, fmt.Errorf("queue message: %w", err)
	}
	log.Infof("offline, message %s queued", req.ClientID)
	return true, nil
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.calls.Terminate()
		if err := s.db.Close(); err != nil {
			log.Warnf("close client store: %v", err)
		}
	})
}
