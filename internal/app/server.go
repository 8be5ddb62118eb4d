package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/parley/internal/api"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/delivery"
	"github.com/petervdpas/parley/internal/hub"
	"github.com/petervdpas/parley/internal/presence"
	"github.com/petervdpas/parley/internal/push"
	"github.com/petervdpas/parley/internal/registry"
	"github.com/petervdpas/parley/internal/signaling"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/util"
)

type ServerOptions struct {
	BaseDir string
	CfgPath string
	Cfg     config.Config
}

// Server is the assembled realtime server: one store, one registry, and
// the socket and REST surfaces on a single handler.
type Server struct {
	db       *storage.DB
	reg      *registry.Registry
	presence *presence.Broadcaster
	hub      *hub.Hub
	handler  http.Handler
}

func hubOptions(s config.Server) hub.Options {
	o := hub.DefaultOptions()
	o.ReadLimit = s.ReadLimitBytes
	o.SendQueue = s.SendQueue
	o.PingInterval = s.PingInterval()
	o.PongWait = s.PongWait()
	o.RatePerSec = s.RatePerSec
	o.RateBurst = s.RateBurst
	return o
}

// NewServer opens the store under dataDir and wires every component.
func NewServer(ctx context.Context, dataDir string, cfg config.Server) (*Server, error) {
	db, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	reg := registry.New()
	pres, err := presence.New(ctx, reg, db)
	if err != nil {
		reg.Close()
		db.Close()
		return nil, fmt.Errorf("start presence: %w", err)
	}

	tokens := push.NewRegistrar(db)
	pipeline := delivery.New(db, reg, push.NewLogNotifier(tokens))
	h := hub.New(hubOptions(cfg), reg, pipeline, pres, signaling.New(reg))

	rest := http.NewServeMux()
	api.Register(rest, api.Deps{Messages: pipeline, Push: tokens, Presence: pres})

	// the socket stays outside the metrics wrapper so the upgrade can hijack
	root := http.NewServeMux()
	root.Handle("/ws", h)
	root.Handle("/", api.Metrics(rest))

	return &Server{db: db, reg: reg, presence: pres, hub: h, handler: root}, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

// Apply takes the parts of a reloaded config that can change live.
func (s *Server) Apply(cfg config.Config) {
	if err := setLogLevel(cfg.Log.Level); err != nil {
		log.Warnf("log level: %v", err)
	}
	s.hub.SetRateLimit(cfg.Server.RatePerSec, cfg.Server.RateBurst)
}

// Close drops every connection and releases the store.
func (s *Server) Close(ctx context.Context) {
	s.hub.Shutdown(ctx)
	s.presence.Close()
	s.reg.Close()
	if err := s.db.Close(); err != nil {
		log.Warnf("close store: %v", err)
	}
}

// RunServer serves until ctx ends, reloading live settings when the
// config file changes.
func RunServer(ctx context.Context, opt ServerOptions) error {
	cfg := opt.Cfg
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	dataDir := util.ResolvePath(opt.BaseDir, cfg.Server.DataDir)
	logBanner("server", opt.CfgPath, dataDir)

	srv, err := NewServer(ctx, dataDir, cfg.Server)
	if err != nil {
		return err
	}

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, srv.Apply); err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		srv.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()
	log.Infof("listening on http://%s", ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			srv.Close(context.Background())
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownTimeout)
	defer cancel()
	srv.Close(shutCtx)
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	log.Infof("server stopped")
	return nil
}
