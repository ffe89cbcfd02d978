package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/musterhq/muster/pkg/bundle"
	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/connmgr"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/reconciler"
	"github.com/musterhq/muster/pkg/scheduler"
	"github.com/musterhq/muster/pkg/signal"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/storage"
)

// Server assembles the control plane: state, sessions, signaling,
// scheduling, reconciliation, and the HTTP surfaces.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	persist    storage.Store
	fetcher    bundle.Fetcher
	store      *state.Store
	broker     *events.Broker
	auth       connmgr.Authenticator
	conns      *connmgr.Manager
	router     *signal.Router
	bundles    *bundle.Distributor
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler

	channelSrv *http.Server
	metricsSrv *http.Server
	upgrader   websocket.Upgrader
}

// Option overrides a default collaborator before wiring.
type Option func(*Server)

// WithAuthenticator replaces the built-in token manager with an
// external identity collaborator.
func WithAuthenticator(auth connmgr.Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithPersistence replaces the default bbolt record store.
func WithPersistence(p storage.Store) Option {
	return func(s *Server) { s.persist = p }
}

// WithFetcher sets the bundle origin transport.
func WithFetcher(f bundle.Fetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// New wires a control plane from configuration. Nothing runs until
// Run is called.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  log.WithComponent("server"),
		fetcher: &bundle.HTTPFetcher{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Nodes dial out from anywhere; the join token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.auth == nil {
		s.auth = NewTokenManager("")
	}
	if s.persist == nil {
		persist, err := storage.NewBoltStore(cfg.Listen.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open record store: %w", err)
		}
		s.persist = persist
	}

	s.broker = events.NewBroker()
	store, err := state.NewStore(
		state.WithPersistence(s.persist),
		state.WithBroker(s.broker),
	)
	if err != nil {
		return nil, err
	}
	s.store = store

	bundles, err := bundle.NewDistributor(cfg.Bundle, s.fetcher)
	if err != nil {
		return nil, err
	}
	s.bundles = bundles

	s.conns = connmgr.NewManager(cfg.Session, s.auth, connmgr.WithBroker(s.broker))
	cmd := newCommander(s.store, s.conns, s.bundles)
	s.scheduler = scheduler.New(s.store, cfg.Sched, cmd)
	s.reconciler = reconciler.New(s.store, s.scheduler, cmd, cfg.Recon, cfg.Session.PingInterval)
	s.router = signal.NewRouter(s.store, s.conns, signal.WithBroker(s.broker))

	s.registerHandlers()
	s.router.Register(s.conns)

	channelMux := http.NewServeMux()
	channelMux.HandleFunc("/channel", s.handleChannel)
	s.channelSrv = &http.Server{Addr: cfg.Listen.Addr, Handler: channelMux}

	metricsMux := s.adminMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/health", metrics.HealthHandler())
	metricsMux.HandleFunc("/ready", metrics.ReadyHandler())
	metricsMux.HandleFunc("/live", metrics.LivenessHandler())
	s.metricsSrv = &http.Server{Addr: cfg.Listen.MetricsAddr, Handler: metricsMux}

	return s, nil
}

// handleChannel upgrades an HTTP request into a session on the message
// channel.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.conns.Accept(connmgr.NewWebsocketConn(conn, s.cfg.Session.MaxMessageSize))
}

// Run starts every subsystem and blocks until the context is cancelled
// or a listener fails. Teardown runs in reverse dependency order.
func (s *Server) Run(ctx context.Context) error {
	s.broker.Start()
	s.reconciler.Start()

	metrics.RegisterComponent("state", true, "")
	metrics.RegisterComponent("connmgr", true, "")
	metrics.RegisterComponent("reconciler", true, "")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.Listen.Addr).Msg("serving message channel")
		if err := s.channelSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.Listen.MetricsAddr).Msg("serving admin and metrics")
		if err := s.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	s.logger.Info().Msg("control plane stopped")
	return err
}

// shutdown drains in reverse dependency order: reconciler first so no
// new commands start, then sessions, then the broker, then the store.
func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.reconciler.Stop()
	s.conns.Stop()
	_ = s.channelSrv.Shutdown(shutdownCtx)
	_ = s.metricsSrv.Shutdown(shutdownCtx)
	s.broker.Stop()
	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close state store")
	}
}

// Store exposes the cluster state for in-process callers (tests, CLI
// embedding).
func (s *Server) Store() *state.Store { return s.store }

// Tokens returns the built-in token manager, or nil when an external
// authenticator is wired.
func (s *Server) Tokens() *TokenManager {
	tm, _ := s.auth.(*TokenManager)
	return tm
}
