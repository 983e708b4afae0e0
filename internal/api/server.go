package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/commongrow/garden-core/internal/audit"
	"github.com/commongrow/garden-core/internal/credential"
	"github.com/commongrow/garden-core/internal/dashboard"
	"github.com/commongrow/garden-core/internal/guard"
	"github.com/commongrow/garden-core/internal/infrastructure/config"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/notify"
	"github.com/commongrow/garden-core/internal/session"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// HealthCheck is a named dependency probe reported by GET /health.
type HealthCheck func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.AgentConfig
	Logger   *logging.Logger
	Store    *session.Store
	Verifier *credential.Verifier
	Guard    *guard.Guard
	Resolver *dashboard.Resolver
	Channel  *notify.Channel

	// Audit serves GET /audit; optional.
	Audit audit.Repository

	// Gatherer serves GET /metrics; optional.
	Gatherer prometheus.Gatherer

	// Checks are probed by GET /health; optional.
	Checks map[string]HealthCheck

	Version string
}

// Server is the local agent HTTP server.
type Server struct {
	cfg      config.AgentConfig
	logger   *logging.Logger
	store    *session.Store
	verifier *credential.Verifier
	guard    *guard.Guard
	resolver *dashboard.Resolver
	channel  *notify.Channel
	audit    audit.Repository
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	version  string

	hub *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	unsubs   []func()
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("session store is required")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("credential verifier is required")
	case deps.Guard == nil:
		return nil, fmt.Errorf("route guard is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("dashboard resolver is required")
	case deps.Channel == nil:
		return nil, fmt.Errorf("notification channel is required")
	}

	logger := deps.Logger.With("component", "api")
	return &Server{
		cfg:      deps.Config,
		logger:   logger,
		store:    deps.Store,
		verifier: deps.Verifier,
		guard:    deps.Guard,
		resolver: deps.Resolver,
		channel:  deps.Channel,
		audit:    deps.Audit,
		gatherer: deps.Gatherer,
		checks:   deps.Checks,
		version:  deps.Version,
		hub:      NewHub(deps.Config.WebSocket, logger, deps.Guard),
	}, nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener, starts the hub and begins relaying session,
// dashboard and notification changes to UI clients. Serving happens in
// the background; use Close to stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)
	s.unsubs = s.relayChanges()

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", ln.Addr().String())
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops relaying, disconnects UI clients and waits up to ten seconds
// for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	unsubs := s.unsubs
	s.unsubs = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// relayChanges forwards component changes to hub channels.
func (s *Server) relayChanges() []func() {
	return []func(){
		s.store.Subscribe(func(c session.Change) {
			s.hub.Broadcast(ChannelSession, c.Current)
		}),
		s.resolver.Subscribe(func(plan dashboard.Plan, ok bool) {
			s.hub.Broadcast(ChannelDashboard, dashboardBody(plan, ok, s.resolver.View()))
		}),
		s.channel.Subscribe(func(snap notify.Snapshot) {
			s.hub.Broadcast(ChannelNotifications, snap)
		}),
	}
}
