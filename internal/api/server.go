package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/devicemgmt"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-agent/internal/journal"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SessionSource reports the management session.
type SessionSource interface {
	SessionState() devicemgmt.SessionState
}

// QueueSource reports the outbound queue depth.
type QueueSource interface {
	Pending() int
}

// HealthChecker is implemented by the infrastructure clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Session   SessionSource
	Resources *resource.Registry

	// Notifier feeds the WebSocket hub. Optional.
	Notifier *resource.Notifier
	// Journal backs /journal. Optional; the endpoint answers 503 without it.
	Journal journal.Repository
	// Queue reports outbound depth in /metrics. Optional.
	Queue QueueSource
	// Checks are run by /health, keyed by component name.
	Checks map[string]HealthChecker

	Version string
}

// Server is the local status API of the agent.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	session   SessionSource
	resources *resource.Registry
	notifier  *resource.Notifier
	journal   journal.Repository
	queue     QueueSource
	checks    map[string]HealthChecker
	version   string
	startTime time.Time

	server      *http.Server
	hub         *Hub
	unsubscribe func()
	cancel      context.CancelFunc
}

// New creates a server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if deps.Resources == nil {
		return nil, fmt.Errorf("resource registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		session:   deps.Session,
		resources: deps.Resources,
		notifier:  deps.Notifier,
		journal:   deps.Journal,
		queue:     deps.Queue,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.Logger),
	}, nil
}

// Start relays resource events to the hub and starts the HTTP listener in
// the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.relayEvents()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close stops the event relay and shuts the listener down, waiting up to
// 10 seconds for in-flight requests.
func (s *Server) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// relayEvents forwards resource events to the hub.
func (s *Server) relayEvents() {
	if s.notifier != nil && s.unsubscribe == nil {
		s.unsubscribe = s.notifier.Subscribe(s.broadcastResourceEvent)
	}
}

// broadcastResourceEvent runs on the notifier goroutine.
func (s *Server) broadcastResourceEvent(ev resource.Event) {
	s.hub.Broadcast(ChannelResourceChanged, ev)
	s.hub.Broadcast(ChannelResourcePrefix+ev.Resource, ev)
}
