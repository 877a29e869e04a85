package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-hass/internal/hass"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hass/internal/journal"
	"github.com/nerrad567/gray-logic-hass/internal/relay"
)

const (
	// gracefulShutdownTimeout bounds how long Close waits for in-flight
	// requests.
	gracefulShutdownTimeout = 10 * time.Second

	// componentCheckTimeout bounds each optional component health check.
	componentCheckTimeout = 2 * time.Second
)

// Session is the WebSocket transport as seen by the status endpoints.
type Session interface {
	State() hass.State
	IsConnected() bool
	Stats() hass.WSStats
}

// RESTStatus is the REST transport as seen by the status endpoints.
type RESTStatus interface {
	IsConnected() bool
	Stats() hass.RESTStats
}

// HealthChecker is implemented by the optional infrastructure clients
// (MQTT, InfluxDB, SQLite).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Version string

	Session Session
	REST    RESTStatus

	// Optional. Nil values are reported as "disabled".
	Journal    journal.Repository
	Recorder   *journal.Recorder
	Relay      *relay.Relay
	Components map[string]HealthChecker
}

// Server is the status HTTP server.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	version    string
	session    Session
	rest       RESTStatus
	journal    journal.Repository
	recorder   *journal.Recorder
	relay      *relay.Relay
	components map[string]HealthChecker
	startTime  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies. The server is
// not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("websocket session is required")
	}
	if deps.REST == nil {
		return nil, fmt.Errorf("rest client is required")
	}

	components := make(map[string]HealthChecker, len(deps.Components))
	for name, c := range deps.Components {
		if c != nil {
			components[name] = c
		}
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		version:    deps.Version,
		session:    deps.Session,
		rest:       deps.REST,
		journal:    deps.Journal,
		recorder:   deps.Recorder,
		relay:      deps.Relay,
		components: components,
		startTime:  time.Now(),
	}, nil
}

// Start binds the listener and serves in a background goroutine. Binding
// errors (port in use) are returned directly.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

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

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

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

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
