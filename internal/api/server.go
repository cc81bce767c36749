package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/telemetry-bridge/internal/session"
	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// shutdownTimeout bounds how long Close waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

var (
	// ErrLoggerRequired is returned by New when Deps.Logger is nil.
	ErrLoggerRequired = errors.New("api: logger is required")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("api: server already started")

	// ErrNotStarted is returned by HealthCheck before Start.
	ErrNotStarted = errors.New("api: server not started")
)

// SessionSource reports the broker session state.
type SessionSource interface {
	Status() session.Status
}

// RecordSource is the read side of the persistence sink.
type RecordSource interface {
	HealthCheck(ctx context.Context) error
	RecentRecords(ctx context.Context, limit int) ([]telemetry.Record, error)
}

// Deps holds what the server reports on. Only Logger is required.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger

	// Mode is reported in the status document ("consume" or "produce").
	Mode string

	Session SessionSource
	Records RecordSource // nil in producer processes

	// Stats returns per-component counters for the status document.
	Stats func() map[string]any

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Hub feeds the WebSocket endpoint. Default: a new hub from WS.
	Hub *Hub

	Version string
}

// Server is the operational HTTP endpoint of a bridge process: probes,
// status, recent records, Prometheus metrics and the live feed.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg      config.APIConfig
	wsPath   string
	logger   *logging.Logger
	mode     string
	session  SessionSource
	records  RecordSource
	stats    func() map[string]any
	gatherer prometheus.Gatherer
	hub      *Hub
	version  string
	started  time.Time

	mu       sync.Mutex
	httpSrv  *http.Server
	addr     string
	stopFeed context.CancelFunc
}

// New creates a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, ErrLoggerRequired
	}

	s := &Server{
		cfg:      deps.Config,
		wsPath:   deps.WS.Path,
		logger:   deps.Logger,
		mode:     deps.Mode,
		session:  deps.Session,
		records:  deps.Records,
		stats:    deps.Stats,
		gatherer: deps.Gatherer,
		hub:      deps.Hub,
		version:  deps.Version,
		started:  time.Now(),
	}
	if s.wsPath == "" {
		s.wsPath = defaultWSPath
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the hub behind the live feed, for registration as a sink
// observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background. The bind is
// synchronous so a port conflict fails startup instead of being logged
// from a goroutine.
//
// Parameters:
//   - ctx: Cancelling it disconnects live feed clients
//
// Returns:
//   - error: ErrAlreadyStarted, or the bind failure
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return ErrAlreadyStarted
	}

	t := s.cfg.Timeouts
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: time.Duration(t.Read) * time.Second,
		ReadTimeout:       time.Duration(t.Read) * time.Second,
		WriteTimeout:      time.Duration(t.Write) * time.Second,
		IdleTimeout:       time.Duration(t.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("binding API listener %s: %w", srv.Addr, err)
	}

	feedCtx, stop := context.WithCancel(ctx)
	go s.hub.Run(feedCtx)

	s.httpSrv, s.addr, s.stopFeed = srv, ln.Addr().String(), stop
	s.logger.Info("API server listening", "address", s.addr, "feed", s.wsPath)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close disconnects feed clients and shuts the server down, waiting up to
// 10 seconds for in-flight requests. It is a no-op before Start.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, stop := s.httpSrv, s.stopFeed
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports ErrNotStarted before Start and ctx's error if it is
// already done.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return ErrNotStarted
	}
	return nil
}
