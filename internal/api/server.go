package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sensemap/sensemap-core/internal/audit"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/infrastructure/config"
	"github.com/sensemap/sensemap-core/internal/infrastructure/logging"
	"github.com/sensemap/sensemap-core/internal/infrastructure/metrics"
	"github.com/sensemap/sensemap-core/internal/measurement"
	"github.com/sensemap/sensemap-core/internal/query"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// errorNotifyInterval is the minimum gap between two 5xx notifications.
const errorNotifyInterval = time.Minute

// Database is the subset of the storage handle used by /health.
type Database interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// MeasurementCounter supplies the /stats counters.
type MeasurementCounter interface {
	Count(ctx context.Context) (int, error)
	CountSince(ctx context.Context, t time.Time) (int, error)
}

// FirmwareFiles opens rendered firmware files.
type FirmwareFiles interface {
	Open(boxID string) (*os.File, error)
}

// ConnectionStatus reports whether an optional transport is connected.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config       config.APIConfig
	WS           config.WebSocketConfig
	Stats        config.StatsConfig
	Logger       *logging.Logger
	Registry     *box.Registry
	Ingestor     *measurement.Ingestor
	Query        *query.Engine
	Measurements MeasurementCounter
	Firmware     FirmwareFiles
	Audit        audit.Repository
	Notifier     box.Notifier
	Metrics      *metrics.Metrics
	DB           Database
	MQTT         ConnectionStatus
	ExternalHub  *Hub // If set, the server uses this hub instead of creating its own
	Version      string
}

// Server is the HTTP API server of sensemap-core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	logger       *logging.Logger
	registry     *box.Registry
	ingestor     *measurement.Ingestor
	query        *query.Engine
	measurements MeasurementCounter
	firmware     FirmwareFiles
	auditRepo    audit.Repository
	notifier     box.Notifier
	metrics      *metrics.Metrics
	db           Database
	mqtt         ConnectionStatus
	version      string
	startTime    time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()

	statsCache  *cache.Cache
	statsGroup  singleflight.Group
	clientLimit *cache.Cache // per-IP ingestion limiters
	errNotify   *rate.Limiter
	now         func() time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("box registry is required")
	}
	if deps.Ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if deps.Query == nil {
		return nil, fmt.Errorf("query engine is required")
	}

	statsTTL := time.Duration(deps.Stats.CacheTTL) * time.Second
	if statsTTL <= 0 {
		statsTTL = time.Minute
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		logger:       deps.Logger,
		registry:     deps.Registry,
		ingestor:     deps.Ingestor,
		query:        deps.Query,
		measurements: deps.Measurements,
		firmware:     deps.Firmware,
		auditRepo:    deps.Audit,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		db:           deps.DB,
		mqtt:         deps.MQTT,
		version:      deps.Version,
		startTime:    time.Now(),
		statsCache:   cache.New(statsTTL, 2*statsTTL),
		clientLimit:  cache.New(10*time.Minute, 5*time.Minute),
		errNotify:    rate.NewLimiter(rate.Every(errorNotifyInterval), 1),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	} else {
		s.hub = NewHub(s.wsCfg, s.logger)
		if s.metrics != nil {
			s.hub.SetClientGauge(s.metrics.WebSocketClients)
		}
	}

	return s, nil
}

// Hub returns the WebSocket hub. Register it as an ingestion observer to
// feed the live stream.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
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

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string) {}
