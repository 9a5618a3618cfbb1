// Package monitor is the external observation boundary: a REST API over
// flows, jobs, and breakpoints, WebSocket streams pushing periodic snapshots,
// and the Prometheus scrape endpoint.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weave/internal/engine"
	"weave/internal/logging"
)

// ServerConfig tunes the monitoring server.
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	EnableCORS   bool          `json:"enable_cors"`
	Debug        bool          `json:"debug"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PushInterval time.Duration `json:"push_interval"`
	PingInterval time.Duration `json:"ping_interval"`
}

// DefaultServerConfig returns the default monitoring server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "localhost",
		Port:         8080,
		EnableCORS:   true,
		Debug:        false,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PushInterval: time.Second,
		PingInterval: 15 * time.Second,
	}
}

// Server exposes one Runtime over HTTP and WebSocket.
type Server struct {
	runtime *engine.Runtime
	logger  logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *hub

	cfg       *ServerConfig
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the monitoring surface around a runtime. Passing a gatherer
// exposes /metrics from it; nil uses the default registry. Passing the
// EventStream installed on the runtime's hooks lets WebSocket clients see live
// execution events; nil streams periodic snapshots only.
func NewServer(rt *engine.Runtime, cfg *ServerConfig, gatherer prometheus.Gatherer, logger logging.Logger, stream *EventStream) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if stream == nil {
		stream = NewEventStream()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		router.Use(cors.New(corsConfig))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runtime: rt,
		logger:  logging.OrNop(logger),
		engine:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		hub:       stream.hub,
		cfg:       cfg,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	flows := api.Group("/flows")
	{
		flows.GET("", s.handleListFlows)
		flows.POST("", s.handleCreateFlow)
		flows.GET("/:flow_id", s.handleGetFlow)
		flows.DELETE("/:flow_id", s.handleDeleteFlow)
		flows.POST("/:flow_id/validate", s.handleValidateFlow)
		flows.GET("/:flow_id/dsl", s.handleFlowDSL)
	}

	jobs := api.Group("/jobs")
	{
		jobs.POST("", s.handleCreateJob)
		jobs.GET("", s.handleListJobs)
		jobs.GET("/:job_id", s.handleGetJob)
		jobs.POST("/:job_id/pause", s.handlePauseJob)
		jobs.POST("/:job_id/resume", s.handleResumeJob)
		jobs.POST("/:job_id/cancel", s.handleCancelJob)
		jobs.POST("/:job_id/breakpoints", s.handleInstallBreakpoint)
		jobs.GET("/:job_id/breakpoints", s.handleListBreakpoints)
		jobs.DELETE("/:job_id/breakpoints/:routine_id", s.handleRemoveBreakpoint)
		jobs.GET("/:job_id/debug/data", s.handleDebugData)
	}

	ws := api.Group("/ws")
	{
		ws.GET("/jobs/:job_id/monitor", s.handleJobMonitorWS)
		ws.GET("/jobs/:job_id/debug", s.handleJobDebugWS)
		ws.GET("/flows/:flow_id/monitor", s.handleFlowMonitorWS)
	}

	if gatherer == nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	} else {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("monitor listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor server: %w", err)
	}
	return nil
}

// Stop shuts the server down, closing active WebSocket streams.
func (s *Server) Stop() error {
	s.cancel()
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
