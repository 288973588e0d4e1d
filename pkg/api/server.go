package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// VMService is the VM API exposed over HTTP. *manager.Manager implements it.
type VMService interface {
	CreateVM(ctx context.Context, userID uint64) (*types.VM, error)
	ListVMs(ctx context.Context, userID uint64) ([]*types.VM, error)
	GetVM(ctx context.Context, userID, id uint64) (*types.VM, error)
	StartVM(ctx context.Context, userID, id uint64) (*types.VM, error)
	StopVM(ctx context.Context, userID, id uint64) (*types.VM, error)
	RebootVM(ctx context.Context, userID, id uint64) (*types.VM, error)
	ExtendVM(ctx context.Context, userID, id uint64, minutes int) (*types.VM, error)
	ResetVM(ctx context.Context, userID, id uint64) (*types.VM, error)
	DeleteVM(ctx context.Context, userID, id uint64) error
	VNCURL(ctx context.Context, userID, id uint64) (string, error)
}

// NodeLoads reports the cluster's node utilization. *scheduler.Selector
// implements it.
type NodeLoads interface {
	Loads(ctx context.Context) ([]types.NodeLoad, error)
}

// Server serves the HTTP API
type Server struct {
	vms       VMService
	nodes     NodeLoads
	opTimeout time.Duration
	engine    *gin.Engine
	http      *http.Server
	logger    zerolog.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(cfg config.APIConfig, vms VMService, nodes NodeLoads) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		vms:       vms,
		nodes:     nodes,
		opTimeout: cfg.OperationTimeout,
		engine:    gin.New(),
		logger:    log.WithComponent("api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/health", gin.WrapF(metrics.HealthHandler()))
	r.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	r.GET("/live", gin.WrapF(metrics.LivenessHandler()))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/nodes", s.listNodes)

	vms := v1.Group("/vms", RequireUser())
	{
		vms.POST("", s.createVM)
		vms.GET("", s.listVMs)
		vms.GET("/:id", s.getVM)
		vms.DELETE("/:id", s.deleteVM)
		vms.POST("/:id/start", s.startVM)
		vms.POST("/:id/stop", s.stopVM)
		vms.POST("/:id/reboot", s.rebootVM)
		vms.POST("/:id/extend", s.extendVM)
		vms.POST("/:id/reset", s.resetVM)
		vms.GET("/:id/vnc", s.vnc)
	}
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address until Shutdown
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs every request at debug level and failures at warn
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}
