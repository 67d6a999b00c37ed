// Package server exposes health, metrics and ingestion history while the
// daily schedule runs.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/kpiledger/internal/config"
	"github.com/smallbiznis/kpiledger/internal/observability"
	obslogger "github.com/smallbiznis/kpiledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/kpiledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/kpiledger/internal/observability/tracing"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

const (
	shutdownTimeout = 10 * time.Second
	readyTimeout    = 2 * time.Second
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())
	return r
}

type ServerParams struct {
	fx.In

	Gin     *gin.Engine
	Cfg     config.Config
	DB      *gorm.DB
	Ledger  partitiondomain.Service
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

type Server struct {
	engine  *gin.Engine
	cfg     config.Config
	db      *gorm.DB
	ledger  partitiondomain.Service
	metrics *obsmetrics.PipelineMetrics
}

// NewServer registers every route on the engine.
func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:  p.Gin,
		cfg:     p.Cfg,
		db:      p.DB,
		ledger:  p.Ledger,
		metrics: p.Metrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.Health)
	s.engine.GET("/readyz", s.Ready)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})))

	api := s.engine.Group("/api/v1")
	{
		api.GET("/runs", s.ListRuns)
	}
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the row store answers.
func (s *Server) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		obslogger.FromContext(ctx).Warn("server.ready.db_unreachable", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("server.start", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server.serve_failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
