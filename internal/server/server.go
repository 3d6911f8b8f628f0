// Package server exposes the HTTP API: job submission (sync and async),
// job polling and listing, health probes and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ansible-runner-service/internal/config"
	"ansible-runner-service/internal/gitpolicy"
	"ansible-runner-service/internal/health"
	"ansible-runner-service/internal/queue"
	"ansible-runner-service/internal/runner"
	"ansible-runner-service/internal/store"
)

// jobStore is the slice of the two-tier store the API uses.
type jobStore interface {
	CreateJob(ctx context.Context, req store.NewJob) (*store.Job, error)
	GetJob(ctx context.Context, id string) (*store.Job, error)
}

// jobLister serves the list endpoint from the durable tier.
type jobLister interface {
	List(ctx context.Context, status store.Status, limit, offset int) ([]*store.Job, int, error)
}

// jobQueue hands descriptors to the worker pool.
type jobQueue interface {
	Enqueue(ctx context.Context, d queue.Descriptor) error
}

// syncExecutor runs a descriptor inline for sync submissions.
type syncExecutor interface {
	Execute(ctx context.Context, desc *queue.Descriptor) (*runner.Result, error)
}

// readinessChecker probes the service's dependencies.
type readinessChecker interface {
	Ready(ctx context.Context) health.Readiness
}

// Server wires the HTTP layer to the job store, queue and policy.
type Server struct {
	Router *gin.Engine
	Logger zerolog.Logger

	cfg       *config.Config
	store     jobStore
	lister    jobLister
	queue     jobQueue
	executor  syncExecutor
	policy    *gitpolicy.Policy
	checker   readinessChecker
	validator *RequestValidator
	limiter   *rate.Limiter

	httpServer *http.Server
}

// Deps carries the collaborators the server needs.
type Deps struct {
	Store    jobStore
	Lister   jobLister
	Queue    jobQueue
	Executor syncExecutor
	Policy   *gitpolicy.Policy
	Checker  readinessChecker
}

func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Router:    router,
		Logger:    logger.With().Str("component", "server").Logger(),
		cfg:       cfg,
		store:     deps.Store,
		lister:    deps.Lister,
		queue:     deps.Queue,
		executor:  deps.Executor,
		policy:    deps.Policy,
		checker:   deps.Checker,
		validator: NewRequestValidator(),
		limiter:   rate.NewLimiter(rate.Every(time.Second), cfg.RateLimit),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	return s
}

func (s *Server) registerRoutes() {
	r := s.Router

	r.Use(s.requestLogger())
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	v1.POST("/jobs", s.handleSubmitJob)
	v1.GET("/jobs/:job_id", s.handleGetJob)
	v1.GET("/jobs", s.handleListJobs)

	r.GET("/health/live", s.handleLive)
	r.GET("/health/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// requestLogger logs every request with structured fields.
func (s *Server) requestLogger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.Logger.Info().
			Str("method", param.Method).
			Str("path", param.Path).
			Str("remote_addr", param.ClientIP).
			Int("status", param.StatusCode).
			Int("body_size", param.BodySize).
			Dur("latency", param.Latency).
			Str("error", param.ErrorMessage).
			Msg("HTTP request")
		return ""
	})
}

func (s *Server) Start() error {
	s.Logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info().Msg("Stopping server")
	return s.httpServer.Shutdown(ctx)
}
