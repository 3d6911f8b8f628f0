package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ansible-runner-service/internal/metrics"
	"ansible-runner-service/internal/queue"
	"ansible-runner-service/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (s *Server) handleSubmitJob(c *gin.Context) {
	startTime := time.Now()
	reqLogger := s.Logger.With().
		Str("endpoint", "/api/v1/jobs").
		Str("remote_addr", c.ClientIP()).
		Logger()
	defer func() {
		reqLogger.Info().Dur("duration", time.Since(startTime)).Msg("Job submission completed")
	}()

	if !s.limiter.Allow() {
		reqLogger.Warn().Msg("Rate limit exceeded")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		return
	}

	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reqLogger.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	source, err := s.validator.Validate(&req)
	if err != nil {
		reqLogger.Warn().Err(err).Msg("Request validation failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Git repos must match a configured provider. The worker resolves again
	// when it needs the credential; both sites read the same policy.
	if source.Type == "git" {
		if _, err := s.policy.Resolve(source.Repo); err != nil {
			reqLogger.Warn().Err(err).Str("repo", source.Repo).Msg("Source rejected by provider policy")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Inventory.Git != nil {
		if _, err := s.policy.Resolve(req.Inventory.Git.Repo); err != nil {
			reqLogger.Warn().Err(err).Str("repo", req.Inventory.Git.Repo).Msg("Inventory rejected by provider policy")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if source.Type == "local" && source.Target == "playbook" {
		path := filepath.Join(s.cfg.PlaybooksDir, source.Path)
		if _, err := os.Stat(path); err != nil {
			reqLogger.Warn().Str("playbook", source.Path).Msg("Playbook not found")
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Playbook not found: %s", source.Path)})
			return
		}
	}

	if sync, _ := strconv.ParseBool(c.Query("sync")); sync {
		s.runSync(c, reqLogger, &req, source)
		return
	}

	job, err := s.store.CreateJob(c.Request.Context(), store.NewJob{
		Playbook:  source.DisplayName(),
		ExtraVars: req.ExtraVars,
		Inventory: req.Inventory,
		Options:   req.Options,
		Source:    source,
	})
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	if err := s.queue.Enqueue(c.Request.Context(), queue.Descriptor{
		JobID:        job.ID,
		Playbook:     job.Playbook,
		ExtraVars:    req.ExtraVars,
		Inventory:    req.Inventory,
		SourceConfig: source,
		Options:      req.Options,
	}); err != nil {
		reqLogger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
		return
	}

	metrics.JobsSubmitted.WithLabelValues("async").Inc()
	reqLogger.Info().Str("job_id", job.ID).Str("playbook", job.Playbook).Msg("Job queued")

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

// runSync executes the submission inline and returns the full result.
// Git sources and git inventories need the async materialization path.
func (s *Server) runSync(c *gin.Context, reqLogger zerolog.Logger, req *SubmitJobRequest, source *store.SourceConfig) {
	if source.Type == "git" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sync mode does not support git sources"})
		return
	}
	if req.Inventory.Git != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sync mode does not support git inventory"})
		return
	}

	result, err := s.executor.Execute(c.Request.Context(), &queue.Descriptor{
		Playbook:     source.DisplayName(),
		ExtraVars:    req.ExtraVars,
		Inventory:    req.Inventory,
		SourceConfig: source,
		Options:      req.Options,
	})
	if err != nil {
		reqLogger.Error().Err(err).Msg("Sync execution failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	metrics.JobsSubmitted.WithLabelValues("sync").Inc()
	c.JSON(http.StatusOK, gin.H{
		"status": result.Status,
		"rc":     result.RC,
		"stdout": result.Stdout,
		"stats":  result.Stats,
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	reqLogger := s.Logger.With().Str("job_id", jobID).Logger()

	job, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		reqLogger.Error().Err(err).Msg("Failed to load job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}
	if job == nil {
		reqLogger.Debug().Msg("Job not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	status := store.Status(c.Query("status"))

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
		offset = n
	}

	jobs, total, err := s.lister.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	r := s.checker.Ready(c.Request.Context())
	if !r.Ready {
		reason := "dependencies unavailable"
		switch {
		case !r.Redis.OK && !r.Database.OK:
			reason = "redis and database unavailable"
		case !r.Redis.OK:
			reason = "redis unavailable: " + r.Redis.Error
		case !r.Database.OK:
			reason = "database unavailable: " + r.Database.Error
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"reason": reason,
			"checks": r,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": r,
	})
}
