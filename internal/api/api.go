// Package api exposes the job lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildos/buildos/internal/artifacts"
	"github.com/buildos/buildos/internal/builder"
	"github.com/buildos/buildos/internal/config"
	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/metrics"
	"github.com/buildos/buildos/internal/models"
	"github.com/buildos/buildos/internal/queue"
	"github.com/buildos/buildos/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var apiLogger = logging.C("api")

// JobQueue is the scheduling surface driven by the mutating endpoints.
type JobQueue interface {
	Enqueue(repoID, gitURI string) (models.Job, error)
	Remove(id string) error
	Kill() (string, error)
}

// Repositories stores the repositories jobs are enqueued for.
type Repositories interface {
	EnsureRepository(gitURI string) (*models.Repository, error)
	GetRepository(id string) (*models.Repository, error)
	ListRepositories() ([]models.Repository, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping() error
}

// Options holds the components the server is built from. Metrics and
// Health are optional.
type Options struct {
	Config       *config.Config
	Queue        JobQueue
	Registry     *registry.Registry
	Repositories Repositories
	Artifacts    *artifacts.Store
	Metrics      *metrics.Collector
	Health       Pinger
}

// Server holds the API server components
type Server struct {
	config    *config.Config
	queue     JobQueue
	registry  *registry.Registry
	repos     Repositories
	artifacts *artifacts.Store
	metrics   *metrics.Collector
	health    Pinger
	router    *gin.Engine
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		config:    opts.Config,
		queue:     opts.Queue,
		registry:  opts.Registry,
		repos:     opts.Repositories,
		artifacts: opts.Artifacts,
		metrics:   opts.Metrics,
		health:    opts.Health,
	}

	// Setup router
	if s.config.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	p := s.router.Group("/pipeline")
	{
		p.POST("/enqueue", s.handleEnqueue)
		p.GET("/tasks", s.handleTasks)
		p.GET("/tasks/:job_id", s.handleTask)
		p.GET("/tasks/:job_id/download", s.handleDownload)
		p.GET("/current", s.handleCurrent)
		p.POST("/kill", s.handleKill)
		p.POST("/remove", s.handleRemove)
		p.GET("/logs_json/:job_id", s.handleLogs)
		p.GET("/stream_logs/:job_id", s.handleStreamLogs)
		p.GET("/ws_logs/:job_id", s.handleWebsocketLogs)
		p.GET("/repositories", s.handleRepositories)
		p.POST("/repositories", s.handleCreateRepository)
	}

	// Health check
	s.router.GET("/health", s.handleHealth)

	if s.metrics != nil && s.config.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on the configured address until ctx is canceled, then
// shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		apiLogger.WithField("addr", srv.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleEnqueue handles POST /pipeline/enqueue
func (s *Server) handleEnqueue(c *gin.Context) {
	var req models.EnqueueRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.RepoID = strings.TrimSpace(req.RepoID)
	req.GitURI = strings.TrimSpace(req.GitURI)

	var repo *models.Repository
	var err error
	switch {
	case req.RepoID != "":
		repo, err = s.repos.GetRepository(req.RepoID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if req.GitURI != "" && req.GitURI != repo.GitURI {
			c.JSON(http.StatusBadRequest, gin.H{"error": "git_uri does not match the repository"})
			return
		}
	case req.GitURI != "":
		if !builder.ValidGitURL(req.GitURI) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid git URI %q", req.GitURI)})
			return
		}
		repo, err = s.repos.EnsureRepository(req.GitURI)
		if err != nil {
			s.respondError(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "repo_id or git_uri is required"})
		return
	}

	job, err := s.queue.Enqueue(repo.ID, repo.GitURI)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.EnqueueResponse{
		JobID:   job.ID,
		Message: fmt.Sprintf("Job %s enqueued for %s.", job.ID, repo.Name),
	})
}

// handleTasks handles GET /pipeline/tasks
func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List(c.Query("repo_id")))
}

// handleTask handles GET /pipeline/tasks/:job_id
func (s *Server) handleTask(c *gin.Context) {
	job, err := s.registry.Get(c.Param("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"job": job}
	if job.Status == models.JobStatusQueued {
		// One-based, matching what users see in the queue.
		resp["queue_position"] = s.registry.Position(job.ID) + 1
	}
	c.JSON(http.StatusOK, resp)
}

// handleCurrent handles GET /pipeline/current
func (s *Server) handleCurrent(c *gin.Context) {
	job, ok := s.registry.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"message": queue.MsgNoJobRunning})
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleKill handles POST /pipeline/kill
func (s *Server) handleKill(c *gin.Context) {
	if s.metrics != nil {
		s.metrics.KillRequested()
	}

	msg, err := s.queue.Kill()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// handleRemove handles POST /pipeline/remove
func (s *Server) handleRemove(c *gin.Context) {
	var req struct {
		JobID string `json:"job_id" form:"job_id"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.JobID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}

	if err := s.queue.Remove(req.JobID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Job %s removed.", req.JobID)})
}

// handleLogs handles GET /pipeline/logs_json/:job_id
func (s *Server) handleLogs(c *gin.Context) {
	afterID, ok := parseAfterID(c)
	if !ok {
		return
	}

	entries, err := s.registry.Logs().ReadAfter(c.Param("job_id"), afterID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// handleDownload handles GET /pipeline/tasks/:job_id/download
func (s *Server) handleDownload(c *gin.Context) {
	job, err := s.registry.Get(c.Param("job_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if job.Status != models.JobStatusFinished {
		s.respondError(c, fmt.Errorf("%w: job %s is %s", models.ErrInvalidState, job.ID, job.Status))
		return
	}
	if !job.HasContent {
		s.respondError(c, fmt.Errorf("%w: job %s produced no artifact", models.ErrNotFound, job.ID))
		return
	}

	f, info, err := s.artifacts.Open(job.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.zip"`, models.RepositoryDir(job.GitURI), job.ID))
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// handleRepositories handles GET /pipeline/repositories
func (s *Server) handleRepositories(c *gin.Context) {
	repos, err := s.repos.ListRepositories()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repos)
}

// handleCreateRepository handles POST /pipeline/repositories
func (s *Server) handleCreateRepository(c *gin.Context) {
	var req models.Repository
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !builder.ValidGitURL(req.GitURI) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid git URI %q", req.GitURI)})
		return
	}

	repo, err := s.repos.EnsureRepository(strings.TrimSpace(req.GitURI))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}

	_, running := s.registry.Current()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"time":         time.Now().Unix(),
		"queue_length": s.registry.QueueLength(),
		"running":      running,
	})
}

// respondError maps an error to its HTTP status.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		apiLogger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// parseAfterID reads the after_id query parameter, answering 400 itself when
// it is malformed.
func parseAfterID(c *gin.Context) (int64, bool) {
	raw := c.DefaultQuery("after_id", "0")
	afterID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || afterID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid after_id %q", raw)})
		return 0, false
	}
	return afterID, true
}

// requestLogger logs every request through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := apiLogger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Microsecond).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request handled")
		} else {
			entry.Debug("Request handled")
		}
	}
}
