// Package api is the REST front door: job CRUD plus a management surface
// for graceful shutdown.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"timerd/internal/job"
	"timerd/internal/repository"
	"timerd/internal/scheduler"
	"timerd/internal/trigger"
)

const maxBodyBytes = 1 << 20

type Options struct {
	// RateLimit is the sustained requests-per-second budget; zero disables
	// limiting. RateBurst is the burst allowance.
	RateLimit float64
	RateBurst int
	// Shutdown is invoked by POST /v1/management/shutdown. It must not
	// block; the call returns 202 immediately.
	Shutdown func()
}

type Server struct {
	sched     *scheduler.Scheduler
	repo      repository.JobRepository
	validator *Validator
	opts      Options
	log       *zap.SugaredLogger
	engine    *gin.Engine
	srv       *http.Server
}

func NewServer(sched *scheduler.Scheduler, repo repository.JobRepository, validator *Validator, opts Options, log *zap.SugaredLogger) *Server {
	s := &Server{
		sched:     sched,
		repo:      repo,
		validator: validator,
		opts:      opts,
		log:       log.Named("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	if opts.RateLimit > 0 {
		engine.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)))
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", s.readyz)

	v1 := engine.Group("/v1")
	{
		v1.POST("/jobs", s.createJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.PATCH("/jobs/:id", s.patchJob)
		v1.DELETE("/jobs/:id", s.deleteJob)
		v1.POST("/management/shutdown", s.shutdownHandler)
	}

	s.engine = engine
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("listening", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) createJob(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "unreadable body"})
		return
	}
	details, err := job.UnmarshalDetails(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed job payload"})
		return
	}

	// Server-owned fields; whatever the caller sent is discarded.
	details.Status = ""
	details.Retries = 0
	details.ExecutionCounter = 0
	details.ScheduledID = ""
	details.Created = time.Time{}
	details.LastUpdate = time.Time{}

	if err := s.validator.ValidateCreate(details); err != nil {
		s.writeError(c, err)
		return
	}
	stored, err := s.sched.Schedule(c.Request.Context(), details)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJob(c, http.StatusOK, stored)
}

func (s *Server) getJob(c *gin.Context) {
	details, err := s.sched.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJob(c, http.StatusOK, details)
}

func (s *Server) listJobs(c *gin.Context) {
	var (
		jobs []*job.Details
		err  error
	)
	if raw := c.Query("status"); raw != "" {
		statuses := make([]job.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			st := job.Status(strings.ToUpper(strings.TrimSpace(part)))
			if !st.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"message": "unknown status " + string(st)})
				return
			}
			statuses = append(statuses, st)
		}
		jobs, err = s.repo.FindByStatus(c.Request.Context(), statuses...)
	} else {
		jobs, err = s.repo.FindAll(c.Request.Context())
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed limit"})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed offset"})
		return
	}
	jobs = page(jobs, offset, limit)

	encoded := make([]json.RawMessage, 0, len(jobs))
	for _, d := range jobs {
		data, err := job.MarshalDetails(d)
		if err != nil {
			s.writeError(c, err)
			return
		}
		encoded = append(encoded, data)
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   encoded,
		"count":  len(encoded),
		"limit":  limit,
		"offset": offset,
	})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Newf("query %s: %q", name, raw)
	}
	return n, nil
}

func page(jobs []*job.Details, offset, limit int) []*job.Details {
	if offset >= len(jobs) {
		return nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

func (s *Server) patchJob(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "unreadable body"})
		return
	}
	rawTrigger, err := s.validator.ValidatePatch(body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	tr, err := trigger.Unmarshal(rawTrigger)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed trigger"})
		return
	}

	updated, err := s.sched.Reschedule(c.Request.Context(), c.Param("id"), &job.Details{Trigger: tr})
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJob(c, http.StatusOK, updated)
}

func (s *Server) deleteJob(c *gin.Context) {
	canceled, err := s.sched.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeJob(c, http.StatusOK, canceled)
}

func (s *Server) shutdownHandler(c *gin.Context) {
	s.log.Infow("shutdown requested via management endpoint")
	if s.opts.Shutdown != nil {
		go s.opts.Shutdown()
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "shutting down"})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.repo.Exists(ctx, "readyz"); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// writeJob responds with the full job snapshot, trigger included.
func (s *Server) writeJob(c *gin.Context, code int, d *job.Details) {
	data, err := job.MarshalDetails(d)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(code, "application/json", data)
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, scheduler.ErrInvalidScheduleTime),
		errors.Is(err, trigger.ErrInvalidPeriod),
		errors.Is(err, trigger.ErrInvalidExpression):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, repository.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	default:
		s.log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
