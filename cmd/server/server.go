package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/strainwatch/internal/analysis"
	"github.com/ZanzyTHEbar/strainwatch/internal/cache"
	"github.com/ZanzyTHEbar/strainwatch/internal/config"
	"github.com/ZanzyTHEbar/strainwatch/internal/database"
	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
	"github.com/ZanzyTHEbar/strainwatch/internal/middleware"
	"github.com/ZanzyTHEbar/strainwatch/internal/monitoring"
	"github.com/ZanzyTHEbar/strainwatch/internal/privacy"
	"github.com/ZanzyTHEbar/strainwatch/internal/resilience"
	"github.com/ZanzyTHEbar/strainwatch/internal/security"
	"github.com/ZanzyTHEbar/strainwatch/internal/session"
	"github.com/ZanzyTHEbar/strainwatch/internal/stream"
	"github.com/ZanzyTHEbar/strainwatch/internal/types"
)

const (
	version          = "1.0.0"
	modelCacheTTL    = 15 * time.Minute
	purgeInterval    = 24 * time.Hour
	samplerInterval  = 30 * time.Second
	cacheEvictPeriod = 5 * time.Minute
)

// server holds every long-lived component the HTTP handlers use.
type server struct {
	cfg       *config.Config
	db        *database.DB
	repo      *database.Repository
	auth      *database.AuthService
	baselines *analysis.BaselineStore
	models    *cache.ModelCache
	breaker   *resilience.CircuitBreaker
	manager   *session.Manager
	hub       *stream.Hub
	privacy   *privacy.Service
	security  *security.SecurityMiddleware
	compress  *middleware.CompressionMiddleware
	metrics   *monitoring.Metrics
	logger    *monitoring.Logger
}

func newServer(cfg *config.Config, db *database.DB, metrics *monitoring.Metrics, logger *monitoring.Logger) *server {
	repo := database.NewRepository(db)
	baselines := analysis.NewBaselineStore(cfg.BaselineDir)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})
	hub := stream.NewHub(cfg.AllowedOrigins, metrics, logger)

	s := &server{
		cfg:       cfg,
		db:        db,
		repo:      repo,
		auth:      database.NewAuthService(repo, cfg.JWTSecret),
		baselines: baselines,
		breaker:   breaker,
		hub:       hub,
		privacy:   privacy.NewService(repo, baselines, cfg.FrameRetentionDays, metrics, logger),
		security:  security.NewSecurityMiddleware(cfg.SecurityConfig(), metrics, logger),
		compress:  middleware.NewCompressionMiddleware(middleware.DefaultCompressionConfig()),
		metrics:   metrics,
		logger:    logger,
	}
	s.models = cache.NewModelCache(modelCacheTTL, s.loadModel, metrics)
	s.manager = session.NewManager(session.ManagerOptions{
		Config:        cfg.Session,
		Recorder:      repo,
		Publisher:     hub,
		PersistFrames: cfg.PersistFrames,
		Breaker:       breaker,
		Logger:        logger,
		Metrics:       metrics,
	})
	return s
}

func (s *server) loadModel(userID int64) (*analysis.EyeHealthModel, error) {
	b, err := s.baselines.Load(userID)
	if err != nil {
		return nil, err
	}
	return analysis.NewEyeHealthModel(b)
}

// start launches the background workers. They stop when ctx is cancelled.
func (s *server) start(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.models.Run(ctx, cacheEvictPeriod)
	go s.security.Cleanup(ctx)
	go s.privacy.Run(ctx, purgeInterval)
	go monitoring.NewRuntimeSampler(s.metrics, samplerInterval).Run(ctx)
}

// shutdown ends every live session so its final windows are scored and stored.
func (s *server) shutdown(ctx context.Context) {
	closed := s.manager.CloseAll(ctx)
	s.logger.SystemLogger("sessions_closed", strconv.Itoa(closed)+" live sessions ended on shutdown")
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.cfg.SecurityConfig().TrustedProxies); err != nil {
		s.logger.Warn("Invalid trusted proxies", "error", err)
	}

	r.Use(monitoring.MonitoringMiddleware(s.metrics, s.logger))
	r.Use(monitoring.SecurityMonitoringMiddleware(s.logger))
	r.Use(apperrors.ErrorHandler())
	r.Use(apperrors.RecoveryHandler())

	r.Use(s.security.CORS())
	r.Use(s.security.SecurityHeaders)
	r.Use(s.security.RequestTimeout)
	r.Use(s.security.ValidateContentType)
	r.Use(s.security.RateLimitByIP)
	r.Use(s.compress.Handler())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/users", s.handleCreateUser)

	authed := api.Group("", s.security.RequireAuth(s.auth))
	authed.GET("/users/:id/baseline", s.handleGetBaseline)
	authed.PUT("/users/:id/baseline", s.handlePutBaseline)
	authed.DELETE("/users/:id", s.handleDeleteUser)
	authed.GET("/privacy/retention", s.handleRetention)

	authed.POST("/sessions", s.handleStartSession)
	authed.GET("/sessions/:id", s.handleGetSession)
	authed.POST("/sessions/:id/frames", s.handleFrames)
	authed.POST("/sessions/:id/close", s.handleClose)
	authed.GET("/sessions/:id/windows", s.handleWindows)
	authed.GET("/sessions/:id/blinks", s.handleBlinks)
	authed.GET("/sessions/:id/stream", s.handleStream)

	return r
}

func (s *server) handleHealth(c *gin.Context) {
	status := "ok"
	if s.breaker.State() == resilience.StateOpen {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"version":         version,
		"timestamp":       time.Now().Format(time.RFC3339),
		"active_sessions": s.manager.Len(),
		"stream_clients":  s.hub.ClientCount(),
		"storage_breaker": s.breaker.State().String(),
		"database":        s.db.GetPoolStats(),
		"model_cache":     s.models.Stats(),
		"compression":     s.compress.GetStats(),
		"metrics":         s.metrics.GetStats(),
	})
}

func (s *server) handleCreateUser(c *gin.Context) {
	var req types.CreateUserRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			c.Error(err)
			return
		}
	}

	user, token, err := s.auth.RegisterUser(c.Request.Context(), req.Metadata)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, types.CreateUserResponse{UserID: user.ID, Token: token})
}

func (s *server) handleGetBaseline(c *gin.Context) {
	userID, err := ownUserID(c)
	if err != nil {
		c.Error(err)
		return
	}
	b, err := s.baselines.Load(userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *server) handlePutBaseline(c *gin.Context) {
	userID, err := ownUserID(c)
	if err != nil {
		c.Error(err)
		return
	}
	var b analysis.Baseline
	if err := bindJSON(c, &b); err != nil {
		c.Error(err)
		return
	}
	if err := s.baselines.Save(userID, b); err != nil {
		c.Error(err)
		return
	}
	s.models.Invalidate(userID)
	c.JSON(http.StatusOK, b)
}

func (s *server) handleDeleteUser(c *gin.Context) {
	userID, err := ownUserID(c)
	if err != nil {
		c.Error(err)
		return
	}

	for _, id := range s.manager.SessionsFor(userID) {
		if _, err := s.manager.End(c.Request.Context(), id, time.Time{}); err != nil {
			s.logger.Warn("Failed to end session before deletion", "session_id", id, "error", err)
		}
	}

	report, err := s.privacy.DeleteUserData(c.Request.Context(), userID)
	s.models.Invalidate(userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) handleRetention(c *gin.Context) {
	c.JSON(http.StatusOK, s.privacy.RetentionInfo())
}

func (s *server) handleStartSession(c *gin.Context) {
	userID, _ := security.UserID(c)

	var req types.StartSessionRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			c.Error(err)
			return
		}
	}
	if req.FPS < 0 {
		c.Error(apperrors.NewValidationError("fps must not be negative", req.FPS))
		return
	}

	model, err := s.modelFor(userID, req.Baseline)
	if err != nil {
		c.Error(err)
		return
	}

	record, err := s.repo.CreateSession(c.Request.Context(), userID, time.Now().UTC(), req.FPS, req.DeviceInfo)
	if err != nil {
		c.Error(err)
		return
	}
	if _, err := s.manager.Start(record.ID, userID, model); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session":       record,
		"window_length": s.cfg.Session.WindowLength.String(),
		"baseline":      model.Baseline(),
	})
}

// modelFor prefers a baseline sent with the request over the stored one.
func (s *server) modelFor(userID int64, flat map[string]float64) (*analysis.EyeHealthModel, error) {
	if len(flat) == 0 {
		return s.models.Get(userID)
	}
	b, err := analysis.BaselineFromFlat(flat)
	if err != nil {
		return nil, err
	}
	return analysis.NewEyeHealthModel(b)
}

func (s *server) handleGetSession(c *gin.Context) {
	record, err := s.ownSession(c)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *server) handleFrames(c *gin.Context) {
	record, err := s.ownSession(c)
	if err != nil {
		c.Error(err)
		return
	}
	if !record.Active() {
		c.Error(apperrors.NewSessionClosedError(record.ID))
		return
	}

	var req types.FramesRequest
	if err := bindJSON(c, &req); err != nil {
		c.Error(err)
		return
	}

	result, err := s.manager.Ingest(c.Request.Context(), record.ID, req.Frames)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) handleClose(c *gin.Context) {
	record, err := s.ownSession(c)
	if err != nil {
		c.Error(err)
		return
	}
	if !record.Active() {
		c.Error(apperrors.NewSessionClosedError(record.ID))
		return
	}

	var req types.CloseSessionRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			c.Error(err)
			return
		}
	}
	var end time.Time
	if req.EndTime != nil {
		end = *req.EndTime
	}

	result, err := s.manager.End(c.Request.Context(), record.ID, end)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) handleWindows(c *gin.Context) {
	record, err := s.ownSession(c)
	if err != nil {
		c.Error(err)
		return
	}
	windows, err := s.repo.ListWindowMetrics(c.Request.Context(), record.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": record.ID, "windows": windows})
}

func (s *server) handleBlinks(c *gin.Context) {
	record, err := s.ownSession(c)
	if err != nil {
		c.Error(err)
		return
	}
	blinks, err := s.repo.ListBlinkEvents(c.Request.Context(), record.ID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": record.ID, "blinks": blinks})
}

func (s *server) handleStream(c *gin.Context) {
	record, err := s.ownSession(c)
	if err != nil {
		c.Error(err)
		return
	}
	if err := s.hub.Serve(c.Writer, c.Request, record.ID); err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Debug("Stream upgrade failed", "session_id", record.ID, "error", err)
	}
}

// ownSession loads the session named in the path. Sessions of other users
// are reported as missing.
func (s *server) ownSession(c *gin.Context) (*database.Session, error) {
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	userID, _ := security.UserID(c)

	record, err := s.repo.GetSession(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, apperrors.NewNotFoundError("session", id)
	}
	return record, nil
}

// ownUserID returns the path user id when it matches the token.
func ownUserID(c *gin.Context) (int64, error) {
	id, err := pathID(c)
	if err != nil {
		return 0, err
	}
	if userID, _ := security.UserID(c); userID != id {
		return 0, apperrors.NewNotFoundError("user", id)
	}
	return id, nil
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("invalid id", c.Param("id"))
	}
	return id, nil
}

// bindJSON decodes the body, keeping domain errors raised while decoding.
func bindJSON(c *gin.Context, v interface{}) error {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.NewValidationError("invalid request body", err.Error())
}
