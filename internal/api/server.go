// Package api exposes the cache over HTTP for processes that cannot embed
// it directly. All cache endpoints require a bearer token; the principal
// extracted from it drives authorization inside the cache, so the API layer
// itself performs no access decisions beyond authentication.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/gencache/pkg/auth"
	"github.com/developer-mesh/gencache/pkg/cache"
	"github.com/developer-mesh/gencache/pkg/observability"
)

// Server wires the cache facade into an HTTP API
type Server struct {
	cache    *cache.Cache
	verifier *auth.TokenVerifier
	engine   *gin.Engine
	logger   observability.Logger
	http     *http.Server
}

// Config holds the HTTP server configuration
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns server defaults
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8280",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// NewServer creates the HTTP server around a started cache
func NewServer(c *cache.Cache, verifier *auth.TokenVerifier, config Config, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewLogger("api")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cache:    c,
		verifier: verifier,
		engine:   engine,
		logger:   logger,
		http: &http.Server{
			Addr:         config.ListenAddr,
			Handler:      engine,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/v1/cache", s.authenticate)
	v1.POST("/get", s.handleGet)
	v1.POST("/put", s.handlePut)
	v1.POST("/invalidate", s.handleInvalidate)
	v1.GET("/stats", s.handleStats)
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("API server listening", map[string]interface{}{
		"addr": s.http.Addr,
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// authenticate extracts and verifies the bearer token, attaching the
// principal to the request context.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	principal, err := s.verifier.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), principal))
	c.Next()
}

type getRequest struct {
	Namespace     string    `json:"namespace" binding:"required"`
	ContentType   string    `json:"content_type" binding:"required"`
	ScopeID       string    `json:"scope_id"`
	PriorityClass string    `json:"priority_class"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

func (r getRequest) toCacheRequest() cache.Request {
	return cache.Request{
		Namespace:     r.Namespace,
		ContentType:   r.ContentType,
		ScopeID:       r.ScopeID,
		PriorityClass: r.PriorityClass,
		Content:       r.Content,
		Embedding:     r.Embedding,
	}
}

func (s *Server) handleGet(c *gin.Context) {
	var req getRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal, _ := auth.PrincipalFromContext(c.Request.Context())
	result, err := s.cache.Get(c.Request.Context(), principal, req.toCacheRequest())
	if err != nil {
		s.writeCacheError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type putRequest struct {
	getRequest
	Payload      string   `json:"payload" binding:"required"`
	QualityScore float64  `json:"quality_score"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func (s *Server) handlePut(c *gin.Context) {
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal, _ := auth.PrincipalFromContext(c.Request.Context())
	err := s.cache.Put(c.Request.Context(), principal, req.toCacheRequest(), req.Payload, req.QualityScore, req.Dependencies)
	if err != nil {
		s.writeCacheError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": true})
}

type invalidateRequest struct {
	ResourceID string `json:"resource_id"`
	KeyPrefix  string `json:"key_prefix"`
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ResourceID == "" && req.KeyPrefix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource_id or key_prefix is required"})
		return
	}

	// Invalidation is namespace-wide and must come from an operator
	principal, _ := auth.PrincipalFromContext(c.Request.Context())
	if principal == nil || !principal.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalidation requires an admin principal"})
		return
	}

	invalidated := 0
	if req.ResourceID != "" {
		invalidated += s.cache.Invalidate(req.ResourceID)
	}
	if req.KeyPrefix != "" {
		invalidated += s.cache.InvalidatePrefix(req.KeyPrefix)
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": invalidated})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"stats":    stats,
		"hit_rate": stats.HitRate(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()

	status := gin.H{"status": "ok"}
	code := http.StatusOK
	if err := s.cache.Health(ctx); err != nil {
		// The cache serves from L1 while the backend is down, so a failed
		// backend is degraded rather than dead.
		status = gin.H{"status": "degraded", "l2": err.Error()}
		code = http.StatusOK
	}
	status["degraded_mode"] = s.cache.Stats().DegradedMode
	c.JSON(code, status)
}

func (s *Server) writeCacheError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cache.ErrInvalidKeyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, cache.ErrPayloadBlocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payload rejected by security scrubbing"})
	case errors.Is(err, cache.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		s.logger.Error("Cache operation failed", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
