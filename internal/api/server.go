// Package api exposes a pool engine over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shieldpool/internal/fault"
	"shieldpool/internal/metrics"
	"shieldpool/internal/pool"
	"shieldpool/internal/remote"
)

const requestIDHeader = "X-Request-ID"

// Options configures a Server.
type Options struct {
	Engine *pool.Engine
	// Auth checks signed requests. A nil Auth uses NewAuthenticator(0).
	Auth    *Authenticator
	Limiter *OwnerLimiter
	Health  *HealthChecker
	Metrics *metrics.Collector
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// Node, when set, also answers peer messages on POST /message.
	Node           *remote.Node
	RequestTimeout time.Duration
	Log            zerolog.Logger
}

// Server is the HTTP surface of one pool.
type Server struct {
	engine  *pool.Engine
	auth    *Authenticator
	limiter *OwnerLimiter
	health  *HealthChecker
	metrics *metrics.Collector
	log     zerolog.Logger
	timeout time.Duration
	router  *gin.Engine
}

// New builds the router.
func New(opts Options) (*Server, error) {
	s := &Server{
		engine:  opts.Engine,
		auth:    opts.Auth,
		limiter: opts.Limiter,
		health:  opts.Health,
		metrics: opts.Metrics,
		log:     opts.Log.With().Str("component", "api").Logger(),
		timeout: opts.RequestTimeout,
	}
	if s.health == nil {
		s.health = NewHealthChecker("dev")
	}
	if s.auth == nil {
		var err error
		if s.auth, err = NewAuthenticator(0); err != nil {
			return nil, err
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID, s.observe)
	if s.timeout > 0 {
		r.Use(s.deadline)
	}

	r.GET("/healthz", s.getHealth)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if opts.Node != nil {
		opts.Node.Routes(r)
	}

	v1 := r.Group("/v1")
	v1.GET("/pool", s.getState)
	v1.GET("/pool/tree", s.getTree)
	v1.GET("/pool/roots/:root", s.getRoot)
	v1.GET("/pool/nullifiers/:nullifier", s.getNullifier)
	v1.GET("/keys", s.listKeys)
	v1.POST("/keys", s.authenticate, s.registerKey)
	v1.POST("/keys/revoke", s.authenticate, s.revokeKey)
	v1.POST("/keys/activate", s.authenticate, s.activateKey)

	vault := v1.Group("/vaults/:owner", s.authenticate, s.ownerOnly, s.limit)
	vault.GET("/operations", s.listOperations)
	vault.POST("/operations", s.prepare)
	vault.POST("/batch", s.applyBatch)
	vault.DELETE("/operations/failed", s.purge)
	vault.GET("/operations/:id", s.getOperation)
	vault.POST("/operations/:id/:action", s.transition)

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(requestIDHeader, id)
	c.Next()
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	took := time.Since(start)
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	s.metrics.RecordRequest(c.Request.Method, route, c.Writer.Status(), took)

	ev := s.log.Debug()
	if c.Writer.Status() >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Str("request_id", c.GetString("request_id")).
		Str("method", c.Request.Method).
		Str("route", route).
		Int("status", c.Writer.Status()).
		Dur("took", took).
		Msg("request")
}

func (s *Server) deadline(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func (s *Server) limit(c *gin.Context) {
	if s.limiter == nil {
		c.Next()
		return
	}
	owner := c.Param("owner")
	if !s.limiter.Allow(owner) {
		s.metrics.RecordRateLimited("api")
		s.fail(c, fault.New(fault.KindResourceExhausted, "too many requests for "+owner))
		c.Abort()
		return
	}
	c.Next()
}

type errorBody struct {
	Error remote.ErrorReply `json:"error"`
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(fault.HTTPStatus(err), errorBody{Error: remote.ErrorReply{
		Kind:    fault.KindOf(err).String(),
		Message: err.Error(),
	}})
}

func (s *Server) getHealth(c *gin.Context) {
	h := s.health.CheckHealth(c.Request.Context())
	code := http.StatusOK
	if h.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}
