// Package api exposes the decision engine over HTTP: the TradingView
// webhook endpoint, operator endpoints for live state and metrics, and a
// websocket stream of decision events for dashboards.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gold-decision-engine/internal/engine"
	"gold-decision-engine/internal/metrics"
)

// DecisionEngine is the surface the HTTP layer needs; *engine.Engine in
// production.
type DecisionEngine interface {
	HandleWebhook(ctx context.Context, raw map[string]any) engine.Response
	Status(now time.Time) map[string]any
}

// Config holds HTTP server configuration.
type Config struct {
	Port               int
	WebhookToken       string
	BodyTokenAuth      bool
	MetricsToken       string
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
	AdminUsername      string
	AdminPasswordHash  string
	JWTSecret          string
	JWTTTLMin          int
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	eng        DecisionEngine
	reg        *metrics.Registry
	promh      http.Handler
	hub        *Hub
	limiter    *ipLimiter
	auth       *jwtManager
	cfg        Config
	configEcho map[string]any
	log        zerolog.Logger
}

// NewServer builds the router and starts the websocket hub. configEcho is
// the redacted configuration map included in /status and /metrics bodies.
func NewServer(cfg Config, eng DecisionEngine, reg *metrics.Registry, prom http.Handler, configEcho map[string]any, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		eng:        eng,
		reg:        reg,
		promh:      prom,
		hub:        newHub(log),
		limiter:    newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		auth:       newJWTManager(cfg.JWTSecret, time.Duration(cfg.JWTTTLMin)*time.Minute),
		cfg:        cfg,
		configEcho: configEcho,
		log:        log.With().Str("component", "api").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLog())

	corsConfig := cors.DefaultConfig()
	if allowAllOrigins(cfg.CORSAllowedOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		"Authorization", "X-Webhook-Token", "X-Metrics-Token")
	router.Use(cors.New(corsConfig))

	s.router = router
	s.routes()

	go s.hub.run()
	return s
}

func allowAllOrigins(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) routes() {
	s.router.GET("/ping", s.handlePing)
	s.router.POST("/webhook", s.rateLimit(), s.handleWebhook)
	s.router.POST("/auth/login", s.handleLogin)

	ops := s.router.Group("/", s.operatorGate())
	ops.GET("/status", s.handleStatus)
	ops.GET("/metrics", s.handleMetrics)
	ops.GET("/ws", s.handleWS)
	if s.promh != nil {
		ops.GET("/prometheus", gin.WrapH(s.promh))
	}
}

// Notify forwards an engine decision event to connected websocket clients.
// Wire it to engine.Notify at startup.
func (s *Server) Notify(ev engine.Event) {
	s.hub.BroadcastDecision(ev)
}

// Start runs the HTTP server; it blocks until shutdown or failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLog logs each request with a generated request id.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()
		c.Writer.Header().Set("X-Request-ID", reqID)

		c.Next()

		evt := s.log.Info()
		if c.Request.URL.Path == "/ping" {
			evt = s.log.Debug()
		}
		evt.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "Too many requests"})
			return
		}
		c.Next()
	}
}

const maxTrackedIPs = 4096

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// allow reports whether a request from ip fits in its bucket. A non-positive
// rate disables limiting.
func (l *ipLimiter) allow(ip string) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= maxTrackedIPs {
			l.prune(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

func (l *ipLimiter) prune(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > 10*time.Minute {
			delete(l.entries, ip)
		}
	}
}
