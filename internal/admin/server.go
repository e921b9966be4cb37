package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgewire/internal/auth"
	"github.com/danmuck/edgewire/internal/observability"
	"github.com/danmuck/edgewire/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Source is the transport front end an admin surface reports on.
type Source interface {
	Connections() []transport.ConnectionInfo
}

// Readiness is implemented by front ends that can be up or down.
type Readiness interface {
	IsRunning() bool
}

// Disconnecter is implemented by front ends that can drop a single peer.
type Disconnecter interface {
	DisconnectClient(h transport.Handle)
}

// Server exposes health, readiness, connections and metrics over HTTP.
type Server struct {
	ID       string
	Addr     string
	Mode     string
	Appeared time.Time

	source Source
	router *gin.Engine
	guard  auth.Validator
}

// Option customizes a Server at construction.
type Option func(*Server)

// WithToken guards mutating routes with a shared bearer token.
func WithToken(token string) Option {
	return func(s *Server) {
		if token != "" {
			s.guard = auth.StaticToken{Token: token}
		}
	}
}

func New(id, addr, mode string, source Source, corsOrigins []string, opts ...Option) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Mode:     mode,
		Appeared: time.Now(),
		source:   source,
		router:   r,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"mode":    s.Mode,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := true
		switch r := s.source.(type) {
		case Readiness:
			ready = r.IsRunning()
		case interface{ IsConnected() bool }:
			ready = r.IsConnected()
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"service": s.ID,
			"mode":    s.Mode,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/connections", func(c *gin.Context) {
		conns := s.source.Connections()
		c.JSON(http.StatusOK, gin.H{
			"count":       len(conns),
			"connections": conns,
		})
	})

	s.router.POST("/connections/:handle/disconnect", s.requireToken(), func(c *gin.Context) {
		d, ok := s.source.(Disconnecter)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "mode cannot disconnect peers"})
			return
		}
		raw, err := strconv.ParseUint(c.Param("handle"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handle"})
			return
		}
		h := transport.Handle(raw)
		if !hasHandle(s.source.Connections(), h) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown handle"})
			return
		}
		d.DisconnectClient(h)
		log.Info().Str("admin", s.ID).Stringer("handle", h).Msg("peer disconnected by admin")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "handle": h})
	})
}

// Serve runs the HTTP listener until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("admin", s.ID).Str("addr", ln.Addr().String()).Msg("admin listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requireToken rejects requests without a valid bearer token. Without a
// configured guard every request passes.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.guard == nil {
			c.Next()
			return
		}
		token, _ := auth.BearerToken(c.GetHeader("Authorization"))
		if err := s.guard.Validate(token); err != nil {
			log.Warn().Str("admin", s.ID).Str("path", c.FullPath()).Msg("admin request unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func hasHandle(conns []transport.ConnectionInfo, h transport.Handle) bool {
	for _, c := range conns {
		if c.Handle == h {
			return true
		}
	}
	return false
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		out = append(out, origin)
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
