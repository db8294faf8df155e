// Package admin serves the HTTP operations surface of a world host: health,
// readiness, prometheus metrics and the world status and moderation routes.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/worldsync/internal/node"
	"github.com/danmuck/worldsync/internal/observability"
	"github.com/danmuck/worldsync/internal/protocol"
	"github.com/danmuck/worldsync/internal/replica"
	"github.com/danmuck/worldsync/internal/world"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// World is the part of a hosted world the admin routes need.
type World interface {
	Name() string
	Ready() bool
	Status() world.Status
	Participants() []world.Participant
	Objects() []replica.ObjectInfo
	Kick(ctx context.Context, user protocol.UserID, reason string) error
	Checkpoint() (uint64, error)
}

var _ World = (*world.Authority)(nil)

type Server struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	world    World
	router   *gin.Engine
	basePath string
	http     *http.Server
}

var _ node.Node = (*Server)(nil)

// New builds a standalone admin server with logging, metrics and CORS
// middleware installed.
func New(id, addr string, w World, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		world:    w,
		router:   r,
	}
}

// Attach mounts the admin routes on an existing router under basePath.
func Attach(id string, router *gin.Engine, basePath string, w World) *Server {
	return &Server{
		ID:       id,
		Appeared: time.Now(),
		world:    w,
		router:   router,
		basePath: basePath,
	}
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "worldd"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

type kickRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RegisterRoutes() {
	routes := s.routes()
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"world":   s.world.Name(),
			"version": Version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		ready := s.world.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.ID,
			"version": Version,
		})
	})

	routes.GET("/world", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.world.Status())
	})

	routes.GET("/world/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": s.world.Participants()})
	})

	routes.GET("/world/objects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"objects": s.world.Objects()})
	})

	routes.POST("/participants/:id/kick", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
			return
		}
		var req kickRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "removed by operator"
		}
		if err := s.world.Kick(c.Request.Context(), protocol.UserID(id), req.Reason); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, world.ErrUnknownParticipant) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("node", s.ID).Uint64("user_id", id).Str("reason", req.Reason).Msg("admin: participant kicked")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "user_id": id})
	})

	routes.POST("/world/checkpoint", func(c *gin.Context) {
		v, err := s.world.Checkpoint()
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, world.ErrNoCheckpoints) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state_version": v})
	})
}

// Serve registers the routes and listens on Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	s.http = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("admin: listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() gin.IRoutes {
	if s.basePath == "" {
		return s.router
	}
	return s.router.Group(s.basePath)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
