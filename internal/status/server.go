// Package status serves a read-only HTTP view of a running modem engine.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/modemctl/internal/auth"
	"github.com/danmuck/modemctl/internal/modem"
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// handlerTimeout bounds each loop round trip made by a handler.
const handlerTimeout = 2 * time.Second

type Server struct {
	name    string
	client  *modem.Client
	src     modem.Source
	started time.Time
	router  *gin.Engine
}

// New builds the router for src. When token is set every route but /health
// requires it.
func New(name string, client *modem.Client, src modem.Source, token auth.Token) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(auth.Middleware(token, "/health"))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:    name,
		client:  client,
		src:     src,
		started: time.Now(),
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		snap, err := s.snapshot(c)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
		code := http.StatusOK
		if !snap.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":     snap.Ready,
			"transport": snap.Transport,
			"uptime":    time.Since(s.started).String(),
		})
	})

	s.router.GET("/services", func(c *gin.Context) {
		snap, err := s.snapshot(c)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	s.router.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": s.client.Pending(), "capacity": s.client.Capacity()})
	})
}

func (s *Server) snapshot(c *gin.Context) (modem.Snapshot, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()
	return s.client.Snapshot(ctx, s.src)
}

// Serve runs an HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
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
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("addr", addr).Msg("status server stopped")
		return nil
	}
}
