// Package server exposes a blog's sync protocol over HTTP and accepts
// signed push notifications that trigger a sync from the configured remote.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/schaermu/blogsync/internal/config"
	blogsync "github.com/schaermu/blogsync/internal/sync"
)

// Syncer is the part of the sync client the push hook drives.
type Syncer interface {
	Check(ctx context.Context, blogURL string) (*blogsync.CheckResult, error)
	Pull(ctx context.Context, blogURL, password string) (*blogsync.PullResult, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	// Source serves /sync/manifest and /sync/snapshot.
	Source blogsync.Source
	// Syncer handles push notifications. Nil disables /hooks/push.
	Syncer Syncer
	// WebhookSecret signs push notifications. Empty disables /hooks/push.
	WebhookSecret []byte
	// PullPassword is used for automatic pulls so drafts come along.
	PullPassword string
	Logger       *slog.Logger
}

// Server is the sync HTTP API.
type Server struct {
	cfg         *config.Config
	deps        Deps
	logger      *slog.Logger
	echo        *echo.Echo
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool
	syncPending bool
	debounce    *debouncer
}

// NewServer creates a server and registers its routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		debounce: &debouncer{delay: 2 * time.Second},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = echo.ExtractIPDirect()
	if cfg.Serve.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(NewRateLimiter(cfg.Serve.RateLimit).Middleware())

	e.GET("/healthz", s.handleHealth)
	e.GET("/sync/manifest", s.handleManifest)
	e.GET("/sync/snapshot", s.handleSnapshot)
	if s.hooksEnabled() {
		e.POST("/hooks/push", s.handlePush)
	}
	s.echo = e
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) hooksEnabled() bool {
	return s.deps.Syncer != nil && len(s.deps.WebhookSecret) > 0
}

// Start serves on listeners, or on the configured listen address when none
// are given, until ctx is canceled.
func (s *Server) Start(ctx context.Context, listeners []net.Listener) error {
	if len(listeners) == 0 {
		l, err := net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
		}
		listeners = []net.Listener{l}
	}

	server := &http.Server{
		Handler:           s.echo,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l net.Listener) {
			s.logger.Info("sync server listening", "addr", l.Addr().String(), "blog", s.cfg.Blog.URL, "push_hook", s.hooksEnabled())
			if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(l)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = server.Close()
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleManifest(c echo.Context) error {
	m, err := s.deps.Source.Manifest(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to build sync manifest", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to build manifest"))
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleSnapshot(c echo.Context) error {
	p, err := s.deps.Source.Payload(c.Request().Context(), c.Request().Header.Get(blogsync.TokenHeader))
	if errors.Is(err, blogsync.ErrInvalidToken) {
		s.logger.Warn("rejecting snapshot request with invalid sync token", "remote", c.RealIP())
		return c.JSON(http.StatusUnauthorized, errorBody("invalid sync token"))
	}
	if err != nil {
		s.logger.Error("failed to build sync snapshot", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to build snapshot"))
	}
	return c.JSON(http.StatusOK, p)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
