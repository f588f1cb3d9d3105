package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/verdantstack/verdant-diagnose/internal/config"
)

// Server wraps the HTTP server implementation and lifecycle helpers.
type Server struct {
	cfg    config.ServerConfig
	echo   *echo.Echo
	logger *slog.Logger
}

// NewServer constructs an HTTP server bound to the configured address with
// all diagnosis routes registered.
func NewServer(cfg config.ServerConfig, handlers *Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.MaxUploadBytes > 0 {
		e.Use(middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
			Limit: byteCountString(cfg.MaxUploadBytes),
		}))
	}

	e.POST("/api/v1/diagnose", handlers.Diagnose)
	e.GET("/api/v1/diagnoses", handlers.ListDiagnoses)
	e.GET("/api/v1/stats", handlers.Stats)
	e.GET("/healthz", handlers.Health)

	return &Server{cfg: cfg, echo: e, logger: logger}
}

// Start serves incoming requests until Shutdown is invoked.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("address", s.cfg.Address))
	if err := s.echo.Start(s.cfg.Address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown attempts a graceful shutdown within the context deadline.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", slog.Any("error", err))
		_ = s.echo.Close()
	}
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

// Echo exposes the underlying router (useful for tests).
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func byteCountString(n int64) string {
	const mb = 1 << 20
	if n >= mb && n%mb == 0 {
		return strconv.FormatInt(n/mb, 10) + "M"
	}
	return strconv.FormatInt(n, 10) + "B"
}
