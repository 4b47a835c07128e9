// Package server assembles the echo HTTP server that fronts the
// webhook endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wecombridge/wecombridge/internal/config"
	"github.com/wecombridge/wecombridge/internal/webhook"
)

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

// NewServer builds the HTTP server and mounts the webhook handler under
// every configured path.
func NewServer(log *slog.Logger, addr string, handler *webhook.Handler, paths []string) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "server"))
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status))
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if handler != nil {
		handler.Register(e, paths)
	}

	return &Server{echo: e, addr: addr, logger: log}
}

// Start listens until Shutdown or a fatal listener error.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the assembled mux for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
