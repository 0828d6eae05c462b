// Package server exposes the operational HTTP API: health, Prometheus
// metrics, and read endpoints over triggers and webhook deliveries.
package server

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tokenwatch/tokenwatch/internal/config"
	"github.com/tokenwatch/tokenwatch/internal/delivery"
	"github.com/tokenwatch/tokenwatch/internal/metrics"
	"github.com/tokenwatch/tokenwatch/internal/sqlite"
)

// Options contains dependencies for the ops server.
type Options struct {
	Config     *config.Config
	SQLite     *sqlite.DB
	Dispatcher *delivery.Dispatcher
	Logger     *slog.Logger
	Version    string
}

// Server wraps the fiber app and its route handlers.
type Server struct {
	app        *fiber.App
	config     *config.Config
	sqlite     *sqlite.DB
	dispatcher *delivery.Dispatcher
	log        *slog.Logger
	version    string
}

// New builds the server and registers routes.
func New(opts Options) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "tokenwatch",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(fiberlog.New())

	s := &Server{
		app:        app,
		config:     opts.Config,
		sqlite:     opts.SQLite,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger.With("component", "server"),
		version:    opts.Version,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	api := s.app.Group("/api/v1")
	api.Get("/orgs/:orgID/triggers", s.handleListTriggers)
	api.Get("/deliveries/:deliveryID", s.handleGetDelivery)
	api.Get("/webhooks/:webhookID/deliveries", s.handleListWebhookDeliveries)
	api.Post("/webhooks/:webhookID/test", s.handleTestWebhook)
}

// Start begins serving on the configured listen address. Blocks until
// shutdown.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.config.Server.Listen)
	return s.app.Listen(s.config.Server.Listen)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return SendSuccess(c, fiber.StatusOK, fiber.Map{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var buf bytes.Buffer
	metrics.WritePrometheus(&buf)
	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.Send(buf.Bytes())
}
