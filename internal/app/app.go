// Package app wires configuration, storage, the alert evaluation
// scheduler, the delivery dispatcher, and the ops HTTP server into one
// process lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/alerts"
	"github.com/tokenwatch/tokenwatch/internal/clickhouse"
	"github.com/tokenwatch/tokenwatch/internal/config"
	"github.com/tokenwatch/tokenwatch/internal/delivery"
	"github.com/tokenwatch/tokenwatch/internal/notify"
	"github.com/tokenwatch/tokenwatch/internal/server"
	"github.com/tokenwatch/tokenwatch/internal/sqlite"
	"github.com/tokenwatch/tokenwatch/pkg/logger"
)

// App holds all long-lived components of the tokenwatch process.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	SQLite     *sqlite.DB
	ClickHouse *clickhouse.Client
	Scheduler  *alerts.Scheduler
	Version    string

	dispatcher *delivery.Dispatcher
	retry      *delivery.TimerRetryScheduler
	server     *server.Server
}

// Options contains configuration needed when creating a new App.
type Options struct {
	ConfigPath string
	Version    string
}

// New loads configuration and constructs the application shell. Heavy
// initialization (database, connections) happens in Initialize.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger.New(cfg.Logging.Level == "debug"),
		Version: opts.Version,
	}, nil
}

// Initialize opens storage, selects the event store backend, and builds
// the evaluation and delivery pipeline.
func (a *App) Initialize(ctx context.Context) error {
	var err error

	a.SQLite, err = sqlite.New(sqlite.Options{
		Config: a.Config.SQLite,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite: %w", err)
	}

	// The control store is always SQLite; the event store is selectable
	// so high-volume installations can point at ClickHouse.
	var eventStore alerts.EventStore = a.SQLite
	if a.Config.Events.Backend == "clickhouse" {
		a.ClickHouse, err = clickhouse.NewClient(a.Config.ClickHouse, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize clickhouse: %w", err)
		}
		if err := a.ClickHouse.Ping(ctx); err != nil {
			return fmt.Errorf("clickhouse ping failed: %w", err)
		}
		eventStore = a.ClickHouse
		a.Logger.Info("using clickhouse event store", "host", a.Config.ClickHouse.Host)
	}

	var sender delivery.NotificationSender
	if a.Config.SMTP.Host != "" {
		sender = notify.NewEmailSender(notify.EmailSenderOptions{
			Host:     a.Config.SMTP.Host,
			Port:     a.Config.SMTP.Port,
			Username: a.Config.SMTP.Username,
			Password: a.Config.SMTP.Password,
			From:     a.Config.SMTP.From,
			ReplyTo:  a.Config.SMTP.ReplyTo,
			Security: a.Config.SMTP.Security,
			Timeout:  a.Config.SMTP.Timeout,
			Logger:   a.Logger,
		})
	} else {
		a.Logger.Warn("smtp not configured, email channels will be skipped")
	}

	a.retry = delivery.NewTimerRetryScheduler()
	a.dispatcher = delivery.NewDispatcher(delivery.Options{
		Store:          a.SQLite,
		Sender:         sender,
		Retry:          a.retry,
		Logger:         a.Logger,
		RequestTimeout: a.Config.Webhooks.RequestTimeout,
		Retention:      a.Config.Webhooks.Retention,
	})

	engine := alerts.NewEngine(alerts.EngineOptions{
		Store:      a.SQLite,
		Aggregator: alerts.NewAggregator(eventStore, a.Logger),
		Logger:     a.Logger,
	})
	a.Scheduler = alerts.NewScheduler(alerts.SchedulerOptions{
		Interval:   a.Config.Alerts.EvaluationInterval,
		Engine:     engine,
		Orgs:       a.SQLite,
		Dispatcher: a.dispatcher,
		Logger:     a.Logger,
	})

	a.server = server.New(server.Options{
		Config:     a.Config,
		SQLite:     a.SQLite,
		Dispatcher: a.dispatcher,
		Logger:     a.Logger,
		Version:    a.Version,
	})

	if a.Config.Alerts.Enabled {
		a.Scheduler.Start(ctx)
	} else {
		a.Logger.Warn("alert evaluation disabled by config")
	}

	return nil
}

// Start runs the HTTP server. Blocks until shutdown.
func (a *App) Start() error {
	if a.server == nil {
		return fmt.Errorf("server not initialized")
	}
	return a.server.Start()
}

// Shutdown stops components in dependency order: scheduler first so no
// new work enters the pipeline, then the HTTP server, then storage.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.retry != nil {
		// Dropped retry timers are recovered by the failed-delivery
		// sweep on next startup.
		a.retry.StopAll()
	}

	if a.server != nil {
		serverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(serverCtx); err != nil {
			a.Logger.Error("error shutting down http server", "error", err)
		}
	}

	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Logger.Error("error closing clickhouse", "error", err)
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Logger.Error("error closing sqlite", "error", err)
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}
