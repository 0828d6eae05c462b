// Package clickhouse implements the high-volume event store backend
// over the ClickHouse native protocol. Installations that keep LLM call
// telemetry in ClickHouse point the aggregator here instead of at the
// SQLite events table.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client wraps a ClickHouse native connection scoped to the events table.
type Client struct {
	conn   driver.Conn
	table  string
	logger *slog.Logger
}

// NewClient establishes a connection to ClickHouse using the native
// protocol. The connection is not verified here; call Ping for that.
func NewClient(cfg config.ClickHouseConfig, logger *slog.Logger) (*Client, error) {
	host := cfg.Host
	if !strings.Contains(host, ":") {
		host += ":9000"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Protocol: clickhouse.Native,
	})
	if err != nil {
		return nil, fmt.Errorf("creating clickhouse connection: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "events"
	}

	return &Client{
		conn:   conn,
		table:  table,
		logger: logger.With("component", "clickhouse"),
	}, nil
}

// Ping verifies the connection is usable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

// Close terminates the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
