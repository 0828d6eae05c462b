package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const (
	selectAlertConfigBase = `SELECT
    id,
    org_id,
    name,
    description,
    kind,
    metric,
    threshold_value,
    operator,
    time_window_minutes,
    is_active,
    channels,
    filters,
    created_at,
    updated_at
FROM alert_configs`

	listActiveAlertConfigsQuery = selectAlertConfigBase + `
WHERE org_id = ? AND is_active = 1
ORDER BY id`
)

// ListActiveAlertConfigs fetches every active alert configuration owned
// by the organization. Configs are re-read on every evaluation pass so
// edits take effect on the next tick.
func (db *DB) ListActiveAlertConfigs(ctx context.Context, orgID models.OrgID) ([]*models.AlertConfig, error) {
	rows, err := db.readDB.QueryContext(ctx, listActiveAlertConfigsQuery, int64(orgID))
	if err != nil {
		return nil, fmt.Errorf("failed to list alert configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.AlertConfig
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert configs: %w", err)
	}
	return configs, nil
}

// GetAlertConfig retrieves an alert configuration by id.
func (db *DB) GetAlertConfig(ctx context.Context, alertID models.AlertID) (*models.AlertConfig, error) {
	row := db.readDB.QueryRowContext(ctx, selectAlertConfigBase+" WHERE id = ?", int64(alertID))
	cfg, err := scanAlertConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func scanAlertConfig(scanner interface{ Scan(dest ...any) error }) (*models.AlertConfig, error) {
	var (
		id                int64
		orgID             int64
		name              string
		description       sql.NullString
		kind              string
		metric            string
		thresholdValue    float64
		operator          string
		timeWindowMinutes int
		isActive          int64
		channelsJSON      string
		filtersJSON       sql.NullString
		createdAt         time.Time
		updatedAt         time.Time
	)
	if err := scanner.Scan(&id, &orgID, &name, &description, &kind, &metric, &thresholdValue, &operator, &timeWindowMinutes, &isActive, &channelsJSON, &filtersJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert config: %w", err)
	}

	var channels []models.NotificationChannel
	if channelsJSON != "" {
		if err := json.Unmarshal([]byte(channelsJSON), &channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert channels: %w", err)
		}
	}
	var filters *models.DimensionFilters
	if filtersJSON.Valid && filtersJSON.String != "" {
		filters = &models.DimensionFilters{}
		if err := json.Unmarshal([]byte(filtersJSON.String), filters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert filters: %w", err)
		}
	}

	return &models.AlertConfig{
		ID:                models.AlertID(id),
		OrgID:             models.OrgID(orgID),
		Name:              name,
		Description:       description.String,
		Kind:              models.AlertKind(kind),
		Metric:            models.MetricKind(metric),
		ThresholdValue:    thresholdValue,
		Operator:          models.ThresholdOperator(operator),
		TimeWindowMinutes: timeWindowMinutes,
		IsActive:          isActive == 1,
		Channels:          channels,
		Filters:           filters,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}
