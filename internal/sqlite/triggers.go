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
	insertTriggerQuery = `INSERT INTO alert_triggers (
    alert_config_id,
    triggered_at,
    metric_value,
    context,
    status
) VALUES (?, ?, ?, ?, ?)
RETURNING id, created_at`

	selectTriggerBase = `SELECT
    id,
    alert_config_id,
    triggered_at,
    metric_value,
    context,
    status,
    resolved_at,
    created_at
FROM alert_triggers`

	latestTriggeredQuery = selectTriggerBase + `
WHERE alert_config_id = ? AND status = 'triggered'
ORDER BY triggered_at DESC
LIMIT 1`

	resolveTriggerQuery = `UPDATE alert_triggers
SET status = 'resolved',
    resolved_at = ?
WHERE id = ? AND status = 'triggered'`

	listTriggersByOrgQuery = selectTriggerBase + `
WHERE alert_config_id IN (SELECT id FROM alert_configs WHERE org_id = ?)
ORDER BY triggered_at DESC
LIMIT ?`

	getTriggerDispatchInfoQuery = `SELECT
    t.id, t.alert_config_id, t.triggered_at, t.metric_value, t.context, t.status, t.resolved_at, t.created_at,
    a.id, a.org_id, a.name, a.description, a.kind, a.metric, a.threshold_value, a.operator,
    a.time_window_minutes, a.is_active, a.channels, a.filters, a.created_at, a.updated_at,
    o.id, o.name, o.display_name, o.created_at
FROM alert_triggers t
JOIN alert_configs a ON a.id = t.alert_config_id
JOIN organizations o ON o.id = a.org_id
WHERE t.id = ?`
)

// InsertTrigger persists a new trigger record and fills in the generated
// fields on the passed struct.
func (db *DB) InsertTrigger(ctx context.Context, trigger *models.AlertTrigger) error {
	if trigger == nil {
		return fmt.Errorf("trigger payload is required")
	}
	contextJSON, err := json.Marshal(trigger.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger context: %w", err)
	}
	status := trigger.Status
	if status == "" {
		status = models.TriggerStatusTriggered
	}

	row := db.writeDB.QueryRowContext(ctx, insertTriggerQuery,
		int64(trigger.AlertID),
		trigger.TriggeredAt.UTC(),
		trigger.MetricValue,
		string(contextJSON),
		string(status),
	)

	var (
		id        int64
		createdAt time.Time
	)
	if err := row.Scan(&id, &createdAt); err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	trigger.ID = models.TriggerID(id)
	trigger.Status = status
	trigger.CreatedAt = createdAt
	return nil
}

// LatestTriggered fetches the most recent trigger for the alert config
// that is still in triggered status. Returns ErrNotFound when none
// exists; the evaluator uses this for the suppression check.
func (db *DB) LatestTriggered(ctx context.Context, alertID models.AlertID) (*models.AlertTrigger, error) {
	row := db.readDB.QueryRowContext(ctx, latestTriggeredQuery, int64(alertID))
	trigger, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return trigger, nil
}

// ResolveTrigger moves a trigger from triggered to resolved. Resolving
// an already-resolved or missing trigger is a no-op.
func (db *DB) ResolveTrigger(ctx context.Context, triggerID models.TriggerID, resolvedAt time.Time) error {
	if _, err := db.writeDB.ExecContext(ctx, resolveTriggerQuery, resolvedAt.UTC(), int64(triggerID)); err != nil {
		return fmt.Errorf("failed to resolve trigger: %w", err)
	}
	return nil
}

// ListTriggersByOrg returns the organization's most recent triggers.
func (db *DB) ListTriggersByOrg(ctx context.Context, orgID models.OrgID, limit int) ([]*models.AlertTrigger, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.readDB.QueryContext(ctx, listTriggersByOrgQuery, int64(orgID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*models.AlertTrigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}
	return triggers, nil
}

// GetTriggerDispatchInfo loads a trigger together with its owning alert
// config and organization in a single query. Returns ErrNotFound when
// the trigger no longer exists (e.g. deleted between lookup and
// dispatch).
func (db *DB) GetTriggerDispatchInfo(ctx context.Context, triggerID models.TriggerID) (*models.TriggerDispatchInfo, error) {
	row := db.readDB.QueryRowContext(ctx, getTriggerDispatchInfoQuery, int64(triggerID))

	var (
		info models.TriggerDispatchInfo

		tID          int64
		tAlertID     int64
		tTriggeredAt time.Time
		tMetricValue float64
		tContextJSON string
		tStatus      string
		tResolvedAt  sql.NullTime
		tCreatedAt   time.Time

		aID             int64
		aOrgID          int64
		aName           string
		aDescription    sql.NullString
		aKind           string
		aMetric         string
		aThresholdValue float64
		aOperator       string
		aTimeWindow     int
		aIsActive       int64
		aChannelsJSON   string
		aFiltersJSON    sql.NullString
		aCreatedAt      time.Time
		aUpdatedAt      time.Time

		oID          int64
		oName        string
		oDisplayName sql.NullString
		oCreatedAt   time.Time
	)
	err := row.Scan(
		&tID, &tAlertID, &tTriggeredAt, &tMetricValue, &tContextJSON, &tStatus, &tResolvedAt, &tCreatedAt,
		&aID, &aOrgID, &aName, &aDescription, &aKind, &aMetric, &aThresholdValue, &aOperator,
		&aTimeWindow, &aIsActive, &aChannelsJSON, &aFiltersJSON, &aCreatedAt, &aUpdatedAt,
		&oID, &oName, &oDisplayName, &oCreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trigger dispatch info: %w", err)
	}

	var triggerContext models.TriggerContext
	if tContextJSON != "" {
		if err := json.Unmarshal([]byte(tContextJSON), &triggerContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger context: %w", err)
		}
	}
	var channels []models.NotificationChannel
	if aChannelsJSON != "" {
		if err := json.Unmarshal([]byte(aChannelsJSON), &channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert channels: %w", err)
		}
	}
	var filters *models.DimensionFilters
	if aFiltersJSON.Valid && aFiltersJSON.String != "" {
		filters = &models.DimensionFilters{}
		if err := json.Unmarshal([]byte(aFiltersJSON.String), filters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert filters: %w", err)
		}
	}

	info.Trigger = models.AlertTrigger{
		ID:          models.TriggerID(tID),
		AlertID:     models.AlertID(tAlertID),
		TriggeredAt: tTriggeredAt,
		MetricValue: tMetricValue,
		Context:     triggerContext,
		Status:      models.TriggerStatus(tStatus),
		CreatedAt:   tCreatedAt,
	}
	if tResolvedAt.Valid {
		info.Trigger.ResolvedAt = &tResolvedAt.Time
	}
	info.Alert = models.AlertConfig{
		ID:                models.AlertID(aID),
		OrgID:             models.OrgID(aOrgID),
		Name:              aName,
		Description:       aDescription.String,
		Kind:              models.AlertKind(aKind),
		Metric:            models.MetricKind(aMetric),
		ThresholdValue:    aThresholdValue,
		Operator:          models.ThresholdOperator(aOperator),
		TimeWindowMinutes: aTimeWindow,
		IsActive:          aIsActive == 1,
		Channels:          channels,
		Filters:           filters,
		CreatedAt:         aCreatedAt,
		UpdatedAt:         aUpdatedAt,
	}
	info.Org = models.Organization{
		ID:          models.OrgID(oID),
		Name:        oName,
		DisplayName: oDisplayName.String,
		CreatedAt:   oCreatedAt,
	}
	return &info, nil
}

func scanTrigger(scanner interface{ Scan(dest ...any) error }) (*models.AlertTrigger, error) {
	var (
		id          int64
		alertID     int64
		triggeredAt time.Time
		metricValue float64
		contextJSON string
		status      string
		resolvedAt  sql.NullTime
		createdAt   time.Time
	)
	if err := scanner.Scan(&id, &alertID, &triggeredAt, &metricValue, &contextJSON, &status, &resolvedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	var triggerContext models.TriggerContext
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &triggerContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger context: %w", err)
		}
	}

	trigger := &models.AlertTrigger{
		ID:          models.TriggerID(id),
		AlertID:     models.AlertID(alertID),
		TriggeredAt: triggeredAt,
		MetricValue: metricValue,
		Context:     triggerContext,
		Status:      models.TriggerStatus(status),
		CreatedAt:   createdAt,
	}
	if resolvedAt.Valid {
		trigger.ResolvedAt = &resolvedAt.Time
	}
	return trigger, nil
}
