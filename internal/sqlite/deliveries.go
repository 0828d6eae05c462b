package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const (
	insertDeliveryQuery = `INSERT INTO webhook_deliveries (
    id,
    webhook_id,
    alert_trigger_id,
    event_type,
    payload,
    status,
    attempts
) VALUES (?, ?, ?, ?, ?, ?, 0)
RETURNING created_at`

	selectDeliveryBase = `SELECT
    id,
    webhook_id,
    alert_trigger_id,
    event_type,
    payload,
    status,
    attempts,
    last_attempt_at,
    response_status,
    response_body,
    error_message,
    delivered_at,
    created_at
FROM webhook_deliveries`

	updateDeliveryAttemptQuery = `UPDATE webhook_deliveries
SET status = ?,
    attempts = attempts + 1,
    last_attempt_at = ?,
    response_status = ?,
    response_body = ?,
    error_message = ?,
    delivered_at = ?
WHERE id = ?`

	listRetryableDeliveriesQuery = selectDeliveryBase + `
WHERE status = 'failed'
  AND attempts < ?
  AND last_attempt_at IS NOT NULL
  AND last_attempt_at <= ?
ORDER BY last_attempt_at
LIMIT ?`

	listDeliveriesByWebhookQuery = selectDeliveryBase + `
WHERE webhook_id = ?
ORDER BY created_at DESC
LIMIT ?`

	pruneDeliveriesQuery = `DELETE FROM webhook_deliveries
WHERE created_at < ?
  AND (status = 'delivered' OR (status = 'failed' AND attempts >= ?))`
)

// InsertDelivery creates a pending delivery row with zero attempts.
func (db *DB) InsertDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	if delivery == nil {
		return fmt.Errorf("delivery payload is required")
	}
	var triggerID interface{}
	if delivery.TriggerID != nil {
		triggerID = int64(*delivery.TriggerID)
	}

	row := db.writeDB.QueryRowContext(ctx, insertDeliveryQuery,
		delivery.ID,
		int64(delivery.WebhookID),
		triggerID,
		delivery.EventType,
		string(delivery.Payload),
		string(models.DeliveryStatusPending),
	)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	delivery.Status = models.DeliveryStatusPending
	delivery.Attempts = 0
	delivery.CreatedAt = createdAt
	return nil
}

// GetDelivery retrieves a delivery by id. Returns ErrNotFound when
// the row does not exist.
func (db *DB) GetDelivery(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error) {
	row := db.readDB.QueryRowContext(ctx, selectDeliveryBase+" WHERE id = ?", deliveryID)
	delivery, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return delivery, nil
}

// UpdateDeliveryAttempt records the outcome of one delivery attempt,
// incrementing the attempts counter in place.
func (db *DB) UpdateDeliveryAttempt(ctx context.Context, deliveryID string, outcome models.DeliveryAttemptOutcome) error {
	var responseStatus interface{}
	if outcome.ResponseStatus != nil {
		responseStatus = *outcome.ResponseStatus
	}
	var deliveredAt interface{}
	if outcome.DeliveredAt != nil {
		deliveredAt = outcome.DeliveredAt.UTC()
	}

	res, err := db.writeDB.ExecContext(ctx, updateDeliveryAttemptQuery,
		string(outcome.Status),
		outcome.AttemptedAt.UTC(),
		responseStatus,
		nullableString(outcome.ResponseBody),
		nullableString(outcome.ErrorMessage),
		deliveredAt,
		deliveryID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery attempt: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryableFailedDeliveries selects failed deliveries eligible for
// the retry sweep: below the attempt cap and not attempted since
// staleBefore.
func (db *DB) ListRetryableFailedDeliveries(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := db.readDB.QueryContext(ctx, listRetryableDeliveriesQuery, maxAttempts, staleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retryable deliveries: %w", err)
	}
	return deliveries, nil
}

// ListDeliveriesByWebhook returns the webhook's most recent deliveries.
func (db *DB) ListDeliveriesByWebhook(ctx context.Context, webhookID models.WebhookID, limit int) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.readDB.QueryContext(ctx, listDeliveriesByWebhookQuery, int64(webhookID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}
	return deliveries, nil
}

// PruneDeliveries deletes terminal delivery rows created before the
// cutoff. Abandoned failures (at the attempt cap) are pruned alongside
// successes; in-flight rows are kept.
func (db *DB) PruneDeliveries(ctx context.Context, before time.Time, maxAttempts int) (int64, error) {
	res, err := db.writeDB.ExecContext(ctx, pruneDeliveriesQuery, before.UTC(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	pruned, _ := res.RowsAffected()
	return pruned, nil
}

func scanDelivery(scanner interface{ Scan(dest ...any) error }) (*models.WebhookDelivery, error) {
	var (
		id             string
		webhookID      int64
		triggerID      sql.NullInt64
		eventType      string
		payload        string
		status         string
		attempts       int
		lastAttemptAt  sql.NullTime
		responseStatus sql.NullInt64
		responseBody   sql.NullString
		errorMessage   sql.NullString
		deliveredAt    sql.NullTime
		createdAt      time.Time
	)
	if err := scanner.Scan(&id, &webhookID, &triggerID, &eventType, &payload, &status, &attempts, &lastAttemptAt, &responseStatus, &responseBody, &errorMessage, &deliveredAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}

	delivery := &models.WebhookDelivery{
		ID:           id,
		WebhookID:    models.WebhookID(webhookID),
		EventType:    eventType,
		Payload:      []byte(payload),
		Status:       models.DeliveryStatus(status),
		Attempts:     attempts,
		ResponseBody: responseBody.String,
		ErrorMessage: errorMessage.String,
		CreatedAt:    createdAt,
	}
	if triggerID.Valid {
		tid := models.TriggerID(triggerID.Int64)
		delivery.TriggerID = &tid
	}
	if lastAttemptAt.Valid {
		delivery.LastAttemptAt = &lastAttemptAt.Time
	}
	if responseStatus.Valid {
		rs := int(responseStatus.Int64)
		delivery.ResponseStatus = &rs
	}
	if deliveredAt.Valid {
		delivery.DeliveredAt = &deliveredAt.Time
	}
	return delivery, nil
}
