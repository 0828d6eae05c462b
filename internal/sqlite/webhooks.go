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
	selectWebhookBase = `SELECT
    id,
    org_id,
    name,
    url,
    secret,
    headers,
    is_active,
    event_types,
    created_at,
    updated_at
FROM webhook_configs`

	listActiveWebhooksQuery = selectWebhookBase + `
WHERE org_id = ? AND is_active = 1
ORDER BY id`
)

// ListActiveWebhooksSubscribed returns the organization's active
// webhooks whose subscribed event-type list contains eventType.
// Event types live in a JSON column, so subscription matching happens
// here rather than in SQL.
func (db *DB) ListActiveWebhooksSubscribed(ctx context.Context, orgID models.OrgID, eventType string) ([]*models.WebhookConfig, error) {
	rows, err := db.readDB.QueryContext(ctx, listActiveWebhooksQuery, int64(orgID))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*models.WebhookConfig
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if wh.SubscribedTo(eventType) {
			webhooks = append(webhooks, wh)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhooks: %w", err)
	}
	return webhooks, nil
}

// GetWebhook retrieves a webhook configuration by id. Returns
// ErrNotFound when it does not exist.
func (db *DB) GetWebhook(ctx context.Context, webhookID models.WebhookID) (*models.WebhookConfig, error) {
	row := db.readDB.QueryRowContext(ctx, selectWebhookBase+" WHERE id = ?", int64(webhookID))
	wh, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return wh, nil
}

func scanWebhook(scanner interface{ Scan(dest ...any) error }) (*models.WebhookConfig, error) {
	var (
		id             int64
		orgID          int64
		name           string
		url            string
		secret         sql.NullString
		headersJSON    sql.NullString
		isActive       int64
		eventTypesJSON string
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := scanner.Scan(&id, &orgID, &name, &url, &secret, &headersJSON, &isActive, &eventTypesJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan webhook: %w", err)
	}

	var headers map[string]string
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook headers: %w", err)
		}
	}
	var eventTypes []string
	if eventTypesJSON != "" {
		if err := json.Unmarshal([]byte(eventTypesJSON), &eventTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook event types: %w", err)
		}
	}

	return &models.WebhookConfig{
		ID:         models.WebhookID(id),
		OrgID:      models.OrgID(orgID),
		Name:       name,
		URL:        url,
		Secret:     secret.String,
		Headers:    headers,
		IsActive:   isActive == 1,
		EventTypes: eventTypes,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}
