package models

import (
	"encoding/json"
	"time"
)

// WebhookID identifies a webhook configuration.
type WebhookID int64

// Webhook event types the delivery engine can emit.
const (
	EventTypeAlertTriggered = "alert.triggered"
	EventTypeWebhookTest    = "webhook.test"
)

// WebhookConfig is a tenant-owned delivery target, read-only to the
// delivery engine.
type WebhookConfig struct {
	ID         WebhookID         `json:"id"`
	OrgID      OrgID             `json:"org_id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Secret     string            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
	IsActive   bool              `json:"is_active"`
	EventTypes []string          `json:"event_types"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SubscribedTo reports whether the webhook wants the given event type.
func (w *WebhookConfig) SubscribedTo(eventType string) bool {
	for _, et := range w.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus captures the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is one attempt-lineage for a (webhook, event) pair.
// The row is created once and mutated in place on every attempt; the
// id doubles as the idempotency key receivers can deduplicate on.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      WebhookID       `json:"webhook_id"`
	TriggerID      *TriggerID      `json:"alert_trigger_id,omitempty"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeliveryAttemptOutcome records the result of a single delivery attempt
// for persistence.
type DeliveryAttemptOutcome struct {
	Status         DeliveryStatus
	AttemptedAt    time.Time
	ResponseStatus *int
	ResponseBody   string
	ErrorMessage   string
	DeliveredAt    *time.Time
}
