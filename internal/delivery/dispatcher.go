// Package delivery implements the webhook and notification delivery
// engine: payload construction, HMAC signing, bounded-retry HTTP
// delivery, and the periodic recovery sweep for failed deliveries.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tokenwatch/tokenwatch/internal/metrics"
	"github.com/tokenwatch/tokenwatch/internal/sqlite"
	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const (
	// MaxAttempts bounds the delivery retry sequence; a delivery that
	// fails this many times is abandoned in terminal failed status.
	MaxAttempts = 5

	// DefaultRequestTimeout bounds a single delivery attempt.
	DefaultRequestTimeout = 30 * time.Second

	defaultUserAgent = "tokenwatch-webhooks/1.0"

	responseBodyLimit = 1000
	errorMessageLimit = 500

	sweepBatchSize  = 50
	sweepStaleAfter = 5 * time.Minute
)

// RetryDelays is the fixed backoff ladder applied between delivery
// attempts: 1m, 5m, 15m, 1h, 2h. Attempts past the ladder reuse the
// final rung. Delivery volume is low enough that predictable fixed
// delays beat exponential backoff with jitter here.
var RetryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// Store is the persistence surface the dispatcher needs. *sqlite.DB
// satisfies it.
type Store interface {
	GetTriggerDispatchInfo(ctx context.Context, triggerID models.TriggerID) (*models.TriggerDispatchInfo, error)
	ListActiveWebhooksSubscribed(ctx context.Context, orgID models.OrgID, eventType string) ([]*models.WebhookConfig, error)
	GetWebhook(ctx context.Context, webhookID models.WebhookID) (*models.WebhookConfig, error)
	InsertDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	GetDelivery(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error)
	UpdateDeliveryAttempt(ctx context.Context, deliveryID string, outcome models.DeliveryAttemptOutcome) error
	ListRetryableFailedDeliveries(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]*models.WebhookDelivery, error)
	PruneDeliveries(ctx context.Context, before time.Time, maxAttempts int) (int64, error)
}

// NotificationSender sends alert emails. A nil sender is legitimate
// configuration, not an error: installations without SMTP simply skip
// email channels.
type NotificationSender interface {
	SendAlertEmail(ctx context.Context, to, alertName string, metric models.MetricKind, actualValue, thresholdValue float64, orgName string) error
}

// Options encapsulates the dependencies required to construct a
// Dispatcher.
type Options struct {
	Store          Store
	Sender         NotificationSender // optional
	Retry          RetryScheduler
	Logger         *slog.Logger
	RequestTimeout time.Duration
	UserAgent      string
	Retention      time.Duration // terminal deliveries older than this are pruned; 0 disables

	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

// Dispatcher resolves interested webhooks and notification channels for
// trigger events, builds signed payloads, and delivers them with
// bounded retries.
type Dispatcher struct {
	store     Store
	sender    NotificationSender
	retry     RetryScheduler
	client    *http.Client
	log       *slog.Logger
	userAgent string
	retention time.Duration
	now       func() time.Time
}

// NewDispatcher constructs a delivery dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewTimerRetryScheduler()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:     opts.Store,
		sender:    opts.Sender,
		retry:     retry,
		client:    &http.Client{Timeout: timeout},
		log:       opts.Logger.With("component", "delivery_dispatcher"),
		userAgent: userAgent,
		retention: opts.Retention,
		now:       now,
	}
}

// alertTriggeredPayload is the wire body for alert.triggered events.
type alertTriggeredPayload struct {
	EventType      string                `json:"event_type"`
	EventID        string                `json:"event_id"`
	Timestamp      string                `json:"timestamp"`
	OrganizationID models.OrgID          `json:"organization_id"`
	Alert          payloadAlert          `json:"alert"`
	Context        models.TriggerContext `json:"context"`
}

type payloadAlert struct {
	ID             models.AlertID    `json:"id"`
	Name           string            `json:"name"`
	Metric         models.MetricKind `json:"metric"`
	ThresholdValue float64           `json:"threshold_value"`
	ActualValue    float64           `json:"actual_value"`
	TriggerID      models.TriggerID  `json:"trigger_id"`
}

// testPayload is the wire body for webhook.test events.
type testPayload struct {
	EventType      string         `json:"event_type"`
	EventID        string         `json:"event_id"`
	Timestamp      string         `json:"timestamp"`
	OrganizationID models.OrgID   `json:"organization_id"`
	Webhook        payloadWebhook `json:"webhook"`
}

type payloadWebhook struct {
	ID   models.WebhookID `json:"id"`
	Name string           `json:"name"`
}

// DispatchAlertTriggered fans a trigger event out to every subscribed
// webhook and every email channel on the owning alert config. A missing
// trigger is a no-op: the config may have been deleted between
// evaluation and dispatch.
func (d *Dispatcher) DispatchAlertTriggered(ctx context.Context, triggerID models.TriggerID) error {
	info, err := d.store.GetTriggerDispatchInfo(ctx, triggerID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			d.log.Debug("trigger vanished before dispatch", "trigger_id", triggerID)
			return nil
		}
		return fmt.Errorf("failed to load trigger %d for dispatch: %w", triggerID, err)
	}

	webhooks, err := d.store.ListActiveWebhooksSubscribed(ctx, info.Alert.OrgID, models.EventTypeAlertTriggered)
	if err != nil {
		return fmt.Errorf("failed to list webhooks for org %d: %w", info.Alert.OrgID, err)
	}

	for _, wh := range webhooks {
		payload := alertTriggeredPayload{
			EventType:      models.EventTypeAlertTriggered,
			EventID:        uuid.NewString(),
			Timestamp:      d.now().UTC().Format(time.RFC3339),
			OrganizationID: info.Alert.OrgID,
			Alert: payloadAlert{
				ID:             info.Alert.ID,
				Name:           info.Alert.Name,
				Metric:         info.Alert.Metric,
				ThresholdValue: info.Alert.ThresholdValue,
				ActualValue:    info.Trigger.MetricValue,
				TriggerID:      info.Trigger.ID,
			},
			Context: info.Trigger.Context,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			d.log.Error("failed to marshal webhook payload", "webhook_id", wh.ID, "error", err)
			continue
		}
		tid := info.Trigger.ID
		if _, err := d.DeliverWebhook(ctx, wh.ID, models.EventTypeAlertTriggered, body, &tid); err != nil {
			d.log.Error("webhook delivery failed",
				"webhook_id", wh.ID, "trigger_id", triggerID, "error", err)
		}
	}

	d.dispatchEmails(ctx, info)
	return nil
}

// dispatchEmails sends an alert email to every email channel on the
// config. Per-recipient failures are logged and never block other
// recipients or webhook delivery.
func (d *Dispatcher) dispatchEmails(ctx context.Context, info *models.TriggerDispatchInfo) {
	for _, ch := range info.Alert.Channels {
		if ch.Type != models.ChannelEmail {
			continue
		}
		if d.sender == nil {
			d.log.Debug("email sender not configured, skipping email channel",
				"alert_id", info.Alert.ID, "recipient", ch.Target)
			continue
		}
		orgName := info.Org.DisplayName
		if orgName == "" {
			orgName = info.Org.Name
		}
		err := d.sender.SendAlertEmail(ctx, ch.Target, info.Alert.Name, info.Alert.Metric,
			info.Trigger.MetricValue, info.Alert.ThresholdValue, orgName)
		if err != nil {
			metrics.EmailsFailed.Inc()
			d.log.Warn("alert email failed",
				"alert_id", info.Alert.ID, "recipient", ch.Target, "error", err)
			continue
		}
		metrics.EmailsSent.Inc()
	}
}

// DeliverWebhook creates a pending delivery record for the payload and
// performs the first attempt synchronously inline. Returns the delivery
// id.
func (d *Dispatcher) DeliverWebhook(ctx context.Context, webhookID models.WebhookID, eventType string, payload json.RawMessage, triggerID *models.TriggerID) (string, error) {
	delivery := &models.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		TriggerID: triggerID,
		EventType: eventType,
		Payload:   payload,
	}
	if err := d.store.InsertDelivery(ctx, delivery); err != nil {
		return "", fmt.Errorf("failed to create delivery record: %w", err)
	}

	if err := d.AttemptDelivery(ctx, delivery.ID); err != nil {
		return delivery.ID, err
	}
	return delivery.ID, nil
}

// SendTestWebhook fires a webhook.test payload at the configured
// endpoint, reusing the normal delivery path so signing and retry
// behavior match real events.
func (d *Dispatcher) SendTestWebhook(ctx context.Context, webhookID models.WebhookID) (string, error) {
	wh, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return "", err
	}
	payload := testPayload{
		EventType:      models.EventTypeWebhookTest,
		EventID:        uuid.NewString(),
		Timestamp:      d.now().UTC().Format(time.RFC3339),
		OrganizationID: wh.OrgID,
		Webhook: payloadWebhook{
			ID:   wh.ID,
			Name: wh.Name,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal test payload: %w", err)
	}
	return d.DeliverWebhook(ctx, wh.ID, models.EventTypeWebhookTest, body, nil)
}

// AttemptDelivery performs one delivery attempt for the record and is
// also the retry entry point. Missing delivery or webhook rows are
// no-ops, defending against configs deleted mid-flight.
func (d *Dispatcher) AttemptDelivery(ctx context.Context, deliveryID string) error {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load delivery %s: %w", deliveryID, err)
	}
	// The retry timer and the sweep can both race for the same row; only
	// the loaded state decides whether another attempt is allowed.
	if delivery.Status == models.DeliveryStatusDelivered || delivery.Attempts >= MaxAttempts {
		return nil
	}
	webhook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			d.log.Debug("webhook vanished, dropping delivery", "delivery_id", deliveryID)
			return nil
		}
		return fmt.Errorf("failed to load webhook %d: %w", delivery.WebhookID, err)
	}

	attemptedAt := d.now()
	resp, err := d.post(ctx, webhook, delivery.Payload)
	if err != nil {
		outcome := models.DeliveryAttemptOutcome{
			Status:       models.DeliveryStatusFailed,
			AttemptedAt:  attemptedAt,
			ErrorMessage: truncate(err.Error(), errorMessageLimit),
		}
		if updateErr := d.store.UpdateDeliveryAttempt(ctx, deliveryID, outcome); updateErr != nil {
			d.log.Error("failed to record delivery outcome", "delivery_id", deliveryID, "error", updateErr)
		}
		metrics.DeliveriesFailed.Inc()
		d.log.Warn("webhook delivery attempt failed",
			"delivery_id", deliveryID, "webhook_id", webhook.ID, "attempt", delivery.Attempts+1, "error", err)
		d.scheduleRetry(deliveryID, delivery.Attempts+1)
		return nil
	}

	success := resp.status >= 200 && resp.status < 300
	outcome := models.DeliveryAttemptOutcome{
		AttemptedAt:    attemptedAt,
		ResponseStatus: &resp.status,
		ResponseBody:   truncate(resp.body, responseBodyLimit),
	}
	if success {
		outcome.Status = models.DeliveryStatusDelivered
		deliveredAt := attemptedAt
		outcome.DeliveredAt = &deliveredAt
	} else {
		outcome.Status = models.DeliveryStatusFailed
	}
	if err := d.store.UpdateDeliveryAttempt(ctx, deliveryID, outcome); err != nil {
		d.log.Error("failed to record delivery outcome", "delivery_id", deliveryID, "error", err)
	}

	if success {
		metrics.DeliveriesDelivered.Inc()
		d.log.Debug("webhook delivered",
			"delivery_id", deliveryID, "webhook_id", webhook.ID, "status", resp.status)
		return nil
	}

	metrics.DeliveriesFailed.Inc()
	d.log.Warn("webhook endpoint returned non-2xx",
		"delivery_id", deliveryID, "webhook_id", webhook.ID, "status", resp.status, "attempt", delivery.Attempts+1)
	d.scheduleRetry(deliveryID, delivery.Attempts+1)
	return nil
}

type postResult struct {
	status int
	body   string
}

func (d *Dispatcher) post(ctx context.Context, webhook *models.WebhookConfig, payload []byte) (*postResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range webhook.Headers {
		req.Header.Set(k, v)
	}
	if webhook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(webhook.Secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read a little past the stored limit so truncation is visible.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit+1))
	if readErr != nil {
		return &postResult{status: resp.StatusCode}, nil
	}
	return &postResult{status: resp.StatusCode, body: string(body)}, nil
}

// scheduleRetry schedules exactly one more attempt per the backoff
// ladder, or abandons the delivery once the attempt cap is reached.
// attempts is the count after the attempt that just failed.
func (d *Dispatcher) scheduleRetry(deliveryID string, attempts int) {
	if attempts >= MaxAttempts {
		metrics.DeliveriesAbandoned.Inc()
		d.log.Warn("delivery abandoned after max attempts",
			"delivery_id", deliveryID, "attempts", attempts)
		return
	}
	delay := retryDelay(attempts)
	d.log.Debug("scheduling delivery retry", "delivery_id", deliveryID, "attempt", attempts+1, "delay", delay)
	d.retry.ScheduleAfter(delay, func() {
		// The originating request context is long gone by the time the
		// timer fires; retries carry their own deadline via the client.
		if err := d.AttemptDelivery(context.Background(), deliveryID); err != nil {
			d.log.Error("retry attempt failed", "delivery_id", deliveryID, "error", err)
		}
	})
}

// retryDelay returns the ladder delay before the next attempt, where
// attempts is the number of failures so far.
func retryDelay(attempts int) time.Duration {
	if attempts >= 1 && attempts <= len(RetryDelays) {
		return RetryDelays[attempts-1]
	}
	return RetryDelays[len(RetryDelays)-1]
}

// SweepFailedDeliveries re-attempts stale failed deliveries in batches.
// This is the durable safety net behind the in-process retry timers: a
// process restart drops pending timers, and the sweep picks the
// deliveries back up. Runs once per scheduler tick.
func (d *Dispatcher) SweepFailedDeliveries(ctx context.Context) error {
	now := d.now()
	staleBefore := now.Add(-sweepStaleAfter)
	deliveries, err := d.store.ListRetryableFailedDeliveries(ctx, MaxAttempts, staleBefore, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list retryable deliveries: %w", err)
	}
	var retried int
	for _, delivery := range deliveries {
		// The ladder governs the sweep too; a row whose backoff has not
		// elapsed is left for a later pass.
		if delivery.LastAttemptAt != nil && now.Sub(*delivery.LastAttemptAt) < retryDelay(delivery.Attempts) {
			continue
		}
		metrics.SweepRetries.Inc()
		retried++
		if err := d.AttemptDelivery(ctx, delivery.ID); err != nil {
			d.log.Error("sweep retry failed", "delivery_id", delivery.ID, "error", err)
		}
	}
	if retried > 0 {
		d.log.Info("failed-delivery sweep complete", "retried", retried)
	}

	if d.retention > 0 {
		pruned, err := d.store.PruneDeliveries(ctx, d.now().Add(-d.retention), MaxAttempts)
		if err != nil {
			d.log.Warn("delivery pruning failed", "error", err)
		} else if pruned > 0 {
			d.log.Debug("pruned old deliveries", "count", pruned)
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back off to a rune boundary so a multi-byte character straddling
	// the limit is dropped whole rather than stored as invalid UTF-8.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
