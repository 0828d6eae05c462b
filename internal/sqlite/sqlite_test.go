package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/config"
	"github.com/tokenwatch/tokenwatch/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Options{
		Config: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Logger: slog.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedOrg(t *testing.T, db *DB, name string) models.OrgID {
	t.Helper()
	res, err := db.writeDB.Exec(
		`INSERT INTO organizations (name, display_name) VALUES (?, ?)`, name, name+" Inc")
	if err != nil {
		t.Fatalf("seed org: %v", err)
	}
	id, _ := res.LastInsertId()
	return models.OrgID(id)
}

func seedAlertConfig(t *testing.T, db *DB, orgID models.OrgID, active bool) models.AlertID {
	t.Helper()
	channels, _ := json.Marshal([]models.NotificationChannel{
		{Type: models.ChannelEmail, Target: "ops@example.com"},
	})
	res, err := db.writeDB.Exec(
		`INSERT INTO alert_configs (org_id, name, metric, threshold_value, operator, time_window_minutes, is_active, channels)
VALUES (?, 'spend watch', 'cost_per_hour', 10, 'gt', 60, ?, ?)`,
		int64(orgID), boolToInt(active), string(channels))
	if err != nil {
		t.Fatalf("seed alert config: %v", err)
	}
	id, _ := res.LastInsertId()
	return models.AlertID(id)
}

func seedWebhook(t *testing.T, db *DB, orgID models.OrgID, active bool, eventTypes ...string) models.WebhookID {
	t.Helper()
	types, _ := json.Marshal(eventTypes)
	res, err := db.writeDB.Exec(
		`INSERT INTO webhook_configs (org_id, name, url, secret, headers, is_active, event_types)
VALUES (?, 'hook', 'https://example.com/hook', 'shh', '{"X-Team":"platform"}', ?, ?)`,
		int64(orgID), boolToInt(active), string(types))
	if err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	id, _ := res.LastInsertId()
	return models.WebhookID(id)
}

func TestOrganizations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ids, err := db.ListOrganizationIDs(ctx)
	if err != nil {
		t.Fatalf("ListOrganizationIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty database, got %v", ids)
	}

	orgID := seedOrg(t, db, "acme")
	seedOrg(t, db, "globex")

	ids, err = db.ListOrganizationIDs(ctx)
	if err != nil {
		t.Fatalf("ListOrganizationIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d orgs, want 2", len(ids))
	}

	org, err := db.GetOrganization(ctx, orgID)
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if org.Name != "acme" || org.DisplayName != "acme Inc" {
		t.Errorf("org = %+v", org)
	}

	if _, err := db.GetOrganization(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing org error = %v, want ErrNotFound", err)
	}
}

func TestAlertConfigs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")

	activeID := seedAlertConfig(t, db, orgID, true)
	seedAlertConfig(t, db, orgID, false)

	configs, err := db.ListActiveAlertConfigs(ctx, orgID)
	if err != nil {
		t.Fatalf("ListActiveAlertConfigs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("got %d active configs, want 1", len(configs))
	}
	cfg := configs[0]
	if cfg.ID != activeID || cfg.Metric != models.MetricCostPerHour || cfg.Operator != models.OperatorGreaterThan {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].Type != models.ChannelEmail {
		t.Errorf("channels = %+v", cfg.Channels)
	}

	if _, err := db.GetAlertConfig(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing config error = %v, want ErrNotFound", err)
	}
}

func TestTriggerLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")
	alertID := seedAlertConfig(t, db, orgID, true)

	if _, err := db.LatestTriggered(ctx, alertID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestTriggered on empty table = %v, want ErrNotFound", err)
	}

	trigger := &models.AlertTrigger{
		AlertID:     alertID,
		TriggeredAt: time.Now().UTC().Truncate(time.Second),
		MetricValue: 42.5,
		Context: models.TriggerContext{
			MetricValue:       42.5,
			ThresholdValue:    10,
			TimeWindowMinutes: 60,
		},
		Status: models.TriggerStatusTriggered,
	}
	if err := db.InsertTrigger(ctx, trigger); err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}
	if trigger.ID == 0 {
		t.Fatal("generated trigger id not set")
	}

	latest, err := db.LatestTriggered(ctx, alertID)
	if err != nil {
		t.Fatalf("LatestTriggered: %v", err)
	}
	if latest.ID != trigger.ID || latest.MetricValue != 42.5 {
		t.Errorf("latest = %+v", latest)
	}
	if latest.Context.ThresholdValue != 10 {
		t.Errorf("context not round-tripped: %+v", latest.Context)
	}

	if err := db.ResolveTrigger(ctx, trigger.ID, time.Now().UTC()); err != nil {
		t.Fatalf("ResolveTrigger: %v", err)
	}
	if _, err := db.LatestTriggered(ctx, alertID); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolved trigger still reported as open: %v", err)
	}

	// Resolving again (or a missing id) is a no-op.
	if err := db.ResolveTrigger(ctx, trigger.ID, time.Now().UTC()); err != nil {
		t.Errorf("re-resolve: %v", err)
	}
	if err := db.ResolveTrigger(ctx, 9999, time.Now().UTC()); err != nil {
		t.Errorf("resolve missing: %v", err)
	}

	triggers, err := db.ListTriggersByOrg(ctx, orgID, 10)
	if err != nil {
		t.Fatalf("ListTriggersByOrg: %v", err)
	}
	if len(triggers) != 1 || triggers[0].Status != models.TriggerStatusResolved {
		t.Errorf("triggers = %+v", triggers)
	}
	if triggers[0].ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
}

func TestGetTriggerDispatchInfo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")
	alertID := seedAlertConfig(t, db, orgID, true)

	trigger := &models.AlertTrigger{
		AlertID:     alertID,
		TriggeredAt: time.Now().UTC(),
		MetricValue: 12.5,
		Status:      models.TriggerStatusTriggered,
	}
	if err := db.InsertTrigger(ctx, trigger); err != nil {
		t.Fatalf("InsertTrigger: %v", err)
	}

	info, err := db.GetTriggerDispatchInfo(ctx, trigger.ID)
	if err != nil {
		t.Fatalf("GetTriggerDispatchInfo: %v", err)
	}
	if info.Trigger.ID != trigger.ID {
		t.Errorf("trigger id = %v, want %v", info.Trigger.ID, trigger.ID)
	}
	if info.Alert.ID != alertID || info.Alert.Name != "spend watch" {
		t.Errorf("alert = %+v", info.Alert)
	}
	if len(info.Alert.Channels) != 1 {
		t.Errorf("channels = %+v", info.Alert.Channels)
	}
	if info.Org.ID != orgID || info.Org.DisplayName != "acme Inc" {
		t.Errorf("org = %+v", info.Org)
	}

	if _, err := db.GetTriggerDispatchInfo(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing trigger error = %v, want ErrNotFound", err)
	}
}

func TestWebhookSubscriptions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")

	subscribed := seedWebhook(t, db, orgID, true, "alert.triggered", "webhook.test")
	seedWebhook(t, db, orgID, true, "webhook.test")
	seedWebhook(t, db, orgID, false, "alert.triggered")

	hooks, err := db.ListActiveWebhooksSubscribed(ctx, orgID, "alert.triggered")
	if err != nil {
		t.Fatalf("ListActiveWebhooksSubscribed: %v", err)
	}
	if len(hooks) != 1 || hooks[0].ID != subscribed {
		t.Fatalf("hooks = %+v", hooks)
	}
	if hooks[0].Secret != "shh" {
		t.Errorf("secret = %q", hooks[0].Secret)
	}
	if hooks[0].Headers["X-Team"] != "platform" {
		t.Errorf("headers = %+v", hooks[0].Headers)
	}

	wh, err := db.GetWebhook(ctx, subscribed)
	if err != nil {
		t.Fatalf("GetWebhook: %v", err)
	}
	if !wh.SubscribedTo("webhook.test") {
		t.Error("subscription list not round-tripped")
	}

	if _, err := db.GetWebhook(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing webhook error = %v, want ErrNotFound", err)
	}
}

func TestDeliveryLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")
	webhookID := seedWebhook(t, db, orgID, true, "alert.triggered")

	d := &models.WebhookDelivery{
		ID:        "d-1",
		WebhookID: webhookID,
		EventType: "alert.triggered",
		Payload:   json.RawMessage(`{"event_type":"alert.triggered"}`),
	}
	if err := db.InsertDelivery(ctx, d); err != nil {
		t.Fatalf("InsertDelivery: %v", err)
	}

	got, err := db.GetDelivery(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Status != models.DeliveryStatusPending || got.Attempts != 0 {
		t.Errorf("fresh delivery = %+v", got)
	}

	// First attempt fails.
	failedAt := time.Now().UTC().Add(-10 * time.Minute)
	status := 502
	err = db.UpdateDeliveryAttempt(ctx, "d-1", models.DeliveryAttemptOutcome{
		Status:         models.DeliveryStatusFailed,
		AttemptedAt:    failedAt,
		ResponseStatus: &status,
		ResponseBody:   "bad gateway",
	})
	if err != nil {
		t.Fatalf("UpdateDeliveryAttempt: %v", err)
	}

	got, err = db.GetDelivery(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Status != models.DeliveryStatusFailed || got.Attempts != 1 {
		t.Errorf("after failure = %+v", got)
	}
	if got.ResponseStatus == nil || *got.ResponseStatus != 502 {
		t.Errorf("response status = %v", got.ResponseStatus)
	}

	// The stale failure is eligible for the sweep.
	retryable, err := db.ListRetryableFailedDeliveries(ctx, 5, time.Now().UTC().Add(-5*time.Minute), 50)
	if err != nil {
		t.Fatalf("ListRetryableFailedDeliveries: %v", err)
	}
	if len(retryable) != 1 || retryable[0].ID != "d-1" {
		t.Fatalf("retryable = %+v", retryable)
	}

	// Second attempt succeeds.
	deliveredAt := time.Now().UTC()
	okStatus := 200
	err = db.UpdateDeliveryAttempt(ctx, "d-1", models.DeliveryAttemptOutcome{
		Status:         models.DeliveryStatusDelivered,
		AttemptedAt:    deliveredAt,
		ResponseStatus: &okStatus,
		DeliveredAt:    &deliveredAt,
	})
	if err != nil {
		t.Fatalf("UpdateDeliveryAttempt: %v", err)
	}
	got, _ = db.GetDelivery(ctx, "d-1")
	if got.Status != models.DeliveryStatusDelivered || got.Attempts != 2 || got.DeliveredAt == nil {
		t.Errorf("after success = %+v", got)
	}

	retryable, err = db.ListRetryableFailedDeliveries(ctx, 5, time.Now().UTC(), 50)
	if err != nil {
		t.Fatalf("ListRetryableFailedDeliveries: %v", err)
	}
	if len(retryable) != 0 {
		t.Errorf("delivered row still retryable: %+v", retryable)
	}

	if err := db.UpdateDeliveryAttempt(ctx, "missing", models.DeliveryAttemptOutcome{
		Status:      models.DeliveryStatusFailed,
		AttemptedAt: time.Now().UTC(),
	}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update on missing delivery = %v, want ErrNotFound", err)
	}
}

func TestListRetryableExcludesExhaustedAndRecent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")
	webhookID := seedWebhook(t, db, orgID, true, "alert.triggered")

	insert := func(id string, attempts int, lastAttempt time.Time) {
		d := &models.WebhookDelivery{
			ID:        id,
			WebhookID: webhookID,
			EventType: "alert.triggered",
			Payload:   json.RawMessage(`{}`),
		}
		if err := db.InsertDelivery(ctx, d); err != nil {
			t.Fatalf("InsertDelivery: %v", err)
		}
		for i := 0; i < attempts; i++ {
			if err := db.UpdateDeliveryAttempt(ctx, id, models.DeliveryAttemptOutcome{
				Status:      models.DeliveryStatusFailed,
				AttemptedAt: lastAttempt,
			}); err != nil {
				t.Fatalf("UpdateDeliveryAttempt: %v", err)
			}
		}
	}

	stale := time.Now().UTC().Add(-time.Hour)
	insert("eligible", 2, stale)
	insert("exhausted", 5, stale)
	insert("recent", 1, time.Now().UTC())

	retryable, err := db.ListRetryableFailedDeliveries(ctx, 5, time.Now().UTC().Add(-5*time.Minute), 50)
	if err != nil {
		t.Fatalf("ListRetryableFailedDeliveries: %v", err)
	}
	if len(retryable) != 1 || retryable[0].ID != "eligible" {
		t.Errorf("retryable = %+v", retryable)
	}
}

func TestPruneDeliveries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")
	webhookID := seedWebhook(t, db, orgID, true, "alert.triggered")

	d := &models.WebhookDelivery{
		ID:        "old-delivered",
		WebhookID: webhookID,
		EventType: "alert.triggered",
		Payload:   json.RawMessage(`{}`),
	}
	if err := db.InsertDelivery(ctx, d); err != nil {
		t.Fatalf("InsertDelivery: %v", err)
	}
	deliveredAt := time.Now().UTC()
	if err := db.UpdateDeliveryAttempt(ctx, d.ID, models.DeliveryAttemptOutcome{
		Status:      models.DeliveryStatusDelivered,
		AttemptedAt: deliveredAt,
		DeliveredAt: &deliveredAt,
	}); err != nil {
		t.Fatalf("UpdateDeliveryAttempt: %v", err)
	}

	// Cutoff in the future covers the just-created row.
	pruned, err := db.PruneDeliveries(ctx, time.Now().UTC().Add(time.Hour), 5)
	if err != nil {
		t.Fatalf("PruneDeliveries: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := db.GetDelivery(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned delivery still present: %v", err)
	}
}

func TestQueryEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, db, "acme")
	otherOrg := seedOrg(t, db, "globex")

	insertEvent := func(org models.OrgID, provider, model string, cost float64, createdAt time.Time) {
		_, err := db.writeDB.Exec(
			`INSERT INTO events (org_id, provider, model, status, latency_ms, prompt_tokens, completion_tokens, cost_usd, created_at)
VALUES (?, ?, ?, 200, 120.5, 100, 50, ?, ?)`,
			int64(org), provider, model, cost, createdAt)
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	now := time.Now().UTC()
	insertEvent(orgID, "openai", "gpt-4o", 0.02, now.Add(-10*time.Minute))
	insertEvent(orgID, "anthropic", "claude", 0.03, now.Add(-20*time.Minute))
	insertEvent(orgID, "openai", "gpt-4o", 0.04, now.Add(-2*time.Hour)) // outside window
	insertEvent(otherOrg, "openai", "gpt-4o", 0.05, now)                // other tenant

	events, err := db.QueryEvents(ctx, orgID, now.Add(-time.Hour), nil)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Ordered oldest first.
	if events[0].Provider != "anthropic" || events[1].Provider != "openai" {
		t.Errorf("order = %s, %s", events[0].Provider, events[1].Provider)
	}
	if events[0].LatencyMS == nil || *events[0].LatencyMS != 120.5 {
		t.Errorf("latency = %v", events[0].LatencyMS)
	}

	filtered, err := db.QueryEvents(ctx, orgID, now.Add(-time.Hour), &models.DimensionFilters{
		Providers: []string{"openai"},
	})
	if err != nil {
		t.Fatalf("QueryEvents filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Provider != "openai" {
		t.Errorf("filtered = %+v", filtered)
	}
}
