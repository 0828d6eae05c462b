package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/metrics"
	"github.com/tokenwatch/tokenwatch/internal/sqlite"
	"github.com/tokenwatch/tokenwatch/pkg/models"
)

// SuppressionInterval is the minimum gap between consecutive recorded
// triggers for the same alert config. Breaches detected inside the
// interval still evaluate as triggered but do not produce a new trigger
// row, preventing alert storms.
const SuppressionInterval = 5 * time.Minute

// IsTriggered applies the comparison operator between a computed metric
// value and the configured threshold. Total over the six operators; an
// unknown operator never triggers. Operator validity is enforced at
// config-write time, so failing safe here is deliberate.
func IsTriggered(value, threshold float64, operator models.ThresholdOperator) bool {
	switch operator {
	case models.OperatorGreaterThan:
		return value > threshold
	case models.OperatorGreaterThanOrEqual:
		return value >= threshold
	case models.OperatorLessThan:
		return value < threshold
	case models.OperatorLessThanOrEqual:
		return value <= threshold
	case models.OperatorEqual:
		return value == threshold
	case models.OperatorNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Store is the persistence surface the evaluation engine needs.
// *sqlite.DB satisfies it.
type Store interface {
	ListActiveAlertConfigs(ctx context.Context, orgID models.OrgID) ([]*models.AlertConfig, error)
	LatestTriggered(ctx context.Context, alertID models.AlertID) (*models.AlertTrigger, error)
	InsertTrigger(ctx context.Context, trigger *models.AlertTrigger) error
	ResolveTrigger(ctx context.Context, triggerID models.TriggerID, resolvedAt time.Time) error
}

// EvaluationResult is the outcome of evaluating one alert config.
// Trigger is non-nil only when a fresh trigger row was inserted during
// this evaluation; it stays nil for suppressed repeats, which is what
// keeps the scheduler from re-notifying about stale breaches.
type EvaluationResult struct {
	AlertID     models.AlertID
	AlertName   string
	IsTriggered bool
	MetricValue float64
	Context     models.TriggerContext
	Trigger     *models.AlertTrigger
}

// EngineOptions encapsulates the dependencies required to construct an
// evaluation engine.
type EngineOptions struct {
	Store      Store
	Aggregator *Aggregator
	Logger     *slog.Logger

	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

// Engine evaluates every active alert config of an organization against
// current event data and records triggers with suppression.
type Engine struct {
	store      Store
	aggregator *Aggregator
	log        *slog.Logger
	now        func() time.Time
}

// NewEngine constructs an evaluation engine.
func NewEngine(opts EngineOptions) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      opts.Store,
		aggregator: opts.Aggregator,
		log:        opts.Logger.With("component", "alert_engine"),
		now:        now,
	}
}

// EvaluateAlerts runs one evaluation pass over the organization's
// active alert configs. A failing config (unknown metric, store error)
// is logged and excluded from the results; it never blocks evaluation
// of sibling alerts. The returned error covers only the config listing
// itself.
func (e *Engine) EvaluateAlerts(ctx context.Context, orgID models.OrgID) ([]EvaluationResult, error) {
	configs, err := e.store.ListActiveAlertConfigs(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts for org %d: %w", orgID, err)
	}

	results := make([]EvaluationResult, 0, len(configs))
	for _, cfg := range configs {
		result, err := e.evaluateAlert(ctx, cfg)
		if err != nil {
			metrics.AlertEvaluationErrs.Inc()
			e.log.Error("alert evaluation failed",
				"org_id", orgID, "alert_id", cfg.ID, "metric", cfg.Metric, "error", err)
			continue
		}
		metrics.AlertEvaluations.Inc()
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) evaluateAlert(ctx context.Context, cfg *models.AlertConfig) (EvaluationResult, error) {
	now := e.now()
	windowStart := now.Add(-time.Duration(cfg.TimeWindowMinutes) * time.Minute)

	value, err := e.aggregator.ComputeMetric(ctx, cfg.OrgID, cfg.Metric, windowStart, cfg.Filters)
	if err != nil {
		return EvaluationResult{}, err
	}

	triggered := IsTriggered(value, cfg.ThresholdValue, cfg.Operator)
	result := EvaluationResult{
		AlertID:     cfg.ID,
		AlertName:   cfg.Name,
		IsTriggered: triggered,
		MetricValue: value,
		Context: models.TriggerContext{
			MetricValue:       value,
			ThresholdValue:    cfg.ThresholdValue,
			TimeWindowMinutes: cfg.TimeWindowMinutes,
			FiltersApplied:    cfg.Filters,
		},
	}

	if !triggered {
		e.resolveOpenTrigger(ctx, cfg, now)
		return result, nil
	}

	trigger, err := e.recordTrigger(ctx, cfg, result, now)
	if err != nil {
		// The breach was detected; failing to persist it should not
		// hide the evaluation outcome from the caller.
		e.log.Error("failed to record trigger", "alert_id", cfg.ID, "error", err)
		return result, nil
	}
	result.Trigger = trigger
	return result, nil
}

// recordTrigger inserts a trigger row unless one was recorded within
// the suppression interval. Returns nil without error when suppressed.
func (e *Engine) recordTrigger(ctx context.Context, cfg *models.AlertConfig, result EvaluationResult, now time.Time) (*models.AlertTrigger, error) {
	last, err := e.store.LatestTriggered(ctx, cfg.ID)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return nil, fmt.Errorf("failed to check latest trigger: %w", err)
	}
	if last != nil && now.Sub(last.TriggeredAt) < SuppressionInterval {
		metrics.TriggersSuppressed.Inc()
		e.log.Debug("trigger suppressed",
			"alert_id", cfg.ID, "last_triggered_at", last.TriggeredAt, "metric_value", result.MetricValue)
		return nil, nil
	}

	trigger := &models.AlertTrigger{
		AlertID:     cfg.ID,
		TriggeredAt: now,
		MetricValue: result.MetricValue,
		Context:     result.Context,
		Status:      models.TriggerStatusTriggered,
	}
	if err := e.store.InsertTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to insert trigger: %w", err)
	}
	metrics.TriggersInserted.Inc()
	e.log.Info("alert triggered",
		"alert_id", cfg.ID, "alert", cfg.Name, "metric", cfg.Metric,
		"value", result.MetricValue, "threshold", cfg.ThresholdValue)
	return trigger, nil
}

// resolveOpenTrigger closes the most recent open trigger once the
// metric stops breaching. Resolution failures are logged only; the
// evaluation result stands either way.
func (e *Engine) resolveOpenTrigger(ctx context.Context, cfg *models.AlertConfig, now time.Time) {
	last, err := e.store.LatestTriggered(ctx, cfg.ID)
	if err != nil {
		if !errors.Is(err, sqlite.ErrNotFound) {
			e.log.Warn("failed to check open trigger", "alert_id", cfg.ID, "error", err)
		}
		return
	}
	if err := e.store.ResolveTrigger(ctx, last.ID, now); err != nil {
		e.log.Warn("failed to resolve trigger", "alert_id", cfg.ID, "trigger_id", last.ID, "error", err)
		return
	}
	metrics.TriggersResolved.Inc()
	e.log.Info("alert resolved", "alert_id", cfg.ID, "alert", cfg.Name, "trigger_id", last.ID)
}
