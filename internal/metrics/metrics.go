// Package metrics exposes the service's Prometheus counters.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Scheduler.
	SchedulerTicks        = metrics.NewCounter(`tokenwatch_scheduler_ticks_total`)
	SchedulerTicksSkipped = metrics.NewCounter(`tokenwatch_scheduler_ticks_skipped_total`)

	// Evaluation.
	AlertEvaluations    = metrics.NewCounter(`tokenwatch_alert_evaluations_total`)
	AlertEvaluationErrs = metrics.NewCounter(`tokenwatch_alert_evaluation_errors_total`)
	TriggersInserted    = metrics.NewCounter(`tokenwatch_alert_triggers_total`)
	TriggersSuppressed  = metrics.NewCounter(`tokenwatch_alert_triggers_suppressed_total`)
	TriggersResolved    = metrics.NewCounter(`tokenwatch_alert_triggers_resolved_total`)

	// Delivery.
	DeliveriesDelivered = metrics.NewCounter(`tokenwatch_webhook_deliveries_total{status="delivered"}`)
	DeliveriesFailed    = metrics.NewCounter(`tokenwatch_webhook_deliveries_total{status="failed"}`)
	DeliveriesAbandoned = metrics.NewCounter(`tokenwatch_webhook_deliveries_abandoned_total`)
	SweepRetries        = metrics.NewCounter(`tokenwatch_webhook_sweep_retries_total`)
	EmailsSent          = metrics.NewCounter(`tokenwatch_alert_emails_total{status="sent"}`)
	EmailsFailed        = metrics.NewCounter(`tokenwatch_alert_emails_total{status="failed"}`)
)

// WritePrometheus dumps all registered metrics in Prometheus text format.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
