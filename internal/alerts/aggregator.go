// Package alerts implements the alert evaluation pipeline: metric
// aggregation over time-windowed event data, threshold evaluation,
// suppression-checked trigger recording, and the recurring scheduler
// that drives it all.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

// ErrUnknownMetric is returned when an alert config references a metric
// kind the aggregator cannot compute. Callers treat this as a per-alert
// failure, not fatal to the evaluation pass.
var ErrUnknownMetric = fmt.Errorf("unknown metric kind")

// EventStore is the read-only event query surface the aggregator
// consumes. Backed by SQLite or ClickHouse depending on deployment.
type EventStore interface {
	QueryEvents(ctx context.Context, orgID models.OrgID, since time.Time, filters *models.DimensionFilters) ([]models.EventRecord, error)
}

// Cost metrics divide the window's total cost by a fixed per-kind
// divisor expressed in hours, regardless of the configured window
// length. This reproduces the product's established reporting behavior;
// alert thresholds in the field are tuned against it.
var costDivisors = map[models.MetricKind]float64{
	models.MetricCostPerHour:  1,
	models.MetricCostPerDay:   24,
	models.MetricCostPerWeek:  168,
	models.MetricCostPerMonth: 720,
}

// Aggregator computes scalar metric values over time windows of event
// records. It has no side effects; results are a pure function of
// stored data and the caller-supplied window start.
type Aggregator struct {
	events EventStore
	log    *slog.Logger
}

// NewAggregator constructs an Aggregator over the given event store.
func NewAggregator(events EventStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		events: events,
		log:    logger.With("component", "metric_aggregator"),
	}
}

// ComputeMetric loads the organization's events since windowStart
// (narrowed by the optional filters) and reduces them to the metric's
// scalar value.
func (a *Aggregator) ComputeMetric(ctx context.Context, orgID models.OrgID, metric models.MetricKind, windowStart time.Time, filters *models.DimensionFilters) (float64, error) {
	if _, ok := models.ValidMetricKinds[metric]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}

	events, err := a.events.QueryEvents(ctx, orgID, windowStart, filters)
	if err != nil {
		return 0, fmt.Errorf("failed to load events for metric %s: %w", metric, err)
	}

	switch metric {
	case models.MetricCostPerHour, models.MetricCostPerDay, models.MetricCostPerWeek, models.MetricCostPerMonth:
		var total float64
		for i := range events {
			total += events[i].CostUSD
		}
		return total / costDivisors[metric], nil

	case models.MetricRequestsPerMinute:
		return float64(len(events)) / 60, nil

	case models.MetricRequestsPerHour:
		return float64(len(events)), nil

	case models.MetricErrorRate:
		if len(events) == 0 {
			return 0, nil
		}
		var errored int
		for i := range events {
			if events[i].Status >= 400 {
				errored++
			}
		}
		return float64(errored) / float64(len(events)) * 100, nil

	case models.MetricLatencyP95:
		return percentile(latencySamples(events), 0.95), nil

	case models.MetricLatencyP99:
		return percentile(latencySamples(events), 0.99), nil

	case models.MetricTokenUsagePerHour, models.MetricTokenUsagePerDay:
		var tokens int64
		for i := range events {
			tokens += events[i].PromptTokens + events[i].CompletionTokens
		}
		if metric == models.MetricTokenUsagePerDay {
			return float64(tokens) / 24, nil
		}
		return float64(tokens), nil
	}

	// Unreachable: ValidMetricKinds gates every case above.
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
}

func latencySamples(events []models.EventRecord) []float64 {
	var samples []float64
	for i := range events {
		if events[i].LatencyMS != nil {
			samples = append(samples, *events[i].LatencyMS)
		}
	}
	return samples
}

// percentile applies nearest-rank selection on the samples sorted
// ascending: index = ceil(n*p) - 1, clamped at zero. Returns 0 with no
// samples.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
