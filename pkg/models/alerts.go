package models

import "time"

// AlertID identifies an alert configuration.
type AlertID int64

// TriggerID identifies a persisted alert trigger.
type TriggerID int64

// AlertKind distinguishes how the threshold is interpreted.
type AlertKind string

const (
	AlertKindThreshold AlertKind = "threshold"
	AlertKindAnomaly   AlertKind = "anomaly"
	AlertKindBudget    AlertKind = "budget"
)

// MetricKind enumerates the computable signals an alert can watch.
type MetricKind string

const (
	MetricCostPerHour       MetricKind = "cost_per_hour"
	MetricCostPerDay        MetricKind = "cost_per_day"
	MetricCostPerWeek       MetricKind = "cost_per_week"
	MetricCostPerMonth      MetricKind = "cost_per_month"
	MetricRequestsPerMinute MetricKind = "requests_per_minute"
	MetricRequestsPerHour   MetricKind = "requests_per_hour"
	MetricErrorRate         MetricKind = "error_rate"
	MetricLatencyP95        MetricKind = "latency_p95"
	MetricLatencyP99        MetricKind = "latency_p99"
	MetricTokenUsagePerHour MetricKind = "token_usage_per_hour"
	MetricTokenUsagePerDay  MetricKind = "token_usage_per_day"
)

// ThresholdOperator is the comparison applied between the computed metric
// value and the configured threshold.
type ThresholdOperator string

const (
	OperatorGreaterThan        ThresholdOperator = "gt"
	OperatorGreaterThanOrEqual ThresholdOperator = "gte"
	OperatorLessThan           ThresholdOperator = "lt"
	OperatorLessThanOrEqual    ThresholdOperator = "lte"
	OperatorEqual              ThresholdOperator = "eq"
	OperatorNotEqual           ThresholdOperator = "ne"
)

// ChannelType enumerates supported outbound notification channels.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
)

// NotificationChannel is a single notification target on an alert config.
type NotificationChannel struct {
	Type   ChannelType `json:"type"`
	Target string      `json:"target"`
	// Config carries channel specific settings stored by the UI.
	Config map[string]string `json:"config,omitempty"`
}

// AlertConfig is a tenant-owned rule, read-only to the alerting core.
// The control plane (out of scope here) creates and edits these rows.
type AlertConfig struct {
	ID                AlertID               `json:"id"`
	OrgID             OrgID                 `json:"org_id"`
	Name              string                `json:"name"`
	Description       string                `json:"description,omitempty"`
	Kind              AlertKind             `json:"kind"`
	Metric            MetricKind            `json:"metric"`
	ThresholdValue    float64               `json:"threshold_value"`
	Operator          ThresholdOperator     `json:"operator"`
	TimeWindowMinutes int                   `json:"time_window_minutes"`
	IsActive          bool                  `json:"is_active"`
	Channels          []NotificationChannel `json:"channels"`
	Filters           *DimensionFilters     `json:"filters,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// TriggerStatus captures the lifecycle state of a trigger record.
type TriggerStatus string

const (
	TriggerStatusTriggered TriggerStatus = "triggered"
	TriggerStatusResolved  TriggerStatus = "resolved"
)

// TriggerContext is the snapshot stored alongside a trigger so that
// notifications stay meaningful even after the config changes.
type TriggerContext struct {
	MetricValue       float64           `json:"metric_value"`
	ThresholdValue    float64           `json:"threshold_value"`
	TimeWindowMinutes int               `json:"time_window_minutes"`
	FiltersApplied    *DimensionFilters `json:"filters_applied,omitempty"`
	SampleCount       *int              `json:"sample_count,omitempty"`
}

// AlertTrigger is an immutable record of one detected threshold breach.
type AlertTrigger struct {
	ID          TriggerID      `json:"id"`
	AlertID     AlertID        `json:"alert_config_id"`
	TriggeredAt time.Time      `json:"triggered_at"`
	MetricValue float64        `json:"metric_value"`
	Context     TriggerContext `json:"context"`
	Status      TriggerStatus  `json:"status"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TriggerDispatchInfo joins a trigger with its owning alert config and
// organization, as loaded in one query when dispatching notifications.
type TriggerDispatchInfo struct {
	Trigger AlertTrigger
	Alert   AlertConfig
	Org     Organization
}

// ValidOperators is used by config validation at write time; the
// evaluator itself treats unknown operators as never-triggering.
var ValidOperators = map[ThresholdOperator]struct{}{
	OperatorGreaterThan:        {},
	OperatorGreaterThanOrEqual: {},
	OperatorLessThan:           {},
	OperatorLessThanOrEqual:    {},
	OperatorEqual:              {},
	OperatorNotEqual:           {},
}

// ValidMetricKinds enumerates every metric kind the aggregator computes.
var ValidMetricKinds = map[MetricKind]struct{}{
	MetricCostPerHour:       {},
	MetricCostPerDay:        {},
	MetricCostPerWeek:       {},
	MetricCostPerMonth:      {},
	MetricRequestsPerMinute: {},
	MetricRequestsPerHour:   {},
	MetricErrorRate:         {},
	MetricLatencyP95:        {},
	MetricLatencyP99:        {},
	MetricTokenUsagePerHour: {},
	MetricTokenUsagePerDay:  {},
}
