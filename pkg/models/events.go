package models

import "time"

// OrgID identifies the organization (tenant) owning events, alert
// configurations and webhooks.
type OrgID int64

// Organization is the billing/isolation unit. The control plane manages
// the full record; the alerting core only needs the identity and the
// display name used in notifications.
type Organization struct {
	ID          OrgID     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventRecord is a single LLM call forwarded by a client SDK. Latency is
// nullable because SDKs may report fire-and-forget calls without timing.
type EventRecord struct {
	ID               int64     `json:"id"`
	OrgID            OrgID     `json:"org_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	VersionTag       string    `json:"version_tag,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Status           int       `json:"status"`
	LatencyMS        *float64  `json:"latency_ms,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// DimensionFilters narrows an event query to specific providers, models,
// version tags or sessions. An empty list places no restriction on that
// dimension.
type DimensionFilters struct {
	Providers   []string `json:"providers,omitempty"`
	Models      []string `json:"models,omitempty"`
	VersionTags []string `json:"version_tags,omitempty"`
	SessionIDs  []string `json:"session_ids,omitempty"`
}

// IsEmpty reports whether the filter restricts nothing.
func (f *DimensionFilters) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.Providers) == 0 && len(f.Models) == 0 && len(f.VersionTags) == 0 && len(f.SessionIDs) == 0
}

// Matches reports whether the event passes every non-empty allow-list.
func (f *DimensionFilters) Matches(ev *EventRecord) bool {
	if f == nil {
		return true
	}
	if len(f.Providers) > 0 && !containsString(f.Providers, ev.Provider) {
		return false
	}
	if len(f.Models) > 0 && !containsString(f.Models, ev.Model) {
		return false
	}
	if len(f.VersionTags) > 0 && !containsString(f.VersionTags, ev.VersionTag) {
		return false
	}
	if len(f.SessionIDs) > 0 && !containsString(f.SessionIDs, ev.SessionID) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
