package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

// QueryEvents returns the organization's events created at or after
// since, narrowed by the optional dimension allow-lists. Implements the
// same contract as the SQLite event store.
func (c *Client) QueryEvents(ctx context.Context, orgID models.OrgID, since time.Time, filters *models.DimensionFilters) ([]models.EventRecord, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT
    id,
    org_id,
    provider,
    model,
    version_tag,
    session_id,
    status,
    latency_ms,
    prompt_tokens,
    completion_tokens,
    cost_usd,
    created_at
FROM %s
WHERE org_id = ? AND created_at >= ?`, c.table)
	args := []any{int64(orgID), since.UTC()}

	appendFilter := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		sb.WriteString(" AND ")
		sb.WriteString(column)
		sb.WriteString(" IN (?")
		sb.WriteString(strings.Repeat(", ?", len(values)-1))
		sb.WriteString(")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	if filters != nil {
		appendFilter("provider", filters.Providers)
		appendFilter("model", filters.Models)
		appendFilter("version_tag", filters.VersionTags)
		appendFilter("session_id", filters.SessionIDs)
	}
	sb.WriteString(" ORDER BY created_at")

	rows, err := c.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.EventRecord
	for rows.Next() {
		var (
			ev        models.EventRecord
			id        int64
			orgID     int64
			status    int32
			latencyMS *float64
		)
		if err := rows.Scan(
			&id,
			&orgID,
			&ev.Provider,
			&ev.Model,
			&ev.VersionTag,
			&ev.SessionID,
			&status,
			&latencyMS,
			&ev.PromptTokens,
			&ev.CompletionTokens,
			&ev.CostUSD,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.ID = id
		ev.OrgID = models.OrgID(orgID)
		ev.Status = int(status)
		ev.LatencyMS = latencyMS
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
