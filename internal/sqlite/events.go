package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const selectEventsBase = `SELECT
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
FROM events`

// QueryEvents returns the organization's events created at or after
// since, narrowed by the optional dimension allow-lists. The alerting
// core is a read-only consumer of this table; ingestion happens in the
// API service.
func (db *DB) QueryEvents(ctx context.Context, orgID models.OrgID, since time.Time, filters *models.DimensionFilters) ([]models.EventRecord, error) {
	var sb strings.Builder
	sb.WriteString(selectEventsBase)
	sb.WriteString(" WHERE org_id = ? AND created_at >= ?")
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

	rows, err := db.readDB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.EventRecord
	for rows.Next() {
		var (
			ev        models.EventRecord
			latencyMS sql.NullFloat64
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.OrgID,
			&ev.Provider,
			&ev.Model,
			&ev.VersionTag,
			&ev.SessionID,
			&ev.Status,
			&latencyMS,
			&ev.PromptTokens,
			&ev.CompletionTokens,
			&ev.CostUSD,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if latencyMS.Valid {
			v := latencyMS.Float64
			ev.LatencyMS = &v
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
