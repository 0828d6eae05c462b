package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

const (
	listOrganizationIDsQuery = `SELECT id FROM organizations ORDER BY id`

	getOrganizationQuery = `SELECT id, name, display_name, created_at
FROM organizations WHERE id = ?`
)

// ListOrganizationIDs returns the identifiers of every organization.
// The scheduler iterates these on each tick.
func (db *DB) ListOrganizationIDs(ctx context.Context) ([]models.OrgID, error) {
	rows, err := db.readDB.QueryContext(ctx, listOrganizationIDsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var ids []models.OrgID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, models.OrgID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating organizations: %w", err)
	}
	return ids, nil
}

// GetOrganization retrieves one organization by id.
func (db *DB) GetOrganization(ctx context.Context, orgID models.OrgID) (*models.Organization, error) {
	var (
		id          int64
		name        string
		displayName sql.NullString
		createdAt   time.Time
	)
	err := db.readDB.QueryRowContext(ctx, getOrganizationQuery, int64(orgID)).
		Scan(&id, &name, &displayName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &models.Organization{
		ID:          models.OrgID(id),
		Name:        name,
		DisplayName: displayName.String,
		CreatedAt:   createdAt,
	}, nil
}
