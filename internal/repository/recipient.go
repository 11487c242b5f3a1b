package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// RecipientRepository looks up users eligible for a notification.
type RecipientRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewRecipientRepository creates a recipient repository.
func NewRecipientRepository(db DBTX, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{db: db, logger: logger}
}

// ResolveRecipients returns active org users holding one of q.Roles, plus site
// managers and assigned users when the query asks for them. Users are unique.
func (r *RecipientRepository) ResolveRecipients(ctx context.Context, q models.RecipientQuery) ([]models.Recipient, error) {
	roles := q.Roles
	if roles == nil {
		roles = []string{}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT u.id, u.name, COALESCE(u.email, ''), COALESCE(u.phone, ''), u.role
		FROM users u
		WHERE u.org_id = $1 AND u.is_active = TRUE AND (
			u.role = ANY($2)
			OR ($3 AND EXISTS (SELECT 1 FROM site_managers sm WHERE sm.site_id = $4 AND sm.user_id = u.id))
			OR ($5 AND EXISTS (SELECT 1 FROM unit_assignments ua WHERE ua.unit_id = $6 AND ua.user_id = u.id))
		)
		ORDER BY u.id`,
		q.OrgID, pq.Array(roles), q.NotifySiteManagers, nullIfEmpty(q.SiteID), q.NotifyAssignedUsers, nullIfEmpty(q.UnitID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var rc models.Recipient
		if err := rows.Scan(&rc.UserID, &rc.Name, &rc.Email, &rc.Phone, &rc.Role); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
