package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

const policyColumns = `
	initial_channels, severity_threshold, allow_warning_notifications,
	quiet_hours_enabled, quiet_hours_start, quiet_hours_end,
	notify_roles, notify_site_managers, notify_assigned_users,
	reminders_enabled, reminder_interval_minutes, escalation_steps`

// PolicyRepository resolves the effective notification policy of a unit.
type PolicyRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPolicyRepository creates a policy repository.
func NewPolicyRepository(db DBTX, logger *zap.Logger) *PolicyRepository {
	return &PolicyRepository{db: db, logger: logger}
}

// ResolvePolicy returns the most specific policy for (unitID, alertType).
// Match order: 1) unit, 2) site, 3) organization. It returns nil, nil when
// nothing matches.
func (r *PolicyRepository) ResolvePolicy(ctx context.Context, unitID string, alertType models.AlertType) (*models.NotificationPolicy, error) {
	var siteID, orgID string
	err := r.db.QueryRowContext(ctx, `
		SELECT u.site_id, s.org_id
		FROM units u JOIN sites s ON s.id = u.site_id
		WHERE u.id = $1`, unitID,
	).Scan(&siteID, &orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load unit scope: %w", err)
	}

	scopes := []struct {
		name  string
		where string
		arg   string
	}{
		{"unit", `unit_id = $1`, unitID},
		{"site", `site_id = $1 AND unit_id IS NULL`, siteID},
		{"org", `org_id = $1 AND site_id IS NULL AND unit_id IS NULL`, orgID},
	}

	for _, scope := range scopes {
		query := `SELECT ` + policyColumns + ` FROM notification_policies
			WHERE ` + scope.where + ` AND alert_type = $2`
		policy, err := scanPolicy(r.db.QueryRowContext(ctx, query, scope.arg, string(alertType)))
		if err == nil {
			r.logger.Debug("Resolved notification policy",
				zap.String("unit_id", unitID),
				zap.String("alert_type", string(alertType)),
				zap.String("scope", scope.name),
			)
			return policy, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query %s policy: %w", scope.name, err)
		}
	}
	return nil, nil
}

func scanPolicy(row scanner) (*models.NotificationPolicy, error) {
	var (
		p          models.NotificationPolicy
		channels   []string
		threshold  string
		quietStart sql.NullString
		quietEnd   sql.NullString
		roles      []string
		steps      []byte
	)
	err := row.Scan(
		pq.Array(&channels), &threshold, &p.AllowWarningNotifications,
		&p.QuietHoursEnabled, &quietStart, &quietEnd,
		pq.Array(&roles), &p.NotifySiteManagers, &p.NotifyAssignedUsers,
		&p.RemindersEnabled, &p.ReminderIntervalMinutes, &steps,
	)
	if err != nil {
		return nil, err
	}

	for _, c := range channels {
		ch, err := models.ParseChannel(c)
		if err != nil {
			return nil, err
		}
		p.InitialChannels = append(p.InitialChannels, ch)
	}
	if p.SeverityThreshold, err = models.ParseSeverity(threshold); err != nil {
		return nil, err
	}
	p.QuietHoursStart = quietStart.String
	p.QuietHoursEnd = quietEnd.String
	p.NotifyRoles = roles
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &p.EscalationSteps); err != nil {
			return nil, fmt.Errorf("invalid escalation_steps: %w", err)
		}
	}
	return &p, nil
}
