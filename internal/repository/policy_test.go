package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

var policyColumnNames = []string{
	"initial_channels", "severity_threshold", "allow_warning_notifications",
	"quiet_hours_enabled", "quiet_hours_start", "quiet_hours_end",
	"notify_roles", "notify_site_managers", "notify_assigned_users",
	"reminders_enabled", "reminder_interval_minutes", "escalation_steps",
}

func setupMockPolicyDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PolicyRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewPolicyRepository(db, zap.NewNop())
}

func expectScope(mock sqlmock.Sqlmock, unitID string) {
	mock.ExpectQuery(`SELECT u.site_id, s.org_id`).
		WithArgs(unitID).
		WillReturnRows(sqlmock.NewRows([]string{"site_id", "org_id"}).AddRow("site-1", "org-1"))
}

func TestResolvePolicy_UnitScope(t *testing.T) {
	db, mock, repo := setupMockPolicyDB(t)
	defer db.Close()

	expectScope(mock, "unit-1")
	mock.ExpectQuery(`unit_id = \$1 AND alert_type = \$2`).
		WithArgs("unit-1", "temp_excursion").
		WillReturnRows(sqlmock.NewRows(policyColumnNames).AddRow(
			[]byte("{IN_APP_CENTER,EMAIL}"), "CRITICAL", false,
			true, "22:00", "06:00",
			[]byte("{manager}"), true, false,
			true, 30, []byte(`[{"delay_minutes": 15, "channels": ["SMS"], "notify_roles": ["owner"]}]`),
		))

	policy, err := repo.ResolvePolicy(context.Background(), "unit-1", models.AlertTypeTempExcursion)
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.Equal(t, []models.Channel{models.ChannelInAppCenter, models.ChannelEmail}, policy.InitialChannels)
	assert.Equal(t, models.SeverityCritical, policy.SeverityThreshold)
	assert.Equal(t, "22:00", policy.QuietHoursStart)
	assert.Equal(t, []string{"manager"}, policy.NotifyRoles)
	require.Len(t, policy.EscalationSteps, 1)
	assert.Equal(t, 15, policy.EscalationSteps[0].DelayMinutes)
	assert.Equal(t, []models.Channel{models.ChannelSMS}, policy.EscalationSteps[0].Channels)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolvePolicy_FallsBackToOrg(t *testing.T) {
	db, mock, repo := setupMockPolicyDB(t)
	defer db.Close()

	expectScope(mock, "unit-1")
	mock.ExpectQuery(`unit_id = \$1 AND alert_type`).
		WithArgs("unit-1", "monitoring_interrupted").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`site_id = \$1 AND unit_id IS NULL`).
		WithArgs("site-1", "monitoring_interrupted").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`org_id = \$1 AND site_id IS NULL`).
		WithArgs("org-1", "monitoring_interrupted").
		WillReturnRows(sqlmock.NewRows(policyColumnNames).AddRow(
			[]byte("{WEB_TOAST}"), "WARNING", true,
			false, nil, nil,
			[]byte("{}"), false, true,
			false, 0, []byte(`[]`),
		))

	policy, err := repo.ResolvePolicy(context.Background(), "unit-1", models.AlertTypeMonitoringInterrupted)
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.Equal(t, []models.Channel{models.ChannelWebToast}, policy.InitialChannels)
	assert.True(t, policy.AllowWarningNotifications)
	assert.True(t, policy.NotifyAssignedUsers)
	assert.Empty(t, policy.QuietHoursStart)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolvePolicy_NoneMatches(t *testing.T) {
	db, mock, repo := setupMockPolicyDB(t)
	defer db.Close()

	expectScope(mock, "unit-1")
	for i := 0; i < 3; i++ {
		mock.ExpectQuery(`FROM notification_policies`).WillReturnError(sql.ErrNoRows)
	}

	policy, err := repo.ResolvePolicy(context.Background(), "unit-1", models.AlertTypeManualRequired)
	require.NoError(t, err)
	assert.Nil(t, policy)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolvePolicy_UnknownChannel(t *testing.T) {
	db, mock, repo := setupMockPolicyDB(t)
	defer db.Close()

	expectScope(mock, "unit-1")
	mock.ExpectQuery(`unit_id = \$1 AND alert_type`).
		WillReturnRows(sqlmock.NewRows(policyColumnNames).AddRow(
			[]byte("{PAGER}"), "CRITICAL", false, false, nil, nil,
			[]byte("{}"), false, false, false, 0, []byte(`[]`),
		))

	_, err := repo.ResolvePolicy(context.Background(), "unit-1", models.AlertTypeTempExcursion)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown channel")
}
