package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

const unitColumns = `
	u.id, u.site_id, s.org_id, u.name,
	u.last_reading_at, u.last_temp_reading, u.last_checkin_at, u.consecutive_checkins,
	u.sensor_reliable, u.door_state, u.door_last_changed_at,
	u.temp_limit_high, u.temp_limit_low, u.temp_hysteresis, u.checkin_interval_minutes,
	u.door_open_grace_minutes, u.confirm_time_door_open_s, u.confirm_time_door_closed_s,
	u.manual_log_cadence_s, u.status, u.last_status_change`

// UnitRepository reads and writes units.
type UnitRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewUnitRepository creates a unit repository on db (a *sql.DB or *sql.Tx).
func NewUnitRepository(db DBTX, logger *zap.Logger) *UnitRepository {
	return &UnitRepository{db: db, logger: logger}
}

// ListActiveUnitIDs returns every unit with is_active = true.
func (r *UnitRepository) ListActiveUnitIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM units WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active units: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unit id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetUnit loads one unit.
func (r *UnitRepository) GetUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	query := `SELECT ` + unitColumns + `
		FROM units u
		JOIN sites s ON s.id = u.site_id
		WHERE u.id = $1`
	return r.getUnit(ctx, query, unitID)
}

// GetUnitForUpdate loads one unit and row-locks it until the transaction ends.
func (r *UnitRepository) GetUnitForUpdate(ctx context.Context, unitID string) (*models.Unit, error) {
	query := `SELECT ` + unitColumns + `
		FROM units u
		JOIN sites s ON s.id = u.site_id
		WHERE u.id = $1
		FOR UPDATE OF u`
	return r.getUnit(ctx, query, unitID)
}

func (r *UnitRepository) getUnit(ctx context.Context, query, unitID string) (*models.Unit, error) {
	unit, err := scanUnit(r.db.QueryRowContext(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get unit %s: %w", unitID, err)
	}
	return unit, nil
}

func scanUnit(row scanner) (*models.Unit, error) {
	var (
		u                 models.Unit
		lastReadingAt     sql.NullTime
		lastTemp          sql.NullFloat64
		lastCheckinAt     sql.NullTime
		doorState         string
		doorLastChangedAt sql.NullTime
		tempLimitLow      sql.NullFloat64
		status            string
	)
	err := row.Scan(
		&u.ID, &u.SiteID, &u.OrgID, &u.Name,
		&lastReadingAt, &lastTemp, &lastCheckinAt, &u.ConsecutiveCheckins,
		&u.SensorReliable, &doorState, &doorLastChangedAt,
		&u.TempLimitHigh, &tempLimitLow, &u.TempHysteresis, &u.CheckinIntervalMinutes,
		&u.DoorOpenGraceMinutes, &u.ConfirmTimeDoorOpenS, &u.ConfirmTimeDoorClosedS,
		&u.ManualLogCadenceS, &status, &u.LastStatusChange,
	)
	if err != nil {
		return nil, err
	}

	u.LastReadingAt = nullTimePtr(lastReadingAt)
	u.LastTempReading = nullFloatPtr(lastTemp)
	u.LastCheckinAt = nullTimePtr(lastCheckinAt)
	u.DoorState = models.ParseDoorState(doorState)
	u.DoorLastChangedAt = nullTimePtr(doorLastChangedAt)
	u.TempLimitLow = nullFloatPtr(tempLimitLow)
	u.Status, err = models.ParseUnitStatus(status)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateStatus writes a new status and stamps last_status_change.
func (r *UnitRepository) UpdateStatus(ctx context.Context, unitID string, status models.UnitStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE units
		SET status = $2, last_status_change = $3, updated_at = now()
		WHERE id = $1`,
		unitID, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("failed to update unit status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return nil
}

// GetUnitContext loads a unit with its site timezone and org name.
func (r *UnitRepository) GetUnitContext(ctx context.Context, unitID string) (*models.UnitContext, error) {
	query := `SELECT ` + unitColumns + `, s.name, s.timezone, o.name
		FROM units u
		JOIN sites s ON s.id = u.site_id
		JOIN organizations o ON o.id = s.org_id
		WHERE u.id = $1`

	var uc models.UnitContext
	row := r.db.QueryRowContext(ctx, query, unitID)
	unit, err := scanUnit(&trailingScanner{row: row, extra: []interface{}{&uc.SiteName, &uc.SiteTimezone, &uc.OrgName}})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get unit context %s: %w", unitID, err)
	}
	uc.Unit = *unit
	return &uc, nil
}

// trailingScanner appends extra destinations after the unit columns.
type trailingScanner struct {
	row   scanner
	extra []interface{}
}

func (s *trailingScanner) Scan(dest ...interface{}) error {
	return s.row.Scan(append(dest, s.extra...)...)
}

// Telemetry is one normalized ingest sample.
type Telemetry struct {
	UnitID      string
	Temperature *float64
	DoorState   models.DoorState
	RecordedAt  time.Time
}

// ApplyTelemetry updates the ingest-owned unit fields. A nil temperature is a
// heartbeat and only advances the check-in fields.
func (r *UnitRepository) ApplyTelemetry(ctx context.Context, t Telemetry) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE units SET
			last_checkin_at = GREATEST(COALESCE(last_checkin_at, $2), $2),
			consecutive_checkins = CASE
				WHEN last_checkin_at IS NULL
					OR $2 - last_checkin_at > make_interval(mins => GREATEST(checkin_interval_minutes, 1)) + interval '30 seconds'
				THEN 1 ELSE consecutive_checkins + 1 END,
			last_reading_at = CASE WHEN $3::double precision IS NULL THEN last_reading_at
				ELSE GREATEST(COALESCE(last_reading_at, $2), $2) END,
			last_temp_reading = CASE WHEN $3::double precision IS NULL OR last_reading_at > $2 THEN last_temp_reading
				ELSE $3 END,
			door_last_changed_at = CASE WHEN $4 <> 'unknown' AND door_state <> $4 THEN $2
				ELSE door_last_changed_at END,
			door_state = CASE WHEN $4 = 'unknown' THEN door_state ELSE $4 END,
			updated_at = now()
		WHERE id = $1`,
		t.UnitID, t.RecordedAt, t.Temperature, string(t.DoorState),
	)
	if err != nil {
		return fmt.Errorf("failed to apply telemetry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unit %s: %w", t.UnitID, ErrNotFound)
	}
	return nil
}
