package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// StatusEventRepository appends unit status transitions.
type StatusEventRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewStatusEventRepository creates a status event repository.
func NewStatusEventRepository(db DBTX, logger *zap.Logger) *StatusEventRepository {
	return &StatusEventRepository{db: db, logger: logger}
}

// InsertStatusEvent appends one transition record.
func (r *StatusEventRepository) InsertStatusEvent(ctx context.Context, e *models.StatusEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO unit_status_events (
			id, unit_id, from_status, to_status, reason, temp_reading, door_state, missed_checkins, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UnitID, string(e.FromStatus), string(e.ToStatus), e.Reason, e.TempReading,
		string(e.DoorState), e.MissedCheckins, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert status event: %w", err)
	}
	return nil
}

// ListStatusEvents returns the newest transitions of a unit.
func (r *StatusEventRepository) ListStatusEvents(ctx context.Context, unitID string, limit int) ([]models.StatusEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, unit_id, from_status, to_status, reason, temp_reading, door_state, missed_checkins, created_at
		FROM unit_status_events
		WHERE unit_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query status events: %w", err)
	}
	defer rows.Close()

	var events []models.StatusEvent
	for rows.Next() {
		var (
			e              models.StatusEvent
			from, to, door string
			temp           *float64
		)
		if err := rows.Scan(&e.ID, &e.UnitID, &from, &to, &e.Reason, &temp, &door, &e.MissedCheckins, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status event: %w", err)
		}
		e.FromStatus = models.UnitStatus(from)
		e.ToStatus = models.UnitStatus(to)
		e.DoorState = models.ParseDoorState(door)
		e.TempReading = temp
		events = append(events, e)
	}
	return events, rows.Err()
}
