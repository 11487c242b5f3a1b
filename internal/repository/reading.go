package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// maxWindowReadings caps the readings loaded per evaluation.
const maxWindowReadings = 500

// ReadingRepository reads sensor readings and manual temperature logs.
type ReadingRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewReadingRepository creates a reading repository.
func NewReadingRepository(db DBTX, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{db: db, logger: logger}
}

// InsertReading stores one temperature sample.
func (r *ReadingRepository) InsertReading(ctx context.Context, reading models.Reading) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (unit_id, temperature, recorded_at)
		VALUES ($1, $2, $3)`,
		reading.UnitID, reading.Temperature, reading.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// RecentReadings returns readings recorded at or after since, oldest first.
func (r *ReadingRepository) RecentReadings(ctx context.Context, unitID string, since time.Time) ([]models.Reading, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT unit_id, temperature, recorded_at FROM (
			SELECT unit_id, temperature, recorded_at
			FROM sensor_readings
			WHERE unit_id = $1 AND recorded_at >= $2
			ORDER BY recorded_at DESC
			LIMIT $3
		) recent
		ORDER BY recorded_at ASC`,
		unitID, since, maxWindowReadings,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var rd models.Reading
		if err := rows.Scan(&rd.UnitID, &rd.Temperature, &rd.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, rd)
	}
	return readings, rows.Err()
}

// LastManualLogAt returns the newest manual log time, or nil if none exist.
func (r *ReadingRepository) LastManualLogAt(ctx context.Context, unitID string) (*time.Time, error) {
	var at sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(logged_at) FROM manual_temperature_logs WHERE unit_id = $1`, unitID,
	).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("failed to query manual logs: %w", err)
	}
	return nullTimePtr(at), nil
}
