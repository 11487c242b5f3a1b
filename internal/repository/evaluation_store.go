package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// UnitTx is the per-unit critical section used by the evaluator. Every call
// runs in one transaction holding the unit's row lock.
type UnitTx interface {
	LockUnit(ctx context.Context, unitID string) (*models.Unit, error)
	RecentReadings(ctx context.Context, unitID string, since time.Time) ([]models.Reading, error)
	LastManualLogAt(ctx context.Context, unitID string) (*time.Time, error)
	OpenAlerts(ctx context.Context, unitID string) ([]models.Alert, error)
	UpdateUnitStatus(ctx context.Context, unitID string, status models.UnitStatus, at time.Time) error
	InsertStatusEvent(ctx context.Context, e *models.StatusEvent) error
	InsertAlert(ctx context.Context, a *models.Alert) (bool, error)
	UpdateAlert(ctx context.Context, alertID string, upd AlertUpdate, at time.Time) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time) error
}

// EvaluationStore runs evaluator transactions against PostgreSQL.
type EvaluationStore struct {
	db     *sql.DB
	units  *UnitRepository
	logger *zap.Logger
}

// NewEvaluationStore creates an evaluation store.
func NewEvaluationStore(db *sql.DB, logger *zap.Logger) *EvaluationStore {
	return &EvaluationStore{
		db:     db,
		units:  NewUnitRepository(db, logger),
		logger: logger,
	}
}

// ListActiveUnitIDs returns every active unit.
func (s *EvaluationStore) ListActiveUnitIDs(ctx context.Context) ([]string, error) {
	return s.units.ListActiveUnitIDs(ctx)
}

// InUnitTx runs fn in a transaction. Nothing is committed if fn fails.
func (s *EvaluationStore) InUnitTx(ctx context.Context, unitID string, fn func(tx UnitTx) error) error {
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(newUnitTx(tx, s.logger))
	})
}

type unitTx struct {
	units    *UnitRepository
	readings *ReadingRepository
	alerts   *AlertRepository
	events   *StatusEventRepository
}

func newUnitTx(tx DBTX, logger *zap.Logger) *unitTx {
	return &unitTx{
		units:    NewUnitRepository(tx, logger),
		readings: NewReadingRepository(tx, logger),
		alerts:   NewAlertRepository(tx, logger),
		events:   NewStatusEventRepository(tx, logger),
	}
}

func (t *unitTx) LockUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	return t.units.GetUnitForUpdate(ctx, unitID)
}

func (t *unitTx) RecentReadings(ctx context.Context, unitID string, since time.Time) ([]models.Reading, error) {
	return t.readings.RecentReadings(ctx, unitID, since)
}

func (t *unitTx) LastManualLogAt(ctx context.Context, unitID string) (*time.Time, error) {
	return t.readings.LastManualLogAt(ctx, unitID)
}

func (t *unitTx) OpenAlerts(ctx context.Context, unitID string) ([]models.Alert, error) {
	return t.alerts.OpenAlerts(ctx, unitID)
}

func (t *unitTx) UpdateUnitStatus(ctx context.Context, unitID string, status models.UnitStatus, at time.Time) error {
	return t.units.UpdateStatus(ctx, unitID, status, at)
}

func (t *unitTx) InsertStatusEvent(ctx context.Context, e *models.StatusEvent) error {
	return t.events.InsertStatusEvent(ctx, e)
}

func (t *unitTx) InsertAlert(ctx context.Context, a *models.Alert) (bool, error) {
	return t.alerts.InsertAlert(ctx, a)
}

func (t *unitTx) UpdateAlert(ctx context.Context, alertID string, upd AlertUpdate, at time.Time) error {
	return t.alerts.UpdateAlert(ctx, alertID, upd, at)
}

func (t *unitTx) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	return t.alerts.ResolveAlert(ctx, alertID, at)
}

// DispatchStore bundles the reads and writes of the escalation dispatcher.
type DispatchStore struct {
	*AlertRepository
	*NotificationEventRepository
	units *UnitRepository
}

// NewDispatchStore creates a dispatch store on db.
func NewDispatchStore(db *sql.DB, logger *zap.Logger) *DispatchStore {
	return &DispatchStore{
		AlertRepository:             NewAlertRepository(db, logger),
		NotificationEventRepository: NewNotificationEventRepository(db, logger),
		units:                       NewUnitRepository(db, logger),
	}
}

// GetUnitContext loads the unit with site and org context.
func (s *DispatchStore) GetUnitContext(ctx context.Context, unitID string) (*models.UnitContext, error) {
	return s.units.GetUnitContext(ctx, unitID)
}
