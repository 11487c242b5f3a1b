package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/lock"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/rules"
)

// Store is the evaluator's view of persistence.
type Store interface {
	ListActiveUnitIDs(ctx context.Context) ([]string, error)
	InUnitTx(ctx context.Context, unitID string, fn func(tx repository.UnitTx) error) error
}

// Locker guards a run against concurrent replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// AlertQueue receives alerts that became pending, for push dispatch.
type AlertQueue interface {
	EnqueuePending(ctx context.Context, ref models.AlertRef) error
}

// StatusPublisher fans status transitions out after commit.
type StatusPublisher interface {
	PublishStatusEvent(ctx context.Context, e models.StatusEvent) error
}

// Config controls one evaluator.
type Config struct {
	Workers                int
	RulesFile              string
	LockKey                string
	LockTTL                time.Duration
	NotifyOnExcursionStart bool
}

// RunResult summarizes one run.
type RunResult struct {
	Skipped        bool
	Units          int
	Failed         int
	Transitions    int
	AlertsOpened   int
	AlertsUpdated  int
	AlertsResolved int
	// NeverReported counts units with no check-in yet; they are not evaluated.
	NeverReported int
	// Pending lists alerts that need dispatch after this run.
	Pending  []models.AlertRef
	Duration time.Duration
}

// Evaluator runs the unit state machine over every active unit.
type Evaluator struct {
	store     Store
	locker    Locker
	queue     AlertQueue
	publisher StatusPublisher
	cfg       Config
	logger    *zap.Logger

	loadRules func(path string) (rules.Thresholds, error)
	newID     func() string
}

// Option configures optional collaborators.
type Option func(*Evaluator)

// WithLocker enables the per-run lease.
func WithLocker(l Locker) Option { return func(e *Evaluator) { e.locker = l } }

// WithAlertQueue enables push notification of pending alerts.
func WithAlertQueue(q AlertQueue) Option { return func(e *Evaluator) { e.queue = q } }

// WithStatusPublisher enables status event fan-out.
func WithStatusPublisher(p StatusPublisher) Option { return func(e *Evaluator) { e.publisher = p } }

// WithRulesLoader replaces the alert rule loader.
func WithRulesLoader(fn func(path string) (rules.Thresholds, error)) Option {
	return func(e *Evaluator) { e.loadRules = fn }
}

// NewEvaluator creates an evaluator.
func NewEvaluator(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "evaluator"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	e := &Evaluator{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		loadRules: rules.LoadFile,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// unitOutcome is what one committed unit evaluation produced.
type unitOutcome struct {
	events   []models.StatusEvent
	pending  []models.AlertRef
	opened   int
	updated  int
	resolved int

	neverReported bool
}

// readingsSince returns the start of the reading window. It covers the
// cooling-failure window and, for a restoring unit, enough check-in
// intervals since the status change to collect the recovery streak.
func readingsSince(u *models.Unit, th rules.Thresholds, now time.Time) time.Time {
	since := now.Add(-th.CoolingWindow)
	if u.Status != models.UnitStatusRestoring || !u.LastStatusChange.Before(since) {
		return since
	}
	streak := time.Duration(th.RestoreGoodReadings+1)*th.CheckinInterval(u) + th.CheckinBuffer
	if floor := now.Add(-streak); u.LastStatusChange.Before(floor) {
		return floor
	}
	return u.LastStatusChange
}

// RunOnce evaluates every active unit at now. Unit failures are logged and
// counted; only failing to list units is returned as an error.
func (e *Evaluator) RunOnce(ctx context.Context, now time.Time) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	// 1. Run lease
	if e.locker != nil {
		token, err := e.locker.TryLock(ctx, e.cfg.LockKey, e.cfg.LockTTL)
		switch {
		case errors.Is(err, lock.ErrNotAcquired):
			e.logger.Info("Evaluator run skipped, another instance holds the lease")
			result.Skipped = true
			return result, nil
		case err != nil:
			// row locks still serialize units; carry on without the lease
			e.logger.Warn("Failed to acquire evaluator lease", zap.Error(err))
		default:
			defer func() {
				if err := e.locker.Unlock(context.Background(), e.cfg.LockKey, token); err != nil {
					e.logger.Warn("Failed to release evaluator lease", zap.Error(err))
				}
			}()
		}
	}

	// 2. Alert rules, loaded once and shared by value
	thresholds, err := e.loadRules(e.cfg.RulesFile)
	if err != nil {
		e.logger.Warn("Failed to load alert rules, using defaults", zap.Error(err))
	}

	// 3. Units
	unitIDs, err := e.store.ListActiveUnitIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	result.Units = len(unitIDs)

	var (
		mu       sync.Mutex
		outcomes []unitOutcome
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Workers)

	for _, unitID := range unitIDs {
		if ctx.Err() != nil {
			e.logger.Info("Evaluator run cancelled", zap.Error(ctx.Err()))
			break
		}
		unitID := unitID
		g.Go(func() error {
			outcome, err := e.evaluateUnit(ctx, unitID, thresholds, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				e.logger.Error("Failed to evaluate unit", zap.String("unit_id", unitID), zap.Error(err))
				return nil
			}
			outcomes = append(outcomes, outcome)
			return nil
		})
	}
	_ = g.Wait()

	// 4. Post-commit fan-out
	for _, o := range outcomes {
		result.Transitions += len(o.events)
		result.AlertsOpened += o.opened
		result.AlertsUpdated += o.updated
		result.AlertsResolved += o.resolved
		if o.neverReported {
			result.NeverReported++
		}
		result.Pending = append(result.Pending, o.pending...)
		e.publish(ctx, o)
	}

	result.Duration = time.Since(start)
	e.logger.Info("Evaluator run complete",
		zap.Int("units", result.Units),
		zap.Int("failed", result.Failed),
		zap.Int("transitions", result.Transitions),
		zap.Int("alerts_opened", result.AlertsOpened),
		zap.Int("alerts_resolved", result.AlertsResolved),
		zap.Int("never_reported", result.NeverReported),
		zap.Int("pending", len(result.Pending)),
		zap.String("rules_version", thresholds.Version),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (e *Evaluator) publish(ctx context.Context, o unitOutcome) {
	if e.publisher != nil {
		for _, ev := range o.events {
			if err := e.publisher.PublishStatusEvent(ctx, ev); err != nil {
				e.logger.Warn("Failed to publish status event", zap.String("unit_id", ev.UnitID), zap.Error(err))
			}
		}
	}
	if e.queue != nil {
		for _, ref := range o.pending {
			if err := e.queue.EnqueuePending(ctx, ref); err != nil {
				// the notifier sweep picks it up from the store
				e.logger.Warn("Failed to enqueue pending alert", zap.String("alert_id", ref.AlertID), zap.Error(err))
			}
		}
	}
}

// evaluateUnit runs Decide for one unit inside its own transaction.
func (e *Evaluator) evaluateUnit(ctx context.Context, unitID string, th rules.Thresholds, now time.Time) (outcome unitOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic evaluating unit %s: %v", unitID, p)
		}
	}()

	err = e.store.InUnitTx(ctx, unitID, func(tx repository.UnitTx) error {
		outcome = unitOutcome{}

		// 1. Lock and load
		unit, err := tx.LockUnit(ctx, unitID)
		if err != nil {
			return err
		}
		readings, err := tx.RecentReadings(ctx, unitID, readingsSince(unit, th, now))
		if err != nil {
			return err
		}
		lastManual, err := tx.LastManualLogAt(ctx, unitID)
		if err != nil {
			return err
		}
		openAlerts, err := tx.OpenAlerts(ctx, unitID)
		if err != nil {
			return err
		}
		open := make(map[models.AlertType]models.Alert, len(openAlerts))
		for _, a := range openAlerts {
			open[a.AlertType] = a
		}

		// 2. Decide
		decision := Decide(Input{
			Unit:                   *unit,
			Readings:               readings,
			LastManualLogAt:        lastManual,
			OpenAlerts:             open,
			Thresholds:             th,
			Now:                    now,
			NotifyOnExcursionStart: e.cfg.NotifyOnExcursionStart,
		})
		outcome.neverReported = !decision.Online
		if !decision.Changed() {
			return nil
		}

		// 3. Persist
		if len(decision.Transitions) > 0 {
			if err := tx.UpdateUnitStatus(ctx, unitID, decision.Status, now); err != nil {
				return err
			}
			for _, tr := range decision.Transitions {
				ev := models.StatusEvent{
					ID:             e.newID(),
					UnitID:         unitID,
					FromStatus:     tr.From,
					ToStatus:       tr.To,
					Reason:         tr.Reason,
					TempReading:    unit.LastTempReading,
					DoorState:      unit.DoorState,
					MissedCheckins: decision.MissedCheckins,
					CreatedAt:      now,
				}
				if err := tx.InsertStatusEvent(ctx, &ev); err != nil {
					return err
				}
				outcome.events = append(outcome.events, ev)
				e.logger.Info("Unit status changed",
					zap.String("unit_id", unitID),
					zap.String("from", string(tr.From)),
					zap.String("to", string(tr.To)),
					zap.String("reason", tr.Reason),
				)
			}
		}

		for _, op := range decision.AlertOps {
			if err := e.applyAlertOp(ctx, tx, unitID, op, now, &outcome); err != nil {
				return err
			}
		}
		return nil
	})
	return outcome, err
}

func (e *Evaluator) applyAlertOp(ctx context.Context, tx repository.UnitTx, unitID string, op AlertOp, now time.Time, outcome *unitOutcome) error {
	switch op.Kind {
	case AlertOpOpen:
		alert := &models.Alert{
			ID:                e.newID(),
			UnitID:            unitID,
			AlertType:         op.AlertType,
			Severity:          op.Severity,
			Status:            models.AlertStatusActive,
			Title:             op.AlertType.Title(),
			Message:           op.Message,
			Metadata:          op.Metadata,
			TriggeredAt:       now,
			NotificationState: op.NotificationState,
		}
		inserted, err := tx.InsertAlert(ctx, alert)
		if err != nil {
			return err
		}
		if !inserted {
			e.logger.Debug("Open alert already exists",
				zap.String("unit_id", unitID), zap.String("alert_type", string(op.AlertType)))
			return nil
		}
		outcome.opened++
		if op.NotificationState == models.NotificationPending {
			outcome.pending = append(outcome.pending, models.AlertRef{AlertID: alert.ID, UnitID: unitID, AlertType: op.AlertType})
		}
		return nil

	case AlertOpUpdate:
		err := tx.UpdateAlert(ctx, op.AlertID, repository.AlertUpdate{
			Severity: op.Severity,
			Message:  op.Message,
			Metadata: op.Metadata,
			Repend:   op.Repend,
		}, now)
		if err != nil {
			return err
		}
		outcome.updated++
		if op.Repend {
			outcome.pending = append(outcome.pending, models.AlertRef{AlertID: op.AlertID, UnitID: unitID, AlertType: op.AlertType})
		}
		return nil

	case AlertOpResolve:
		if err := tx.ResolveAlert(ctx, op.AlertID, now); err != nil {
			return err
		}
		outcome.resolved++
		return nil

	default:
		return fmt.Errorf("unknown alert op %s", op.Kind)
	}
}
