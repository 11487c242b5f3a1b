package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/channel"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/lock"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

// Store is the dispatcher's view of persistence.
type Store interface {
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
	GetUnitContext(ctx context.Context, unitID string) (*models.UnitContext, error)
	ListPendingAlertIDs(ctx context.Context, limit int) ([]string, error)
	ListReminderCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Alert, error)
	InsertNotificationEvent(ctx context.Context, e *models.NotificationEvent) error
	MarkNotified(ctx context.Context, alertID string, revision int, at time.Time, reason string) (bool, error)
}

// PolicyResolver returns the effective policy, or nil when none applies.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, unitID string, alertType models.AlertType) (*models.NotificationPolicy, error)
}

// RecipientResolver expands a policy into users.
type RecipientResolver interface {
	ResolveRecipients(ctx context.Context, q models.RecipientQuery) ([]models.Recipient, error)
}

// Locker serializes work on one alert across notifier replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// Config controls one dispatcher.
type Config struct {
	Workers     int
	BatchSize   int
	CallTimeout time.Duration
	LockTTL     time.Duration
}

// Result summarizes one dispatch or sweep.
type Result struct {
	Alerts   int
	Notified int // stamped after delivery attempts
	Gated    int // stamped with SKIPPED rows by a gate
	Noop     int // nothing to do, already handled or busy elsewhere
	Stale    int // revision moved during dispatch
	Failed   int
	Events   int
}

func (r *Result) add(o *Result) {
	r.Alerts += o.Alerts
	r.Notified += o.Notified
	r.Gated += o.Gated
	r.Noop += o.Noop
	r.Stale += o.Stale
	r.Failed += o.Failed
	r.Events += o.Events
}

type outcome int

const (
	outcomeNoop outcome = iota
	outcomeNotified
	outcomeGated
	outcomeStale
)

// Dispatcher delivers pending alerts and their follow-ups.
type Dispatcher struct {
	store      Store
	policies   PolicyResolver
	recipients RecipientResolver
	senders    channel.Registry
	locker     Locker
	cfg        Config
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a dispatcher. locker may be nil, leaving the
// conditional stamp as the only guard.
func NewDispatcher(store Store, policies PolicyResolver, recipients RecipientResolver, senders channel.Registry, locker Locker, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Dispatcher{
		store:      store,
		policies:   policies,
		recipients: recipients,
		senders:    senders,
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// DispatchAlerts notifies the given pending alerts. Alerts that are no longer
// pending are ignored, so repeated calls are harmless.
func (d *Dispatcher) DispatchAlerts(ctx context.Context, alertIDs []string) (*Result, error) {
	return d.run(ctx, alertIDs, func(ctx context.Context, id string) (outcome, int, error) {
		return d.dispatchPending(ctx, id)
	}), nil
}

// Sweep dispatches every pending alert, then every due reminder or
// escalation step.
func (d *Dispatcher) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()

	ids, err := d.store.ListPendingAlertIDs(ctx, d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending alerts: %w", err)
	}
	result, _ := d.DispatchAlerts(ctx, ids)

	candidates, err := d.store.ListReminderCandidates(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list reminder candidates: %w", err)
	}
	byID := make(map[string]models.Alert, len(candidates))
	followIDs := make([]string, 0, len(candidates))
	for _, a := range candidates {
		byID[a.ID] = a
		followIDs = append(followIDs, a.ID)
	}
	follow := d.run(ctx, followIDs, func(ctx context.Context, id string) (outcome, int, error) {
		return d.dispatchFollowUp(ctx, byID[id])
	})
	result.add(follow)

	d.logger.Info("Notifier sweep complete",
		zap.Int("pending", len(ids)),
		zap.Int("follow_up_candidates", len(candidates)),
		zap.Int("notified", result.Notified),
		zap.Int("gated", result.Gated),
		zap.Int("failed", result.Failed),
		zap.Int("events", result.Events),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

type alertFunc func(ctx context.Context, alertID string) (outcome, int, error)

// run processes ids on the worker pool. A failing alert is logged and counted.
func (d *Dispatcher) run(ctx context.Context, ids []string, fn alertFunc) *Result {
	result := &Result{}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			d.logger.Info("Dispatch cancelled", zap.Error(ctx.Err()))
			break
		}
		id := id
		g.Go(func() error {
			out, events, err := d.safe(ctx, id, fn)
			mu.Lock()
			defer mu.Unlock()
			result.Alerts++
			result.Events += events
			if err != nil {
				result.Failed++
				d.logger.Error("Failed to dispatch alert", zap.String("alert_id", id), zap.Error(err))
				return nil
			}
			switch out {
			case outcomeNotified:
				result.Notified++
			case outcomeGated:
				result.Gated++
			case outcomeStale:
				result.Stale++
			default:
				result.Noop++
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (d *Dispatcher) safe(ctx context.Context, id string, fn alertFunc) (out outcome, events int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic dispatching alert %s: %v", id, p)
		}
	}()
	return fn(ctx, id)
}

// withAlertLock runs fn holding the alert's lease. A lease held elsewhere is a no-op.
func (d *Dispatcher) withAlertLock(ctx context.Context, alertID string, fn func() (outcome, int, error)) (outcome, int, error) {
	if d.locker == nil {
		return fn()
	}
	key := "alert:" + alertID
	token, err := d.locker.TryLock(ctx, key, d.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		d.logger.Debug("Alert busy on another notifier", zap.String("alert_id", alertID))
		return outcomeNoop, 0, nil
	}
	if err != nil {
		return outcomeNoop, 0, err
	}
	defer func() {
		if err := d.locker.Unlock(context.Background(), key, token); err != nil {
			d.logger.Warn("Failed to release alert lease", zap.String("alert_id", alertID), zap.Error(err))
		}
	}()
	return fn()
}

func (d *Dispatcher) dispatchPending(ctx context.Context, alertID string) (outcome, int, error) {
	return d.withAlertLock(ctx, alertID, func() (outcome, int, error) {
		// re-read under the lease; a concurrent dispatcher may have stamped it
		alert, err := d.store.GetAlert(ctx, alertID)
		if errors.Is(err, repository.ErrNotFound) {
			return outcomeNoop, 0, nil
		}
		if err != nil {
			return outcomeNoop, 0, err
		}
		if alert.Status != models.AlertStatusActive || alert.NotificationState != models.NotificationPending {
			return outcomeNoop, 0, nil
		}

		uc, policy, err := d.prepare(ctx, alert)
		if err != nil {
			return outcomeNoop, 0, err
		}
		now := d.now()
		return d.deliver(ctx, alert, uc, policy, pendingPlan(policy, alert, now), now)
	})
}

func (d *Dispatcher) dispatchFollowUp(ctx context.Context, candidate models.Alert) (outcome, int, error) {
	return d.withAlertLock(ctx, candidate.ID, func() (outcome, int, error) {
		alert, err := d.store.GetAlert(ctx, candidate.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return outcomeNoop, 0, nil
		}
		if err != nil {
			return outcomeNoop, 0, err
		}
		if alert.Status != models.AlertStatusActive ||
			alert.NotificationState != models.NotificationNotified ||
			!sameTime(alert.LastNotifiedAt, candidate.LastNotifiedAt) {
			return outcomeNoop, 0, nil
		}

		uc, policy, err := d.prepare(ctx, alert)
		if err != nil {
			return outcomeNoop, 0, err
		}
		now := d.now()
		pl, ok := followUpPlan(policy, alert, now)
		if !ok {
			return outcomeNoop, 0, nil
		}
		return d.deliver(ctx, alert, uc, policy, pl, now)
	})
}

// prepare loads the unit context and the effective policy.
func (d *Dispatcher) prepare(ctx context.Context, alert *models.Alert) (*models.UnitContext, *models.NotificationPolicy, error) {
	uc, err := d.store.GetUnitContext(ctx, alert.UnitID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load unit %s: %w", alert.UnitID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	policy, err := d.policies.ResolvePolicy(callCtx, alert.UnitID, alert.AlertType)
	switch {
	case err != nil:
		d.logger.Warn("Policy resolution failed, using in-app fallback",
			zap.String("alert_id", alert.ID), zap.String("unit_id", alert.UnitID), zap.Error(err))
		policy = models.FallbackPolicy()
	case policy == nil:
		d.logger.Info("No notification policy, using in-app fallback",
			zap.String("alert_id", alert.ID), zap.String("unit_id", alert.UnitID))
		policy = models.FallbackPolicy()
	}
	return uc, policy, nil
}

// deliver runs the gates and the channel fan-out for one cycle, writes one
// event per channel, then stamps the alert.
func (d *Dispatcher) deliver(ctx context.Context, alert *models.Alert, uc *models.UnitContext, policy *models.NotificationPolicy, pl plan, now time.Time) (outcome, int, error) {
	log := d.logger.With(
		zap.String("alert_id", alert.ID),
		zap.String("unit_id", alert.UnitID),
		zap.String("event_type", string(pl.eventType)),
	)

	// 1. Gates
	gate := ""
	if len(pl.channels) == 0 {
		// the policy names no channel; the skip is recorded on the in-app center
		gate = reasonNoChannels
		pl.channels = []models.Channel{models.ChannelInAppCenter}
	} else if !severityAllowed(policy, alert.Severity) {
		gate = reasonSeverity
	} else if alert.Severity != models.SeverityCritical {
		loc, err := siteLocation(uc.SiteTimezone)
		if err != nil {
			log.Warn("Using UTC for quiet hours", zap.Error(err))
		}
		quiet, err := inQuietHours(policy, loc, now)
		if err != nil {
			log.Warn("Ignoring invalid quiet hours", zap.Error(err))
		}
		if quiet {
			gate = reasonQuietHours
		}
	}
	if gate != "" {
		events := 0
		for _, c := range pl.channels {
			if err := d.record(ctx, alert.ID, c, pl.eventType, nil, models.DeliverySkipped, gate, "", now); err != nil {
				return outcomeNoop, events, err
			}
			events++
		}
		log.Info("Notification gated", zap.String("reason", gate))
		return d.stamp(ctx, alert, now, string(pl.eventType)+": skipped, "+gate, outcomeGated, events)
	}

	// 2. Recipients, resolved once for every channel
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	recipients, err := d.recipients.ResolveRecipients(callCtx, models.RecipientQuery{
		OrgID:               uc.Unit.OrgID,
		SiteID:              uc.Unit.SiteID,
		UnitID:              uc.Unit.ID,
		Roles:               pl.roles,
		NotifySiteManagers:  policy.NotifySiteManagers,
		NotifyAssignedUsers: policy.NotifyAssignedUsers,
	})
	cancel()
	if err != nil {
		return outcomeNoop, 0, fmt.Errorf("failed to resolve recipients: %w", err)
	}

	// 3. Fan-out
	msg := channel.Message{
		AlertID:     alert.ID,
		UnitID:      alert.UnitID,
		SiteID:      uc.Unit.SiteID,
		OrgID:       uc.Unit.OrgID,
		UnitName:    uc.Unit.Name,
		SiteName:    uc.SiteName,
		AlertType:   alert.AlertType,
		Severity:    alert.Severity,
		EventType:   pl.eventType,
		Title:       alert.Title,
		Body:        alert.Message,
		TriggeredAt: alert.TriggeredAt,
	}
	counts := map[models.DeliveryStatus]int{}
	events := 0
	for _, c := range pl.channels {
		if ctx.Err() != nil {
			return outcomeNoop, events, ctx.Err()
		}
		status, to, reason, providerID := d.send(ctx, c, msg, recipients)
		if err := d.record(ctx, alert.ID, c, pl.eventType, to, status, reason, providerID, now); err != nil {
			return outcomeNoop, events, err
		}
		events++
		counts[status]++
		if status == models.DeliveryFailed {
			log.Warn("Channel delivery failed", zap.String("channel", string(c)), zap.String("reason", reason))
		}
	}

	summary := fmt.Sprintf("%s: %d sent, %d skipped, %d failed",
		pl.eventType, counts[models.DeliverySent], counts[models.DeliverySkipped], counts[models.DeliveryFailed])
	log.Info("Alert notified", zap.String("summary", summary))
	return d.stamp(ctx, alert, now, summary, outcomeNotified, events)
}

// send attempts one channel and never panics.
func (d *Dispatcher) send(ctx context.Context, c models.Channel, msg channel.Message, recipients []models.Recipient) (status models.DeliveryStatus, to []string, reason, providerID string) {
	sender, ok := d.senders.Get(c)
	if !ok {
		return models.DeliverySkipped, nil, reasonNotConfigured, ""
	}
	to = sender.Addresses(recipients)
	if len(to) == 0 {
		return models.DeliverySkipped, nil, reasonNoRecipients, ""
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			status, reason, providerID = models.DeliveryFailed, fmt.Sprintf("panic: %v", p), ""
		}
	}()
	id, err := sender.Send(callCtx, msg, to)
	if err != nil {
		return models.DeliveryFailed, to, err.Error(), ""
	}
	return models.DeliverySent, to, "", id
}

func (d *Dispatcher) record(ctx context.Context, alertID string, c models.Channel, eventType models.NotificationEventType, to []string, status models.DeliveryStatus, reason, providerID string, at time.Time) error {
	e := &models.NotificationEvent{
		ID:           d.newID(),
		AlertID:      alertID,
		Channel:      c,
		EventType:    eventType,
		ToRecipients: to,
		Status:       status,
		CreatedAt:    at,
	}
	if reason != "" {
		e.Reason = &reason
	}
	if providerID != "" {
		e.ProviderMessageID = &providerID
	}
	return d.store.InsertNotificationEvent(ctx, e)
}

func (d *Dispatcher) stamp(ctx context.Context, alert *models.Alert, now time.Time, reason string, out outcome, events int) (outcome, int, error) {
	ok, err := d.store.MarkNotified(ctx, alert.ID, alert.NotificationRevision, now, truncate(reason, 255))
	if err != nil {
		return outcomeNoop, events, err
	}
	if !ok {
		// the evaluator re-pended it; the next sweep sends the escalation
		d.logger.Info("Alert changed during dispatch", zap.String("alert_id", alert.ID))
		return outcomeStale, events, nil
	}
	return out, events, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
