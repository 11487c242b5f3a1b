package evaluator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/rules"
)

// Input is everything Decide needs about one unit.
type Input struct {
	Unit            models.Unit
	Readings        []models.Reading // trailing window, oldest first
	LastManualLogAt *time.Time
	OpenAlerts      map[models.AlertType]models.Alert
	Thresholds      rules.Thresholds
	Now             time.Time
	// NotifyOnExcursionStart releases temp_excursion alerts for dispatch
	// immediately instead of at confirmation.
	NotifyOnExcursionStart bool
}

// Transition is one status change.
type Transition struct {
	From   models.UnitStatus
	To     models.UnitStatus
	Reason string
}

// AlertOpKind selects what to do with an alert.
type AlertOpKind int

const (
	AlertOpOpen AlertOpKind = iota + 1
	AlertOpUpdate
	AlertOpResolve
)

func (k AlertOpKind) String() string {
	switch k {
	case AlertOpOpen:
		return "open"
	case AlertOpUpdate:
		return "update"
	case AlertOpResolve:
		return "resolve"
	default:
		return fmt.Sprintf("AlertOpKind(%d)", int(k))
	}
}

// AlertOp is one alert write.
type AlertOp struct {
	Kind      AlertOpKind
	AlertType models.AlertType
	AlertID   string // update and resolve only
	Severity  models.Severity
	Message   string
	Metadata  json.RawMessage
	// NotificationState is the initial state of an opened alert.
	NotificationState models.NotificationState
	// Repend asks the dispatcher to notify again after an update.
	Repend bool
}

// Decision is the result of evaluating one unit.
type Decision struct {
	Status         models.UnitStatus
	Transitions    []Transition
	AlertOps       []AlertOp
	MissedCheckins int
	// Online is false when the unit has never reported.
	Online bool
}

// Changed reports whether the decision writes anything.
func (d Decision) Changed() bool {
	return len(d.Transitions) > 0 || len(d.AlertOps) > 0
}

type decider struct {
	in     Input
	limits rules.Limits
	status models.UnitStatus
	since  time.Time
	open   map[models.AlertType]models.Alert
	out    Decision
}

// Decide computes the next status and alert writes for one unit. It has no
// side effects; running it again on the persisted result yields no writes.
func Decide(in Input) Decision {
	d := &decider{
		in:     in,
		limits: rules.LimitsFor(&in.Unit),
		status: in.Unit.Status,
		since:  in.Unit.LastStatusChange,
		open:   make(map[models.AlertType]models.Alert, len(in.OpenAlerts)),
	}
	for k, v := range in.OpenAlerts {
		d.open[k] = v
	}

	d.run()
	d.out.Status = d.status
	return d.out
}

func (d *decider) run() {
	u := &d.in.Unit
	th := d.in.Thresholds

	// 1. Check-in timing. A unit that never reported is left alone.
	lastSeen := u.LastCheckinAt
	if lastSeen == nil {
		lastSeen = u.LastReadingAt
	}
	if lastSeen == nil {
		return
	}
	d.out.Online = true

	missed := rules.MissedCheckins(d.in.Now, *lastSeen, th.CheckinInterval(u), th.CheckinBuffer)
	d.out.MissedCheckins = missed

	switch th.OfflineSeverity(missed) {
	case models.SeverityCritical:
		d.criticalOffline()
		return
	case models.SeverityWarning:
		d.warningOffline()
		return
	}

	// 2. Check-ins are current again.
	if d.status.IsOfflineFamily() {
		d.transition(models.UnitStatusRestoring, "check-ins resumed")
	}
	d.resolve(models.AlertTypeMonitoringInterrupted)
	d.resolve(models.AlertTypeManualRequired)

	// 3. Temperature, only on fresh data.
	if u.LastTempReading == nil {
		return
	}
	d.temperature(*u.LastTempReading)
	d.coolingFailure()
}

func (d *decider) criticalOffline() {
	manual := d.manualOverdue()
	target := models.UnitStatusMonitoringInterrupted
	reason := fmt.Sprintf("%d missed check-ins", d.out.MissedCheckins)
	if manual {
		target = models.UnitStatusManualRequired
		reason += ", manual log overdue"
	}
	if d.status != target {
		d.transition(target, reason)
	}

	msg := fmt.Sprintf("%s has missed %d check-ins", d.unitName(), d.out.MissedCheckins)
	d.ensure(models.AlertTypeMonitoringInterrupted, models.SeverityCritical, msg, models.NotificationPending)

	if manual {
		d.ensure(models.AlertTypeManualRequired, models.SeverityCritical,
			fmt.Sprintf("%s needs a manual temperature log", d.unitName()), models.NotificationPending)
	} else {
		d.resolve(models.AlertTypeManualRequired)
	}
}

func (d *decider) warningOffline() {
	// excursion and alarm states keep precedence over a warning-level outage
	if d.status == models.UnitStatusOK || d.status == models.UnitStatusRestoring {
		d.transition(models.UnitStatusOffline, fmt.Sprintf("%d missed check-ins", d.out.MissedCheckins))
	}
	if d.status == models.UnitStatusOffline {
		msg := fmt.Sprintf("%s has missed %d check-ins", d.unitName(), d.out.MissedCheckins)
		d.ensure(models.AlertTypeMonitoringInterrupted, models.SeverityWarning, msg, models.NotificationPending)
	}
}

// manualOverdue reports whether neither a sensor reading nor a manual log
// arrived within cadence plus grace.
func (d *decider) manualOverdue() bool {
	u := &d.in.Unit
	last := latest(u.LastReadingAt, d.in.LastManualLogAt)
	if last == nil {
		return true
	}
	window := d.in.Thresholds.ManualCadence(u) + d.in.Thresholds.ManualGrace
	return d.in.Now.Sub(*last) > window
}

func (d *decider) temperature(temp float64) {
	u := &d.in.Unit
	out := d.limits.IsOutOfRange(temp)

	switch d.status {
	case models.UnitStatusOK, models.UnitStatusRestoring:
		if out {
			if d.status == models.UnitStatusOK && d.doorGraceActive() {
				return
			}
			d.transition(models.UnitStatusExcursion, fmt.Sprintf("temperature %.1f out of range", temp))
			state := models.NotificationPending
			if !d.in.NotifyOnExcursionStart {
				state = models.NotificationNotReady
			}
			d.ensure(models.AlertTypeTempExcursion, models.SeverityCritical, d.excursionMessage(temp, false), state)
			return
		}
		if d.limits.InRangeWithHysteresis(temp) {
			// left open when an outage interrupted the excursion
			d.resolve(models.AlertTypeTempExcursion)
			d.resolve(models.AlertTypeSuspectedCoolingFailure)
		}
		if d.status == models.UnitStatusRestoring && d.goodTail() >= d.in.Thresholds.RestoreGoodReadings {
			d.transition(models.UnitStatusOK, "temperature recovered")
		}

	case models.UnitStatusExcursion:
		if d.limits.InRangeWithHysteresis(temp) {
			d.recover(temp)
			return
		}
		if !out {
			// inside the deadband: neither recovered nor escalating
			return
		}
		confirm := d.in.Thresholds.ConfirmTime(u)
		if d.in.Now.Sub(d.since) < confirm {
			return
		}
		// built before the transition resets the status clock
		msg := d.excursionMessage(temp, true)
		meta := d.metadata(temp)
		d.transition(models.UnitStatusAlarmActive,
			fmt.Sprintf("excursion sustained for %s", confirm))
		if a, ok := d.open[models.AlertTypeTempExcursion]; ok {
			d.out.AlertOps = append(d.out.AlertOps, AlertOp{
				Kind:      AlertOpUpdate,
				AlertType: models.AlertTypeTempExcursion,
				AlertID:   a.ID,
				Severity:  models.SeverityCritical,
				Message:   msg,
				Metadata:  meta,
				Repend:    true,
			})
		} else {
			d.ensure(models.AlertTypeTempExcursion, models.SeverityCritical, msg, models.NotificationPending)
		}

	case models.UnitStatusAlarmActive:
		if d.limits.InRangeWithHysteresis(temp) {
			d.recover(temp)
		}
	}
}

func (d *decider) recover(temp float64) {
	d.transition(models.UnitStatusRestoring, fmt.Sprintf("temperature %.1f back in range", temp))
	d.resolve(models.AlertTypeTempExcursion)
	d.resolve(models.AlertTypeSuspectedCoolingFailure)
}

// doorGraceActive reports an open door still inside its grace period. An open
// door with no change time is treated as past grace.
func (d *decider) doorGraceActive() bool {
	u := &d.in.Unit
	if u.DoorState != models.DoorOpen || u.DoorOpenGraceMinutes <= 0 || u.DoorLastChangedAt == nil {
		return false
	}
	return d.in.Now.Sub(*u.DoorLastChangedAt) < time.Duration(u.DoorOpenGraceMinutes)*time.Minute
}

// goodTail counts consecutive in-range-with-hysteresis readings at the end of
// the window that were recorded after the last status change.
func (d *decider) goodTail() int {
	n := 0
	for i := len(d.in.Readings) - 1; i >= 0; i-- {
		r := d.in.Readings[i]
		if !r.RecordedAt.After(d.since) || !d.limits.InRangeWithHysteresis(r.Temperature) {
			break
		}
		n++
	}
	return n
}

func (d *decider) coolingFailure() {
	u := &d.in.Unit
	th := d.in.Thresholds
	if !d.status.IsTemperatureAlarm() || u.DoorState == models.DoorOpen {
		return
	}
	if _, ok := d.open[models.AlertTypeSuspectedCoolingFailure]; ok {
		return
	}

	cutoff := d.in.Now.Add(-th.CoolingWindow)
	var window []models.Reading
	for _, r := range d.in.Readings {
		if !r.RecordedAt.Before(cutoff) && !r.RecordedAt.After(d.in.Now) {
			window = append(window, r)
		}
	}
	if len(window) < th.CoolingMinReadings {
		return
	}
	for _, r := range window {
		if !d.limits.IsOutOfRange(r.Temperature) {
			return
		}
	}

	oldest, newest := window[0].Temperature, window[len(window)-1].Temperature
	var stuck bool
	if d.limits.IsAboveHigh(newest) {
		stuck = newest >= oldest-th.CoolingTrendTolerance
	} else {
		stuck = newest <= oldest+th.CoolingTrendTolerance
	}
	if !stuck {
		return
	}

	msg := fmt.Sprintf("%s has stayed out of range for %d readings (%.1f → %.1f) with the door closed",
		d.unitName(), len(window), oldest, newest)
	d.ensure(models.AlertTypeSuspectedCoolingFailure, models.SeverityWarning, msg, models.NotificationPending)
}

func (d *decider) transition(to models.UnitStatus, reason string) {
	d.out.Transitions = append(d.out.Transitions, Transition{From: d.status, To: to, Reason: reason})
	d.status = to
	d.since = d.in.Now
}

// ensure opens alertType if no open alert exists, and escalates an open one
// whose severity is lower than severity.
func (d *decider) ensure(alertType models.AlertType, severity models.Severity, msg string, state models.NotificationState) {
	temp := d.in.Unit.LastTempReading
	var t float64
	if temp != nil {
		t = *temp
	}

	if a, ok := d.open[alertType]; ok {
		if a.Severity.Rank() < severity.Rank() {
			d.out.AlertOps = append(d.out.AlertOps, AlertOp{
				Kind:      AlertOpUpdate,
				AlertType: alertType,
				AlertID:   a.ID,
				Severity:  severity,
				Message:   msg,
				Metadata:  d.metadata(t),
				Repend:    true,
			})
			a.Severity = severity
			d.open[alertType] = a
		}
		return
	}

	d.out.AlertOps = append(d.out.AlertOps, AlertOp{
		Kind:              AlertOpOpen,
		AlertType:         alertType,
		Severity:          severity,
		Message:           msg,
		Metadata:          d.metadata(t),
		NotificationState: state,
	})
	d.open[alertType] = models.Alert{AlertType: alertType, Severity: severity, Status: models.AlertStatusActive}
}

func (d *decider) resolve(alertType models.AlertType) {
	a, ok := d.open[alertType]
	if !ok {
		return
	}
	delete(d.open, alertType)
	if a.ID == "" {
		// opened earlier in this pass; drop instead of writing twice
		d.out.AlertOps = dropOpen(d.out.AlertOps, alertType)
		return
	}
	d.out.AlertOps = append(d.out.AlertOps, AlertOp{Kind: AlertOpResolve, AlertType: alertType, AlertID: a.ID})
}

type alertMetadata struct {
	Temperature       *float64   `json:"temperature,omitempty"`
	TempLimitHigh     float64    `json:"temp_limit_high"`
	TempLimitLow      *float64   `json:"temp_limit_low,omitempty"`
	Hysteresis        float64    `json:"temp_hysteresis"`
	DoorState         string     `json:"door_state"`
	DoorLastChangedAt *time.Time `json:"door_last_changed_at,omitempty"`
	MissedCheckins    int        `json:"missed_checkins"`
	ConfirmTimeS      int        `json:"confirm_time_s"`
	StatusSince       time.Time  `json:"status_since"`
	RulesVersion      string     `json:"rules_version"`
	EvaluatedAt       time.Time  `json:"evaluated_at"`
}

func (d *decider) metadata(temp float64) json.RawMessage {
	u := &d.in.Unit
	m := alertMetadata{
		TempLimitHigh:     d.limits.High,
		TempLimitLow:      d.limits.Low,
		Hysteresis:        d.limits.Hysteresis,
		DoorState:         string(u.DoorState),
		DoorLastChangedAt: u.DoorLastChangedAt,
		MissedCheckins:    d.out.MissedCheckins,
		ConfirmTimeS:      int(d.in.Thresholds.ConfirmTime(u) / time.Second),
		StatusSince:       d.since,
		RulesVersion:      d.in.Thresholds.Version,
		EvaluatedAt:       d.in.Now,
	}
	if u.LastTempReading != nil {
		m.Temperature = &temp
	}
	data, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func (d *decider) excursionMessage(temp float64, confirmed bool) string {
	bound := fmt.Sprintf("above %.1f", d.limits.High)
	if !d.limits.IsAboveHigh(temp) && d.limits.Low != nil {
		bound = fmt.Sprintf("below %.1f", *d.limits.Low)
	}
	if confirmed {
		return fmt.Sprintf("%s confirmed at %.1f, %s for %s (door %s)",
			d.unitName(), temp, bound, d.in.Now.Sub(d.since).Truncate(time.Second), d.in.Unit.DoorState)
	}
	return fmt.Sprintf("%s reading %.1f is %s (door %s)", d.unitName(), temp, bound, d.in.Unit.DoorState)
}

func (d *decider) unitName() string {
	if d.in.Unit.Name != "" {
		return d.in.Unit.Name
	}
	return "Unit " + d.in.Unit.ID
}

func dropOpen(ops []AlertOp, alertType models.AlertType) []AlertOp {
	kept := ops[:0]
	for _, op := range ops {
		if op.Kind == AlertOpOpen && op.AlertType == alertType {
			continue
		}
		kept = append(kept, op)
	}
	return kept
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
