package rules

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// Thresholds is the alert-rule configuration for one evaluator run.
// It is loaded once per run and passed by value.
type Thresholds struct {
	Version string `yaml:"version"`

	WarningMissedCheckins  int           `yaml:"warning_missed_checkins"`
	CriticalMissedCheckins int           `yaml:"critical_missed_checkins"`
	CheckinBuffer          time.Duration `yaml:"checkin_buffer"`
	DefaultCheckinInterval time.Duration `yaml:"default_checkin_interval"`

	ManualGrace          time.Duration `yaml:"manual_grace"`
	DefaultManualCadence time.Duration `yaml:"default_manual_cadence"`

	DefaultConfirmDoorOpen   time.Duration `yaml:"default_confirm_door_open"`
	DefaultConfirmDoorClosed time.Duration `yaml:"default_confirm_door_closed"`

	RestoreGoodReadings int `yaml:"restore_good_readings"`

	CoolingWindow         time.Duration `yaml:"cooling_window"`
	CoolingMinReadings    int           `yaml:"cooling_min_readings"`
	CoolingTrendTolerance float64       `yaml:"cooling_trend_tolerance"`
}

// Default returns the built-in thresholds.
func Default() Thresholds {
	return Thresholds{
		Version:                  "default",
		WarningMissedCheckins:    1,
		CriticalMissedCheckins:   5,
		CheckinBuffer:            30 * time.Second,
		DefaultCheckinInterval:   5 * time.Minute,
		ManualGrace:              30 * time.Minute,
		DefaultManualCadence:     4 * time.Hour,
		DefaultConfirmDoorOpen:   20 * time.Minute,
		DefaultConfirmDoorClosed: 10 * time.Minute,
		RestoreGoodReadings:      2,
		CoolingWindow:            45 * time.Minute,
		CoolingMinReadings:       5,
		CoolingTrendTolerance:    0.5,
	}
}

// LoadFile reads YAML overrides from path on top of Default. An empty path
// returns the defaults. Unset or non-positive fields keep their default.
func LoadFile(path string) (Thresholds, error) {
	t := Default()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("failed to read alert rules %s: %w", path, err)
	}

	var override Thresholds
	if err := yaml.Unmarshal(data, &override); err != nil {
		return t, fmt.Errorf("failed to parse alert rules %s: %w", path, err)
	}

	t.merge(override)
	if err := t.Validate(); err != nil {
		return Default(), fmt.Errorf("invalid alert rules %s: %w", path, err)
	}
	return t, nil
}

func (t *Thresholds) merge(o Thresholds) {
	if o.Version != "" {
		t.Version = o.Version
	}
	if o.WarningMissedCheckins > 0 {
		t.WarningMissedCheckins = o.WarningMissedCheckins
	}
	if o.CriticalMissedCheckins > 0 {
		t.CriticalMissedCheckins = o.CriticalMissedCheckins
	}
	if o.CheckinBuffer > 0 {
		t.CheckinBuffer = o.CheckinBuffer
	}
	if o.DefaultCheckinInterval > 0 {
		t.DefaultCheckinInterval = o.DefaultCheckinInterval
	}
	if o.ManualGrace > 0 {
		t.ManualGrace = o.ManualGrace
	}
	if o.DefaultManualCadence > 0 {
		t.DefaultManualCadence = o.DefaultManualCadence
	}
	if o.DefaultConfirmDoorOpen > 0 {
		t.DefaultConfirmDoorOpen = o.DefaultConfirmDoorOpen
	}
	if o.DefaultConfirmDoorClosed > 0 {
		t.DefaultConfirmDoorClosed = o.DefaultConfirmDoorClosed
	}
	if o.RestoreGoodReadings > 0 {
		t.RestoreGoodReadings = o.RestoreGoodReadings
	}
	if o.CoolingWindow > 0 {
		t.CoolingWindow = o.CoolingWindow
	}
	if o.CoolingMinReadings > 0 {
		t.CoolingMinReadings = o.CoolingMinReadings
	}
	if o.CoolingTrendTolerance > 0 {
		t.CoolingTrendTolerance = o.CoolingTrendTolerance
	}
}

// Validate checks cross-field constraints.
func (t Thresholds) Validate() error {
	if t.WarningMissedCheckins < 1 {
		return fmt.Errorf("warning_missed_checkins must be >= 1")
	}
	if t.CriticalMissedCheckins < t.WarningMissedCheckins {
		return fmt.Errorf("critical_missed_checkins (%d) must be >= warning_missed_checkins (%d)",
			t.CriticalMissedCheckins, t.WarningMissedCheckins)
	}
	if t.RestoreGoodReadings < 1 {
		return fmt.Errorf("restore_good_readings must be >= 1")
	}
	return nil
}

// OfflineSeverity classifies a missed check-in count. The empty severity means online.
func (t Thresholds) OfflineSeverity(missed int) models.Severity {
	switch {
	case missed >= t.CriticalMissedCheckins:
		return models.SeverityCritical
	case missed >= t.WarningMissedCheckins:
		return models.SeverityWarning
	default:
		return ""
	}
}

// CheckinInterval returns the unit's interval or the default for non-positive values.
func (t Thresholds) CheckinInterval(u *models.Unit) time.Duration {
	if u.CheckinIntervalMinutes <= 0 {
		return t.DefaultCheckinInterval
	}
	return time.Duration(u.CheckinIntervalMinutes) * time.Minute
}

// ManualCadence returns the unit's manual log cadence or the default.
func (t Thresholds) ManualCadence(u *models.Unit) time.Duration {
	if u.ManualLogCadenceS <= 0 {
		return t.DefaultManualCadence
	}
	return time.Duration(u.ManualLogCadenceS) * time.Second
}

// ConfirmTime selects the confirm window for the current door state.
// Only an open door uses the door-open window.
func (t Thresholds) ConfirmTime(u *models.Unit) time.Duration {
	if u.DoorState == models.DoorOpen {
		if u.ConfirmTimeDoorOpenS > 0 {
			return time.Duration(u.ConfirmTimeDoorOpenS) * time.Second
		}
		return t.DefaultConfirmDoorOpen
	}
	if u.ConfirmTimeDoorClosedS > 0 {
		return time.Duration(u.ConfirmTimeDoorClosedS) * time.Second
	}
	return t.DefaultConfirmDoorClosed
}

// MissedCheckins computes floor(max(0, now - last - buffer) / interval).
func MissedCheckins(now, last time.Time, interval, buffer time.Duration) int {
	if interval <= 0 {
		return 0
	}
	elapsed := now.Sub(last) - buffer
	if elapsed <= 0 {
		return 0
	}
	return int(math.Floor(float64(elapsed) / float64(interval)))
}

// Limits is the temperature envelope of one unit.
type Limits struct {
	High       float64
	Low        *float64
	Hysteresis float64
}

// LimitsFor extracts limits from a unit. Negative hysteresis is treated as zero.
func LimitsFor(u *models.Unit) Limits {
	h := u.TempHysteresis
	if h < 0 {
		h = 0
	}
	return Limits{High: u.TempLimitHigh, Low: u.TempLimitLow, Hysteresis: h}
}

// IsOutOfRange reports temp > high or temp < low.
func (l Limits) IsOutOfRange(temp float64) bool {
	if temp > l.High {
		return true
	}
	return l.Low != nil && temp < *l.Low
}

// IsAboveHigh reports whether temp is above the high limit.
func (l Limits) IsAboveHigh(temp float64) bool {
	return temp > l.High
}

// InRangeWithHysteresis applies the recovery deadband.
func (l Limits) InRangeWithHysteresis(temp float64) bool {
	if temp > l.High-l.Hysteresis {
		return false
	}
	return l.Low == nil || temp >= *l.Low+l.Hysteresis
}
