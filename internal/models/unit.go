package models

import (
	"fmt"
	"time"
)

// UnitStatus is the operational state owned by the evaluator.
type UnitStatus string

const (
	UnitStatusOK                    UnitStatus = "ok"
	UnitStatusExcursion             UnitStatus = "excursion"
	UnitStatusAlarmActive           UnitStatus = "alarm_active"
	UnitStatusMonitoringInterrupted UnitStatus = "monitoring_interrupted"
	UnitStatusManualRequired        UnitStatus = "manual_required"
	UnitStatusRestoring             UnitStatus = "restoring"
	UnitStatusOffline               UnitStatus = "offline"
)

// ParseUnitStatus validates a stored status value.
func ParseUnitStatus(s string) (UnitStatus, error) {
	switch UnitStatus(s) {
	case UnitStatusOK, UnitStatusExcursion, UnitStatusAlarmActive, UnitStatusMonitoringInterrupted,
		UnitStatusManualRequired, UnitStatusRestoring, UnitStatusOffline:
		return UnitStatus(s), nil
	default:
		return "", fmt.Errorf("unknown unit status %q", s)
	}
}

// IsOfflineFamily reports whether s is one of the check-in driven states.
func (s UnitStatus) IsOfflineFamily() bool {
	switch s {
	case UnitStatusOffline, UnitStatusMonitoringInterrupted, UnitStatusManualRequired:
		return true
	default:
		return false
	}
}

// IsTemperatureAlarm reports excursion or alarm_active.
func (s UnitStatus) IsTemperatureAlarm() bool {
	return s == UnitStatusExcursion || s == UnitStatusAlarmActive
}

// DoorState is the last reported door contact state.
type DoorState string

const (
	DoorOpen    DoorState = "open"
	DoorClosed  DoorState = "closed"
	DoorUnknown DoorState = "unknown"
)

// ParseDoorState maps unknown or empty values to DoorUnknown.
func ParseDoorState(s string) DoorState {
	switch DoorState(s) {
	case DoorOpen, DoorClosed:
		return DoorState(s)
	default:
		return DoorUnknown
	}
}

// Unit is a monitored refrigeration or storage asset.
type Unit struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	OrgID  string `json:"org_id"`
	Name   string `json:"name"`

	// written by ingest
	LastReadingAt       *time.Time `json:"last_reading_at,omitempty"`
	LastTempReading     *float64   `json:"last_temp_reading,omitempty"`
	LastCheckinAt       *time.Time `json:"last_checkin_at,omitempty"`
	ConsecutiveCheckins int        `json:"consecutive_checkins"`
	SensorReliable      bool       `json:"sensor_reliable"`
	DoorState           DoorState  `json:"door_state"`
	DoorLastChangedAt   *time.Time `json:"door_last_changed_at,omitempty"`

	// admin configuration
	TempLimitHigh          float64  `json:"temp_limit_high"`
	TempLimitLow           *float64 `json:"temp_limit_low,omitempty"`
	TempHysteresis         float64  `json:"temp_hysteresis"`
	CheckinIntervalMinutes int      `json:"checkin_interval_minutes"`
	DoorOpenGraceMinutes   int      `json:"door_open_grace_minutes"`
	ConfirmTimeDoorOpenS   int      `json:"confirm_time_door_open_s"`
	ConfirmTimeDoorClosedS int      `json:"confirm_time_door_closed_s"`
	ManualLogCadenceS      int      `json:"manual_log_cadence_s"`

	// owned by the evaluator
	Status           UnitStatus `json:"status"`
	LastStatusChange time.Time  `json:"last_status_change"`
}

// UnitContext is the unit plus the site/org data the dispatcher needs.
type UnitContext struct {
	Unit         Unit
	SiteName     string
	SiteTimezone string
	OrgName      string
}

// Reading is one temperature sample.
type Reading struct {
	UnitID      string    `json:"unit_id"`
	Temperature float64   `json:"temperature"`
	RecordedAt  time.Time `json:"recorded_at"`
}
