package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertType is the closed set of conditions the evaluator raises.
type AlertType string

const (
	AlertTypeTempExcursion           AlertType = "temp_excursion"
	AlertTypeMonitoringInterrupted   AlertType = "monitoring_interrupted"
	AlertTypeManualRequired          AlertType = "manual_required"
	AlertTypeSuspectedCoolingFailure AlertType = "suspected_cooling_failure"
)

// ParseAlertType validates a stored alert type.
func ParseAlertType(s string) (AlertType, error) {
	switch AlertType(s) {
	case AlertTypeTempExcursion, AlertTypeMonitoringInterrupted, AlertTypeManualRequired,
		AlertTypeSuspectedCoolingFailure:
		return AlertType(s), nil
	default:
		return "", fmt.Errorf("unknown alert type %q", s)
	}
}

// Title returns the human readable headline for the alert type.
func (t AlertType) Title() string {
	switch t {
	case AlertTypeTempExcursion:
		return "Temperature excursion"
	case AlertTypeMonitoringInterrupted:
		return "Monitoring interrupted"
	case AlertTypeManualRequired:
		return "Manual temperature log required"
	case AlertTypeSuspectedCoolingFailure:
		return "Suspected cooling failure"
	default:
		return string(t)
	}
}

// Severity orders alerts for gating. Higher rank is more severe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts both lower and upper case forms (policies store "CRITICAL").
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info", "INFO":
		return SeverityInfo, nil
	case "warning", "WARNING":
		return SeverityWarning, nil
	case "critical", "CRITICAL":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Rank returns 1..3 for known severities and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// IsOpen reports whether the alert still counts toward the one-per-type limit.
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusActive || s == AlertStatusAcknowledged
}

// NotificationState tracks dispatcher progress for the current revision of an alert.
type NotificationState string

const (
	// NotificationNotReady alerts are held back from dispatch.
	NotificationNotReady NotificationState = "not_ready"
	// NotificationPending alerts are waiting for the dispatcher.
	NotificationPending NotificationState = "pending"
	// NotificationNotified alerts were processed for the current revision.
	NotificationNotified NotificationState = "notified"
)

// ParseNotificationState validates a stored notification state.
func ParseNotificationState(s string) (NotificationState, error) {
	switch NotificationState(s) {
	case NotificationNotReady, NotificationPending, NotificationNotified:
		return NotificationState(s), nil
	default:
		return "", fmt.Errorf("unknown notification state %q", s)
	}
}

// Alert is a raised condition tied to a unit.
type Alert struct {
	ID             string          `json:"id"`
	UnitID         string          `json:"unit_id"`
	AlertType      AlertType       `json:"alert_type"`
	Severity       Severity        `json:"severity"`
	Status         AlertStatus     `json:"status"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Metadata       json.RawMessage `json:"metadata"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`

	NotificationState    NotificationState `json:"notification_state"`
	NotificationRevision int               `json:"notification_revision"`
	LastNotifiedAt       *time.Time        `json:"last_notified_at,omitempty"`
	LastNotifiedReason   *string           `json:"last_notified_reason,omitempty"`
	NotifyCount          int               `json:"notify_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AlertRef identifies an alert waiting for dispatch. It is the payload of the
// pending-alert stream.
type AlertRef struct {
	AlertID   string    `json:"alert_id"`
	UnitID    string    `json:"unit_id"`
	AlertType AlertType `json:"alert_type"`
}

// StatusEvent is one append-only unit status transition record.
type StatusEvent struct {
	ID             string     `json:"id"`
	UnitID         string     `json:"unit_id"`
	FromStatus     UnitStatus `json:"from_status"`
	ToStatus       UnitStatus `json:"to_status"`
	Reason         string     `json:"reason"`
	TempReading    *float64   `json:"temp_reading,omitempty"`
	DoorState      DoorState  `json:"door_state"`
	MissedCheckins int        `json:"missed_checkins"`
	CreatedAt      time.Time  `json:"created_at"`
}
