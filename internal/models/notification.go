package models

import (
	"fmt"
	"time"
)

// Channel is a delivery channel named in a notification policy.
type Channel string

const (
	ChannelInAppCenter Channel = "IN_APP_CENTER"
	ChannelWebToast    Channel = "WEB_TOAST"
	ChannelEmail       Channel = "EMAIL"
	ChannelSMS         Channel = "SMS"
)

// AllChannels lists every known channel in fan-out order.
var AllChannels = []Channel{ChannelInAppCenter, ChannelWebToast, ChannelEmail, ChannelSMS}

// ParseChannel validates a policy channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelInAppCenter, ChannelWebToast, ChannelEmail, ChannelSMS:
		return Channel(s), nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// NotificationEventType distinguishes the cycle that produced a NotificationEvent.
type NotificationEventType string

const (
	EventAlertTriggered NotificationEventType = "alert_triggered"
	EventAlertEscalated NotificationEventType = "alert_escalated"
	EventReminder       NotificationEventType = "reminder"
)

// DeliveryStatus is the outcome recorded for one channel attempt.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "SENT"
	DeliverySkipped DeliveryStatus = "SKIPPED"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// NotificationEvent is one append-only delivery audit row.
type NotificationEvent struct {
	ID                string                `json:"id"`
	AlertID           string                `json:"alert_id"`
	Channel           Channel               `json:"channel"`
	EventType         NotificationEventType `json:"event_type"`
	ToRecipients      []string              `json:"to_recipients"`
	Status            DeliveryStatus        `json:"status"`
	Reason            *string               `json:"reason,omitempty"`
	ProviderMessageID *string               `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
}

// EscalationStep widens delivery once DelayMinutes have passed since the alert triggered.
type EscalationStep struct {
	DelayMinutes int       `json:"delay_minutes"`
	Channels     []Channel `json:"channels"`
	NotifyRoles  []string  `json:"notify_roles"`
}

// NotificationPolicy is the effective policy for one (unit, alert type).
type NotificationPolicy struct {
	InitialChannels           []Channel        `json:"initial_channels"`
	SeverityThreshold         Severity         `json:"severity_threshold"`
	AllowWarningNotifications bool             `json:"allow_warning_notifications"`
	QuietHoursEnabled         bool             `json:"quiet_hours_enabled"`
	QuietHoursStart           string           `json:"quiet_hours_start"` // HH:MM site local
	QuietHoursEnd             string           `json:"quiet_hours_end"`
	NotifyRoles               []string         `json:"notify_roles"`
	NotifySiteManagers        bool             `json:"notify_site_managers"`
	NotifyAssignedUsers       bool             `json:"notify_assigned_users"`
	RemindersEnabled          bool             `json:"reminders_enabled"`
	ReminderIntervalMinutes   int              `json:"reminder_interval_minutes"`
	EscalationSteps           []EscalationStep `json:"escalation_steps"`
}

// FallbackNotifyRoles are the org roles reached when no policy resolves.
var FallbackNotifyRoles = []string{"owner", "admin", "manager"}

// FallbackPolicy is used when no policy resolves: in-app only, every severity
// passes, delivered to org admins, site managers and users assigned to the unit.
func FallbackPolicy() *NotificationPolicy {
	return &NotificationPolicy{
		InitialChannels:           []Channel{ChannelInAppCenter},
		SeverityThreshold:         SeverityInfo,
		AllowWarningNotifications: true,
		NotifyRoles:               append([]string(nil), FallbackNotifyRoles...),
		NotifySiteManagers:        true,
		NotifyAssignedUsers:       true,
	}
}

// Recipient is a user eligible to receive a notification.
type Recipient struct {
	UserID string
	Name   string
	Email  string
	Phone  string
	Role   string
}

// RecipientQuery selects recipients for one delivery.
type RecipientQuery struct {
	OrgID               string
	SiteID              string
	UnitID              string
	Roles               []string
	NotifySiteManagers  bool
	NotifyAssignedUsers bool
}
