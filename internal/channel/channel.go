package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// Message is the channel-neutral content of one notification.
type Message struct {
	AlertID     string
	UnitID      string
	SiteID      string
	OrgID       string
	UnitName    string
	SiteName    string
	AlertType   models.AlertType
	Severity    models.Severity
	EventType   models.NotificationEventType
	Title       string
	Body        string
	TriggeredAt time.Time
}

// Subject returns the headline used by email, toast and in-app rows.
func (m Message) Subject() string {
	prefix := strings.ToUpper(string(m.Severity))
	if m.EventType == models.EventReminder {
		prefix += " reminder"
	}
	where := m.UnitName
	if m.SiteName != "" {
		where = fmt.Sprintf("%s (%s)", m.UnitName, m.SiteName)
	}
	return fmt.Sprintf("[%s] %s: %s", prefix, m.Title, where)
}

// Short returns a single-line text for SMS.
func (m Message) Short() string {
	text := m.Subject() + " - " + m.Body
	if len(text) > 320 {
		text = text[:317] + "..."
	}
	return text
}

// Sender delivers a Message on one channel.
type Sender interface {
	Channel() models.Channel
	// Addresses maps recipients to the channel's destinations; recipients
	// without one are dropped.
	Addresses(recipients []models.Recipient) []string
	// Send delivers msg to addresses and returns the provider message id, if any.
	Send(ctx context.Context, msg Message, addresses []string) (string, error)
}

// Registry maps each configured channel to its sender.
type Registry map[models.Channel]Sender

// NewRegistry builds a registry. A later sender for the same channel wins.
func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		r[s.Channel()] = s
	}
	return r
}

// Get returns the sender for c.
func (r Registry) Get(c models.Channel) (Sender, bool) {
	s, ok := r[c]
	return s, ok
}

func userIDs(recipients []models.Recipient) []string {
	ids := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		if rc.UserID != "" {
			ids = append(ids, rc.UserID)
		}
	}
	return ids
}
