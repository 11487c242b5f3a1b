package dispatcher

import (
	"time"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// minReminderInterval bounds how often a reminder can repeat.
const minReminderInterval = 5 * time.Minute

// plan is what one notification cycle delivers.
type plan struct {
	eventType models.NotificationEventType
	channels  []models.Channel
	roles     []string
}

// basePlan combines the initial channels and roles with every escalation step
// whose delay has elapsed since the alert triggered.
func basePlan(p *models.NotificationPolicy, a *models.Alert, now time.Time) plan {
	channels := append([]models.Channel{}, p.InitialChannels...)
	roles := append([]string{}, p.NotifyRoles...)
	for _, step := range p.EscalationSteps {
		if stepDue(a, step, now) {
			channels = append(channels, step.Channels...)
			roles = append(roles, step.NotifyRoles...)
		}
	}
	return plan{channels: orderChannels(channels), roles: uniqueStrings(roles)}
}

func stepDue(a *models.Alert, step models.EscalationStep, now time.Time) bool {
	return !a.TriggeredAt.Add(time.Duration(step.DelayMinutes) * time.Minute).After(now)
}

// pendingPlan is the plan for an alert in the pending state.
func pendingPlan(p *models.NotificationPolicy, a *models.Alert, now time.Time) plan {
	pl := basePlan(p, a, now)
	pl.eventType = models.EventAlertTriggered
	if a.NotifyCount > 0 {
		pl.eventType = models.EventAlertEscalated
	}
	return pl
}

// followUpPlan decides whether a notified alert needs another cycle: an
// escalation step that came due after the last notification, or a reminder.
func followUpPlan(p *models.NotificationPolicy, a *models.Alert, now time.Time) (plan, bool) {
	if a.LastNotifiedAt == nil {
		return plan{}, false
	}
	last := *a.LastNotifiedAt

	for _, step := range p.EscalationSteps {
		due := a.TriggeredAt.Add(time.Duration(step.DelayMinutes) * time.Minute)
		if due.After(last) && !due.After(now) {
			pl := basePlan(p, a, now)
			pl.eventType = models.EventAlertEscalated
			return pl, true
		}
	}

	if !p.RemindersEnabled {
		return plan{}, false
	}
	interval := time.Duration(p.ReminderIntervalMinutes) * time.Minute
	if interval < minReminderInterval {
		interval = minReminderInterval
	}
	if now.Sub(last) < interval {
		return plan{}, false
	}
	pl := basePlan(p, a, now)
	pl.eventType = models.EventReminder
	return pl, true
}

// orderChannels removes duplicates and unknown values, keeping fan-out order.
func orderChannels(in []models.Channel) []models.Channel {
	want := make(map[models.Channel]bool, len(in))
	for _, c := range in {
		want[c] = true
	}
	out := make([]models.Channel, 0, len(want))
	for _, c := range models.AllChannels {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
