package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

func TestOrderChannels(t *testing.T) {
	got := orderChannels([]models.Channel{models.ChannelSMS, models.ChannelInAppCenter, models.ChannelSMS, "PAGER"})
	assert.Equal(t, []models.Channel{models.ChannelInAppCenter, models.ChannelSMS}, got)
}

func TestPendingPlan(t *testing.T) {
	triggered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &models.NotificationPolicy{
		InitialChannels: []models.Channel{models.ChannelInAppCenter},
		NotifyRoles:     []string{"staff"},
		EscalationSteps: []models.EscalationStep{
			{DelayMinutes: 15, Channels: []models.Channel{models.ChannelSMS}, NotifyRoles: []string{"manager"}},
			{DelayMinutes: 60, Channels: []models.Channel{models.ChannelEmail}, NotifyRoles: []string{"owner"}},
		},
	}
	a := &models.Alert{TriggeredAt: triggered}

	pl := pendingPlan(p, a, triggered.Add(time.Minute))
	assert.Equal(t, models.EventAlertTriggered, pl.eventType)
	assert.Equal(t, []models.Channel{models.ChannelInAppCenter}, pl.channels)

	a.NotifyCount = 1
	pl = pendingPlan(p, a, triggered.Add(20*time.Minute))
	assert.Equal(t, models.EventAlertEscalated, pl.eventType)
	assert.Equal(t, []models.Channel{models.ChannelInAppCenter, models.ChannelSMS}, pl.channels)
	assert.Equal(t, []string{"staff", "manager"}, pl.roles)
}

func TestFollowUpPlan(t *testing.T) {
	triggered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notified := triggered.Add(time.Minute)
	a := &models.Alert{TriggeredAt: triggered, LastNotifiedAt: &notified}

	p := &models.NotificationPolicy{
		InitialChannels:         []models.Channel{models.ChannelInAppCenter},
		RemindersEnabled:        true,
		ReminderIntervalMinutes: 30,
		EscalationSteps: []models.EscalationStep{
			{DelayMinutes: 15, Channels: []models.Channel{models.ChannelSMS}},
		},
	}

	_, ok := followUpPlan(p, a, triggered.Add(10*time.Minute))
	assert.False(t, ok)

	pl, ok := followUpPlan(p, a, triggered.Add(16*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, models.EventAlertEscalated, pl.eventType)
	assert.Contains(t, pl.channels, models.ChannelSMS)

	later := triggered.Add(16 * time.Minute)
	a.LastNotifiedAt = &later
	_, ok = followUpPlan(p, a, triggered.Add(40*time.Minute))
	assert.False(t, ok)

	pl, ok = followUpPlan(p, a, triggered.Add(47*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, models.EventReminder, pl.eventType)

	p.RemindersEnabled = false
	_, ok = followUpPlan(p, a, triggered.Add(47*time.Minute))
	assert.False(t, ok)
}

func TestFollowUpPlan_MinimumReminderInterval(t *testing.T) {
	notified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &models.Alert{TriggeredAt: notified, LastNotifiedAt: &notified}
	p := &models.NotificationPolicy{RemindersEnabled: true, ReminderIntervalMinutes: 0}

	_, ok := followUpPlan(p, a, notified.Add(2*time.Minute))
	assert.False(t, ok)
	_, ok = followUpPlan(p, a, notified.Add(5*time.Minute))
	assert.True(t, ok)
}
