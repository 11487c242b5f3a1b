package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/channel"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/lock"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

var now = time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu           sync.Mutex
	alerts       map[string]*models.Alert
	unit         models.UnitContext
	events       []models.NotificationEvent
	insertErr    error
	bumpRevision bool
}

func newFakeStore(alerts ...models.Alert) *fakeStore {
	s := &fakeStore{
		alerts: map[string]*models.Alert{},
		unit: models.UnitContext{
			Unit:         models.Unit{ID: "unit-1", SiteID: "site-1", OrgID: "org-1", Name: "Walk-in 1"},
			SiteName:     "Downtown",
			SiteTimezone: "UTC",
		},
	}
	for i := range alerts {
		a := alerts[i]
		s.alerts[a.ID] = &a
	}
	return s
}

func (s *fakeStore) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) GetUnitContext(ctx context.Context, unitID string) (*models.UnitContext, error) {
	uc := s.unit
	return &uc, nil
}

func (s *fakeStore) ListPendingAlertIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, a := range s.alerts {
		if a.Status == models.AlertStatusActive && a.NotificationState == models.NotificationPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) ListReminderCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if a.Status == models.AlertStatusActive && a.NotificationState == models.NotificationNotified &&
			a.LastNotifiedAt != nil && !a.LastNotifiedAt.After(cutoff) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertNotificationEvent(ctx context.Context, e *models.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.events = append(s.events, *e)
	if s.bumpRevision {
		s.bumpRevision = false
		s.alerts[e.AlertID].NotificationRevision++
	}
	return nil
}

func (s *fakeStore) MarkNotified(ctx context.Context, alertID string, revision int, at time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.alerts[alertID]
	if a.NotificationRevision != revision {
		return false, nil
	}
	a.NotificationState = models.NotificationNotified
	a.LastNotifiedAt = &at
	a.LastNotifiedReason = &reason
	a.NotifyCount++
	return true, nil
}

func (s *fakeStore) eventsFor(c models.Channel) []models.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NotificationEvent
	for _, e := range s.events {
		if e.Channel == c {
			out = append(out, e)
		}
	}
	return out
}

type fakePolicies struct {
	policy *models.NotificationPolicy
	err    error
}

func (f *fakePolicies) ResolvePolicy(ctx context.Context, unitID string, alertType models.AlertType) (*models.NotificationPolicy, error) {
	return f.policy, f.err
}

type fakeRecipients struct {
	mu      sync.Mutex
	users   []models.Recipient
	queries []models.RecipientQuery
	err     error
}

func (f *fakeRecipients) ResolveRecipients(ctx context.Context, q models.RecipientQuery) ([]models.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.users, f.err
}

type fakeSender struct {
	mu      sync.Mutex
	channel models.Channel
	calls   int
	err     error
	panics  bool
	delay   time.Duration
}

func (f *fakeSender) Channel() models.Channel { return f.channel }

func (f *fakeSender) Addresses(recipients []models.Recipient) []string {
	var out []string
	for _, r := range recipients {
		out = append(out, r.UserID)
	}
	return out
}

func (f *fakeSender) Send(ctx context.Context, msg channel.Message, addresses []string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.panics {
		panic("sender bug")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s-%d", f.channel, n), nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store      *fakeStore
	policies   *fakePolicies
	recipients *fakeRecipients
	senders    map[models.Channel]*fakeSender
}

func newHarness(alerts ...models.Alert) *harness {
	h := &harness{
		store: newFakeStore(alerts...),
		policies: &fakePolicies{policy: &models.NotificationPolicy{
			InitialChannels:   models.AllChannels,
			SeverityThreshold: models.SeverityWarning,
			NotifyRoles:       []string{"staff"},
		}},
		recipients: &fakeRecipients{users: []models.Recipient{{UserID: "u1"}, {UserID: "u2"}}},
		senders:    map[models.Channel]*fakeSender{},
	}
	for _, c := range []models.Channel{models.ChannelInAppCenter, models.ChannelWebToast, models.ChannelEmail} {
		h.senders[c] = &fakeSender{channel: c}
	}
	return h
}

func (h *harness) dispatcher(locker Locker) *Dispatcher {
	var senders []channel.Sender
	for _, s := range h.senders {
		senders = append(senders, s)
	}
	d := NewDispatcher(h.store, h.policies, h.recipients, channel.NewRegistry(senders...), locker,
		Config{Workers: 4, BatchSize: 50, CallTimeout: time.Second}, zap.NewNop())
	d.now = func() time.Time { return now }
	return d
}

func pendingAlert(id string, sev models.Severity) models.Alert {
	return models.Alert{
		ID:                   id,
		UnitID:               "unit-1",
		AlertType:            models.AlertTypeTempExcursion,
		Severity:             sev,
		Status:               models.AlertStatusActive,
		Title:                "Temperature excursion",
		Message:              "Walk-in 1 reading 45.0 is above 40.0",
		TriggeredAt:          now.Add(-time.Minute),
		NotificationState:    models.NotificationPending,
		NotificationRevision: 1,
	}
}

func TestDispatchAlerts_FansOutAndStamps(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, 4, res.Events)

	require.Len(t, h.store.events, 4)
	for _, c := range []models.Channel{models.ChannelInAppCenter, models.ChannelWebToast, models.ChannelEmail} {
		evs := h.store.eventsFor(c)
		require.Len(t, evs, 1, string(c))
		assert.Equal(t, models.DeliverySent, evs[0].Status)
		assert.Equal(t, models.EventAlertTriggered, evs[0].EventType)
		assert.Equal(t, []string{"u1", "u2"}, evs[0].ToRecipients)
		require.NotNil(t, evs[0].ProviderMessageID)
	}
	sms := h.store.eventsFor(models.ChannelSMS)
	require.Len(t, sms, 1)
	assert.Equal(t, models.DeliverySkipped, sms[0].Status)
	assert.Equal(t, reasonNotConfigured, *sms[0].Reason)

	a := h.store.alerts["a1"]
	assert.Equal(t, models.NotificationNotified, a.NotificationState)
	assert.Equal(t, 1, a.NotifyCount)
	assert.Contains(t, *a.LastNotifiedReason, "3 sent, 1 skipped, 0 failed")

	require.Len(t, h.recipients.queries, 1)
	assert.Equal(t, "org-1", h.recipients.queries[0].OrgID)
	assert.Equal(t, []string{"staff"}, h.recipients.queries[0].Roles)
}

func TestDispatchAlerts_SeverityGateSkipsWithoutSending(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityWarning))
	h.policies.policy.SeverityThreshold = models.SeverityCritical

	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Gated)

	require.Len(t, h.store.events, 4)
	for _, e := range h.store.events {
		assert.Equal(t, models.DeliverySkipped, e.Status)
		assert.Equal(t, reasonSeverity, *e.Reason)
	}
	for _, s := range h.senders {
		assert.Zero(t, s.callCount())
	}
	assert.Empty(t, h.recipients.queries)
	assert.Equal(t, models.NotificationNotified, h.store.alerts["a1"].NotificationState)
}

func TestDispatchAlerts_QuietHours(t *testing.T) {
	quiet := func(h *harness) {
		h.store.unit.SiteTimezone = "America/New_York"
		h.policies.policy.QuietHoursEnabled = true
		h.policies.policy.QuietHoursStart = "11:00" // 17:00 UTC is 12:00 EST
		h.policies.policy.QuietHoursEnd = "13:00"
	}

	h := newHarness(pendingAlert("warn", models.SeverityWarning))
	quiet(h)
	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"warn"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Gated)
	for _, e := range h.store.events {
		assert.Equal(t, models.DeliverySkipped, e.Status)
		assert.Equal(t, reasonQuietHours, *e.Reason)
	}

	h = newHarness(pendingAlert("crit", models.SeverityCritical))
	quiet(h)
	res, err = h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"crit"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, 1, h.senders[models.ChannelEmail].callCount())
}

func TestDispatchAlerts_ExactlyOnceAcrossSweeps(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	d := h.dispatcher(nil)
	ctx := context.Background()

	_, err := d.DispatchAlerts(ctx, []string{"a1"})
	require.NoError(t, err)
	res, err := d.DispatchAlerts(ctx, []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Noop)

	res, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Notified)

	assert.Len(t, h.store.events, 4)
	assert.Equal(t, 1, h.senders[models.ChannelEmail].callCount())
}

func TestDispatchAlerts_ConcurrentNotifiersSendOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.senders[models.ChannelEmail].delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		d := h.dispatcher(lock.NewRedisLocker(client, "test:lock:", zap.NewNop()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.DispatchAlerts(context.Background(), []string{"a1"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.senders[models.ChannelEmail].callCount())
	assert.Len(t, h.store.eventsFor(models.ChannelEmail), 1)
	assert.Equal(t, 1, h.store.alerts["a1"].NotifyCount)
	assert.False(t, mr.Exists("test:lock:alert:a1"))
}

func TestDispatchAlerts_ChannelFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.senders[models.ChannelEmail].err = errors.New("provider returned 502")
	h.senders[models.ChannelWebToast].panics = true

	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)

	email := h.store.eventsFor(models.ChannelEmail)
	require.Len(t, email, 1)
	assert.Equal(t, models.DeliveryFailed, email[0].Status)
	assert.Contains(t, *email[0].Reason, "502")

	toast := h.store.eventsFor(models.ChannelWebToast)
	require.Len(t, toast, 1)
	assert.Equal(t, models.DeliveryFailed, toast[0].Status)
	assert.Contains(t, *toast[0].Reason, "panic")

	assert.Equal(t, models.DeliverySent, h.store.eventsFor(models.ChannelInAppCenter)[0].Status)
	assert.Equal(t, models.NotificationNotified, h.store.alerts["a1"].NotificationState)
}

func TestDispatchAlerts_SendTimeoutIsFailure(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.senders[models.ChannelEmail].delay = 5 * time.Second
	d := h.dispatcher(nil)
	d.cfg.CallTimeout = 20 * time.Millisecond

	_, err := d.DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	email := h.store.eventsFor(models.ChannelEmail)
	require.Len(t, email, 1)
	assert.Equal(t, models.DeliveryFailed, email[0].Status)
}

func TestDispatchAlerts_PolicyFallback(t *testing.T) {
	for name, policies := range map[string]*fakePolicies{
		"error": {err: errors.New("policy service unavailable")},
		"none":  {},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(pendingAlert("a1", models.SeverityWarning))
			h.policies = policies

			res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Notified)
			require.Len(t, h.store.events, 1)
			assert.Equal(t, models.ChannelInAppCenter, h.store.events[0].Channel)
			assert.Equal(t, models.DeliverySent, h.store.events[0].Status)

			require.Len(t, h.recipients.queries, 1)
			q := h.recipients.queries[0]
			assert.ElementsMatch(t, models.FallbackNotifyRoles, q.Roles)
			assert.True(t, q.NotifySiteManagers)
			assert.True(t, q.NotifyAssignedUsers)
		})
	}
}

func TestDispatchAlerts_PolicyWithoutChannels(t *testing.T) {
	for name, sev := range map[string]models.Severity{
		"gated":  models.SeverityWarning,
		"passes": models.SeverityCritical,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(pendingAlert("a1", sev))
			h.policies.policy = &models.NotificationPolicy{SeverityThreshold: models.SeverityCritical}

			res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Gated)
			assert.Equal(t, 1, res.Events)

			require.Len(t, h.store.events, 1)
			e := h.store.events[0]
			assert.Equal(t, models.ChannelInAppCenter, e.Channel)
			assert.Equal(t, models.DeliverySkipped, e.Status)
			assert.Equal(t, reasonNoChannels, *e.Reason)
			for _, s := range h.senders {
				assert.Zero(t, s.callCount())
			}
			assert.Equal(t, models.NotificationNotified, h.store.alerts["a1"].NotificationState)
		})
	}
}

func TestDispatchAlerts_NoRecipients(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.recipients.users = nil

	_, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	for _, e := range h.store.events {
		assert.Equal(t, models.DeliverySkipped, e.Status)
	}
	assert.Zero(t, h.senders[models.ChannelInAppCenter].callCount())
}

func TestDispatchAlerts_RecipientErrorLeavesPending(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.recipients.err = errors.New("timeout")

	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, h.store.events)
	assert.Equal(t, models.NotificationPending, h.store.alerts["a1"].NotificationState)
}

func TestDispatchAlerts_EventWriteErrorLeavesPending(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.store.insertErr = errors.New("db down")

	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.NotificationPending, h.store.alerts["a1"].NotificationState)
}

func TestDispatchAlerts_RevisionChangedDuringDispatch(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical))
	h.store.bumpRevision = true

	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, models.NotificationPending, h.store.alerts["a1"].NotificationState)
}

func TestDispatchAlerts_SkipsResolvedAndUnknown(t *testing.T) {
	resolved := pendingAlert("a1", models.SeverityCritical)
	resolved.Status = models.AlertStatusResolved
	h := newHarness(resolved)

	res, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Noop)
	assert.Empty(t, h.store.events)
}

func TestDispatchAlerts_RepeatedNotificationIsEscalation(t *testing.T) {
	a := pendingAlert("a1", models.SeverityCritical)
	a.NotifyCount = 1
	a.NotificationRevision = 2
	h := newHarness(a)

	_, err := h.dispatcher(nil).DispatchAlerts(context.Background(), []string{"a1"})
	require.NoError(t, err)
	for _, e := range h.store.events {
		assert.Equal(t, models.EventAlertEscalated, e.EventType)
	}
}

func TestSweep_RemindersAndEscalationSteps(t *testing.T) {
	last := now.Add(-40 * time.Minute)
	reminder := pendingAlert("rem", models.SeverityCritical)
	reminder.NotificationState = models.NotificationNotified
	reminder.LastNotifiedAt = &last
	reminder.TriggeredAt = last
	reminder.NotifyCount = 1

	h := newHarness(reminder)
	h.policies.policy.InitialChannels = []models.Channel{models.ChannelInAppCenter}
	h.policies.policy.RemindersEnabled = true
	h.policies.policy.ReminderIntervalMinutes = 30
	h.policies.policy.EscalationSteps = []models.EscalationStep{
		{DelayMinutes: 30, Channels: []models.Channel{models.ChannelEmail}, NotifyRoles: []string{"manager"}},
	}

	res, err := h.dispatcher(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)

	require.Len(t, h.store.events, 2)
	for _, e := range h.store.events {
		assert.Equal(t, models.EventAlertEscalated, e.EventType)
	}
	assert.Equal(t, []string{"staff", "manager"}, h.recipients.queries[0].Roles)
	assert.Equal(t, 2, h.store.alerts["rem"].NotifyCount)

	// the step is consumed; the next sweep at the same instant does nothing
	res, err = h.dispatcher(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Notified)
	assert.Len(t, h.store.events, 2)
}

func TestSweep_Reminder(t *testing.T) {
	last := now.Add(-31 * time.Minute)
	a := pendingAlert("rem", models.SeverityCritical)
	a.NotificationState = models.NotificationNotified
	a.LastNotifiedAt = &last
	a.NotifyCount = 1

	h := newHarness(a)
	h.policies.policy.InitialChannels = []models.Channel{models.ChannelInAppCenter}
	h.policies.policy.RemindersEnabled = true
	h.policies.policy.ReminderIntervalMinutes = 30

	_, err := h.dispatcher(nil).Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, h.store.events, 1)
	assert.Equal(t, models.EventReminder, h.store.events[0].EventType)

	acked := pendingAlert("ack", models.SeverityCritical)
	acked.Status = models.AlertStatusAcknowledged
	acked.NotificationState = models.NotificationNotified
	acked.LastNotifiedAt = &last
	h = newHarness(acked)
	h.policies.policy.RemindersEnabled = true
	_, err = h.dispatcher(nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.store.events)
}

func TestSweep_CancelledContext(t *testing.T) {
	h := newHarness(pendingAlert("a1", models.SeverityCritical), pendingAlert("a2", models.SeverityCritical))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.dispatcher(nil).DispatchAlerts(ctx, []string{"a1", "a2"})
	require.NoError(t, err)
	assert.Zero(t, res.Alerts)
	assert.Empty(t, h.store.events)
}
