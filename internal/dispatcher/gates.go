package dispatcher

import (
	"fmt"
	"time"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

const (
	reasonSeverity      = "severity below threshold"
	reasonQuietHours    = "quiet hours"
	reasonNotConfigured = "channel not configured"
	reasonNoRecipients  = "no recipients"
	reasonNoChannels    = "no channels configured"
)

// severityAllowed applies the policy severity gate. Critical always passes;
// warning passes when warnings are allowed or the threshold is warning or
// info; info passes only at an info threshold.
func severityAllowed(p *models.NotificationPolicy, s models.Severity) bool {
	switch s {
	case models.SeverityCritical:
		return true
	case models.SeverityWarning:
		return p.AllowWarningNotifications ||
			p.SeverityThreshold == models.SeverityWarning ||
			p.SeverityThreshold == models.SeverityInfo
	case models.SeverityInfo:
		return p.SeverityThreshold == models.SeverityInfo
	default:
		return false
	}
}

// inQuietHours reports whether now falls in the policy's quiet window in the
// site's timezone. Windows may cross midnight; start == end is an empty window.
func inQuietHours(p *models.NotificationPolicy, loc *time.Location, now time.Time) (bool, error) {
	if !p.QuietHoursEnabled {
		return false, nil
	}
	start, err := parseClock(p.QuietHoursStart)
	if err != nil {
		return false, err
	}
	end, err := parseClock(p.QuietHoursEnd)
	if err != nil {
		return false, err
	}
	if start == end {
		return false, nil
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

// parseClock parses "HH:MM" (seconds are accepted and ignored) into minutes
// after midnight.
func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("invalid quiet hours time %q", s)
}

// siteLocation loads tz, falling back to UTC.
func siteLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, fmt.Errorf("invalid site timezone %q: %w", tz, err)
	}
	return loc, nil
}
