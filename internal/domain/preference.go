package domain

import (
	"fmt"
	"slices"
	"time"
)

// QuietHours is a daily local-time window, "HH:MM" to "HH:MM". A window whose
// end is before its start wraps past midnight. An empty window is disabled.
type QuietHours struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Enabled reports whether both bounds are set.
func (q QuietHours) Enabled() bool {
	return q.Start != "" && q.End != ""
}

// Validate checks the HH:MM format of both bounds.
func (q QuietHours) Validate() error {
	if q.Start == "" && q.End == "" {
		return nil
	}
	if _, err := minuteOfDay(q.Start); err != nil {
		return fmt.Errorf("quiet_hours.start: %w", err)
	}
	if _, err := minuteOfDay(q.End); err != nil {
		return fmt.Errorf("quiet_hours.end: %w", err)
	}
	return nil
}

// Contains reports whether local, already converted to the recipient's
// timezone, falls inside the window. Invalid windows never match.
func (q QuietHours) Contains(local time.Time) bool {
	if !q.Enabled() {
		return false
	}
	start, err := minuteOfDay(q.Start)
	if err != nil {
		return false
	}
	end, err := minuteOfDay(q.End)
	if err != nil {
		return false
	}
	now := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// PreferenceSet holds one recipient's delivery preferences.
type PreferenceSet struct {
	RecipientID string `json:"recipient_id"`
	// Categories maps a category to its ordered enabled channels. A category
	// missing from the map uses the system default.
	Categories map[Category][]Channel `json:"categories,omitempty"`
	// DisabledChannels are opted out for every category, critical included.
	DisabledChannels []Channel  `json:"disabled_channels,omitempty"`
	QuietHours       QuietHours `json:"quiet_hours"`
	Timezone         string     `json:"timezone,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ChannelDisabled reports whether c is opted out everywhere.
func (p *PreferenceSet) ChannelDisabled(c Channel) bool {
	return slices.Contains(p.DisabledChannels, c)
}
