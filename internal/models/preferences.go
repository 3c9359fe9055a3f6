package models

import "time"

// NotificationPreferences holds one agent's routing rules for push
// notifications. Absent a row, the defaults apply (webhook preferred,
// min priority low, no quiet hours).
type NotificationPreferences struct {
	AgentID           string `gorm:"primaryKey;size:64"`
	ChannelPreference string `gorm:"size:8;default:webhook"`
	MinPriority       string `gorm:"size:8;default:low"`
	QuietHoursStart   string `gorm:"size:5"`
	QuietHoursEnd     string `gorm:"size:5"`
	UpdatedAt         time.Time
}

// QuietHoursActive reports whether now falls inside the agent's quiet hours
// window. Windows are "HH:MM" local times and may wrap midnight
// (e.g. 22:00 to 06:00). No window configured means never active.
func (p *NotificationPreferences) QuietHoursActive(now time.Time) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, err := time.Parse("15:04", p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", p.QuietHoursEnd)
	if err != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s == e {
		return false
	}
	if s < e {
		return cur >= s && cur < e
	}
	// Window wraps midnight.
	return cur >= s || cur < e
}
