package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/queue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Route is the per-attempt delivery channel decision.
type Route int

const (
	// RouteWebhook pushes the notification to the agent's endpoint.
	RouteWebhook Route = iota
	// RoutePoll leaves the item for the agent to pull.
	RoutePoll
	// RouteSuppressed holds the item queued without an active push; it stays
	// pollable.
	RouteSuppressed
)

func (r Route) String() string {
	switch r {
	case RouteWebhook:
		return "webhook"
	case RoutePoll:
		return "poll"
	case RouteSuppressed:
		return "suppressed"
	}
	return "unknown"
}

// Decide picks the delivery route for one recipient and one message
// priority at one instant. Pure function over the loaded preference and
// webhook rows; the processor consults it before every attempt, so a
// preference change takes effect on the next attempt, not retroactively.
func Decide(prefs *models.NotificationPreferences, hook *models.WebhookConfig, priority string, now time.Time) Route {
	if prefs != nil {
		if prefs.MinPriority != "" && queue.Score(priority) > queue.Score(prefs.MinPriority) {
			return RouteSuppressed
		}
		if priority != models.PriorityUrgent && prefs.QuietHoursActive(now) {
			return RouteSuppressed
		}
		if prefs.ChannelPreference == models.ChannelPoll {
			return RoutePoll
		}
	}

	if hook == nil || !hook.Enabled || hook.URL == "" {
		return RoutePoll
	}
	if hook.CircuitOpen(now) {
		return RoutePoll
	}
	return RouteWebhook
}

// SetPreferences stores an agent's notification preferences.
func SetPreferences(db *gorm.DB, prefs *models.NotificationPreferences) error {
	if prefs == nil || prefs.AgentID == "" {
		return fmt.Errorf("notify: agentID is required")
	}
	if prefs.ChannelPreference == "" {
		prefs.ChannelPreference = models.ChannelWebhook
	}
	if prefs.ChannelPreference != models.ChannelWebhook && prefs.ChannelPreference != models.ChannelPoll {
		return fmt.Errorf("notify: unknown channel preference %q", prefs.ChannelPreference)
	}
	if prefs.MinPriority == "" {
		prefs.MinPriority = models.PriorityLow
	}
	if !models.ValidPriority(prefs.MinPriority) {
		return fmt.Errorf("notify: unknown min priority %q", prefs.MinPriority)
	}
	if (prefs.QuietHoursStart == "") != (prefs.QuietHoursEnd == "") {
		return fmt.Errorf("notify: quiet hours need both start and end")
	}
	for _, v := range []string{prefs.QuietHoursStart, prefs.QuietHoursEnd} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("notify: bad quiet hours time %q: %w", v, err)
		}
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel_preference", "min_priority", "quiet_hours_start", "quiet_hours_end"}),
	}).Create(prefs)
	if result.Error != nil {
		return fmt.Errorf("notify: set preferences for %s: %w", prefs.AgentID, result.Error)
	}
	return nil
}

// GetPreferences returns an agent's preferences, or nil when none are stored
// (defaults apply).
func GetPreferences(db *gorm.DB, agentID string) (*models.NotificationPreferences, error) {
	var prefs models.NotificationPreferences
	err := db.First(&prefs, "agent_id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: get preferences for %s: %w", agentID, err)
	}
	return &prefs, nil
}
