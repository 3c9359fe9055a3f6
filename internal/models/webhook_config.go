package models

import "time"

// WebhookConfig holds one agent's push endpoint registration. Circuit
// breaker state lives on this row so there is a single source of truth
// for the endpoint's health.
type WebhookConfig struct {
	AgentID          string `gorm:"primaryKey;size:64"`
	URL              string `gorm:"size:512;not null"`
	Secret           string `gorm:"size:128"`
	Enabled          bool   `gorm:"default:true"`
	FailureCount     int    `gorm:"default:0"`
	CircuitOpenUntil *time.Time
	UpdatedAt        time.Time
}

// CircuitOpen reports whether the endpoint's circuit is open at now.
func (w *WebhookConfig) CircuitOpen(now time.Time) bool {
	return w.CircuitOpenUntil != nil && now.Before(*w.CircuitOpenUntil)
}
