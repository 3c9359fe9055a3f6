// Package notify implements the notification fan-out surfaces: webhook push
// with signing and circuit breaking, the poll/ack fallback, and the routing
// decision that picks between them per recipient per attempt.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome classifies one webhook delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomePermanent:
		return "permanent_failure"
	}
	return "unknown"
}

// SignatureHeader carries the hex HMAC-SHA256 of the payload body, keyed
// with the recipient's shared secret, so the receiving agent can verify
// authenticity.
const SignatureHeader = "X-Courier-Signature"

// Payload is the push notification body: a summary, never the full content,
// to bound payload size and avoid leaking large bodies over the push channel.
type Payload struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookManager pushes notification payloads to registered endpoints and
// maintains per-endpoint circuit state on the WebhookConfig row.
type WebhookManager struct {
	client           *http.Client
	circuitThreshold int
	circuitCooldown  time.Duration
	previewBytes     int
}

// WebhookOpts configures a WebhookManager.
type WebhookOpts struct {
	RequestTimeout   time.Duration // must be shorter than the queue lease window
	CircuitThreshold int
	CircuitCooldown  time.Duration
	PreviewBytes     int
}

// NewWebhookManager builds a WebhookManager with the given policy.
func NewWebhookManager(opts WebhookOpts) *WebhookManager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 5
	}
	if opts.CircuitCooldown <= 0 {
		opts.CircuitCooldown = 5 * time.Minute
	}
	if opts.PreviewBytes <= 0 {
		opts.PreviewBytes = 256
	}
	return &WebhookManager{
		client:           &http.Client{Timeout: opts.RequestTimeout},
		circuitThreshold: opts.CircuitThreshold,
		circuitCooldown:  opts.CircuitCooldown,
		previewBytes:     opts.PreviewBytes,
	}
}

// BuildPayload summarizes a message for the push channel.
func (m *WebhookManager) BuildPayload(msg *models.Message) Payload {
	preview := msg.Content
	if len(preview) > m.previewBytes {
		// Back the cut up to a rune boundary so the preview stays valid UTF-8.
		cut := m.previewBytes
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	return Payload{
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Sender:    msg.SenderID,
		Type:      msg.Type,
		Priority:  msg.Priority,
		Preview:   preview,
		CreatedAt: msg.CreatedAt,
	}
}

// Notify POSTs the signed payload to the recipient's endpoint and classifies
// the response. 2xx is delivered; an endpoint-gone class status (404, 410) is
// a permanent failure; everything else, including transport errors and
// timeouts, is retryable.
func (m *WebhookManager) Notify(ctx context.Context, cfg *models.WebhookConfig, msg *models.Message) (Outcome, error) {
	if cfg == nil || cfg.URL == "" {
		return OutcomePermanent, fmt.Errorf("notify: no webhook endpoint for %s", msg.ID)
	}

	body, err := json.Marshal(m.BuildPayload(msg))
	if err != nil {
		return OutcomePermanent, fmt.Errorf("notify: marshal payload for %s: %w", msg.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return OutcomePermanent, fmt.Errorf("notify: build request for %s: %w", cfg.AgentID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(cfg.Secret, body))

	resp, err := m.client.Do(req)
	if err != nil {
		return OutcomeRetryable, fmt.Errorf("notify: post to %s: %w", cfg.AgentID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeDelivered, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return OutcomePermanent, fmt.Errorf("notify: endpoint for %s is gone: status %d", cfg.AgentID, resp.StatusCode)
	default:
		return OutcomeRetryable, fmt.Errorf("notify: endpoint for %s returned status %d", cfg.AgentID, resp.StatusCode)
	}
}

// Sign returns the signature header value for a payload body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body, for
// use by receiving agents and tests.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// RecordResult updates the endpoint's consecutive-failure count after an
// attempt. Success closes the circuit and resets the counter; reaching the
// failure threshold opens the circuit until the cooldown passes, during
// which routing falls back to poll.
func (m *WebhookManager) RecordResult(db *gorm.DB, agentID string, success bool, now time.Time) error {
	if success {
		err := db.Model(&models.WebhookConfig{}).Where("agent_id = ?", agentID).
			Updates(map[string]interface{}{
				"failure_count":      0,
				"circuit_open_until": nil,
			}).Error
		if err != nil {
			return fmt.Errorf("notify: record success for %s: %w", agentID, err)
		}
		return nil
	}

	result := db.Model(&models.WebhookConfig{}).Where("agent_id = ?", agentID).
		Update("failure_count", gorm.Expr("failure_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("notify: record failure for %s: %w", agentID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notify: record failure for %s: config not found", agentID)
	}

	// Guarded second write, so concurrent failure records never lose an
	// increment and whichever one reaches the threshold opens the circuit.
	until := now.Add(m.circuitCooldown)
	err := db.Model(&models.WebhookConfig{}).
		Where("agent_id = ? AND failure_count >= ?", agentID, m.circuitThreshold).
		Updates(map[string]interface{}{
			"circuit_open_until": until,
			"failure_count":      0,
		}).Error
	if err != nil {
		return fmt.Errorf("notify: record failure for %s: %w", agentID, err)
	}
	return nil
}

// SetWebhookConfig registers or updates an agent's push endpoint. Changing
// the endpoint resets circuit state.
func SetWebhookConfig(db *gorm.DB, agentID, url, secret string, enabled bool) error {
	if agentID == "" {
		return fmt.Errorf("notify: agentID is required")
	}
	if enabled && url == "" {
		return fmt.Errorf("notify: url is required for an enabled webhook")
	}

	cfg := models.WebhookConfig{
		AgentID: agentID,
		URL:     url,
		Secret:  secret,
		Enabled: enabled,
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "secret", "enabled", "failure_count", "circuit_open_until"}),
	}).Create(&cfg)
	if result.Error != nil {
		return fmt.Errorf("notify: set webhook config for %s: %w", agentID, result.Error)
	}
	return nil
}

// GetWebhookConfig returns an agent's webhook config, or nil when none is
// registered.
func GetWebhookConfig(db *gorm.DB, agentID string) (*models.WebhookConfig, error) {
	var cfg models.WebhookConfig
	err := db.First(&cfg, "agent_id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: get webhook config for %s: %w", agentID, err)
	}
	return &cfg, nil
}
