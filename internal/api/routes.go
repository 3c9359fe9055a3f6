package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/agents"
	"github.com/zulandar/courier/internal/messaging"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/queue"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB, dir agents.Directory, limits messaging.Limits) {
	router.GET("/healthz", handleHealth(db))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/messages", handleCreateMessage(db, dir, limits))
		apiGroup.GET("/messages", handleListMessages(db))
		apiGroup.GET("/messages/:id", handleGetMessage(db))
		apiGroup.POST("/messages/:id/read", handleMarkRead(db))
		apiGroup.POST("/messages/:id/retract", handleRetract(db))
		apiGroup.GET("/threads/:id", handleGetThread(db))

		apiGroup.GET("/agents/:id/notifications", handlePoll(db))
		apiGroup.POST("/agents/:id/notifications/ack", handleAck(db))
		apiGroup.GET("/agents/:id/webhook", handleGetWebhook(db))
		apiGroup.PUT("/agents/:id/webhook", handleSetWebhook(db))
		apiGroup.GET("/agents/:id/preferences", handleGetPreferences(db))
		apiGroup.PUT("/agents/:id/preferences", handleSetPreferences(db))

		apiGroup.GET("/stats", handleStats(db))
	}
}

// messageView is the JSON shape of a message.
type messageView struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Type        string     `json:"type"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Sender      string     `json:"sender"`
	Recipients  []string   `json:"recipients"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RetractedAt *time.Time `json:"retracted_at,omitempty"`
}

type receiptView struct {
	RecipientID   string     `json:"recipient_id"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	Channel       string     `json:"channel,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	DeadLettered  bool       `json:"dead_lettered"`
}

func toMessageView(msg *models.Message) messageView {
	v := messageView{
		ID:          msg.ID,
		ThreadID:    msg.ThreadID,
		Type:        msg.Type,
		Priority:    msg.Priority,
		Status:      msg.Status,
		Sender:      msg.SenderID,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
		ExpiresAt:   msg.ExpiresAt,
		RetractedAt: msg.RetractedAt,
	}
	v.Recipients, _ = messaging.Recipients(msg)
	if msg.Attachments != "" {
		json.Unmarshal([]byte(msg.Attachments), &v.Attachments)
	}
	return v
}

func toReceiptViews(receipts []models.DeliveryReceipt) []receiptView {
	out := make([]receiptView, 0, len(receipts))
	for _, r := range receipts {
		out = append(out, receiptView{
			RecipientID:   r.RecipientID,
			AttemptCount:  r.AttemptCount,
			LastAttemptAt: r.LastAttemptAt,
			DeliveredAt:   r.DeliveredAt,
			Channel:       r.Channel,
			LastError:     r.LastError,
			DeadLettered:  r.DeadLettered,
		})
	}
	return out
}

// respondError maps domain errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	var valErr *messaging.ValidationError
	var capErr *messaging.CapacityError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Reason})
	case errors.As(err, &capErr):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": capErr.Reason})
	case errors.Is(err, messaging.ErrNotDelivered):
		c.JSON(http.StatusConflict, gin.H{"error": "message not delivered to this recipient yet"})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		var depth int64
		if qs, err := queue.GetStats(db, time.Now().UTC()); err == nil {
			depth = queue.Total(qs.Pending) + queue.Total(qs.Delivering)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "queue_depth": depth})
	}
}

type createMessageRequest struct {
	Sender      string   `json:"sender"`
	Recipients  []string `json:"recipients"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
	ThreadID    string   `json:"thread_id"`
	TTLSeconds  int      `json:"ttl_seconds"`
}

func handleCreateMessage(db *gorm.DB, dir agents.Directory, limits messaging.Limits) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}

		msg, err := messaging.Create(db, dir, messaging.CreateInput{
			Sender:      req.Sender,
			Recipients:  req.Recipients,
			Type:        req.Type,
			Priority:    req.Priority,
			Content:     req.Content,
			Attachments: req.Attachments,
			ThreadID:    req.ThreadID,
			TTL:         time.Duration(req.TTLSeconds) * time.Second,
		}, limits)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toMessageView(msg))
	}
}

func handleGetMessage(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		msg, err := messaging.Get(db, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		receipts, err := messaging.Receipts(db, msg.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  toMessageView(msg),
			"receipts": toReceiptViews(receipts),
		})
	}
}

func handleListMessages(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))
		msgs, err := messaging.List(db, messaging.Filter{
			Recipient: c.Query("recipient"),
			Sender:    c.Query("sender"),
			ThreadID:  c.Query("thread_id"),
			Status:    c.Query("status"),
			Priority:  c.Query("priority"),
			Type:      c.Query("type"),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		views := make([]messageView, 0, len(msgs))
		for i := range msgs {
			views = append(views, toMessageView(&msgs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"messages": views})
	}
}

func handleGetThread(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := messaging.Thread(db, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		views := make([]messageView, 0, len(msgs))
		for i := range msgs {
			views = append(views, toMessageView(&msgs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"messages": views})
	}
}

func handleMarkRead(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
			return
		}
		if err := messaging.MarkRead(db, c.Param("id"), req.AgentID, time.Now()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "read"})
	}
}

func handleRetract(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := messaging.Retract(db, c.Param("id"), time.Now()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "retracted"})
	}
}

func handlePoll(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		max, _ := strconv.Atoi(c.Query("max"))
		items, err := notify.Poll(db, c.Param("id"), max, time.Now())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": items})
	}
}

func handleAck(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MessageIDs []string `json:"message_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		acked, err := notify.Ack(db, c.Param("id"), req.MessageIDs, time.Now())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"acked": acked})
	}
}

type webhookView struct {
	AgentID      string     `json:"agent_id"`
	URL          string     `json:"url"`
	Enabled      bool       `json:"enabled"`
	FailureCount int        `json:"failure_count"`
	CircuitOpen  bool       `json:"circuit_open"`
	UpdatedAt    time.Time  `json:"updated_at"`
	OpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
}

func handleGetWebhook(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := notify.GetWebhookConfig(db, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if cfg == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no webhook configured"})
			return
		}
		// The shared secret never leaves the store.
		c.JSON(http.StatusOK, webhookView{
			AgentID:      cfg.AgentID,
			URL:          cfg.URL,
			Enabled:      cfg.Enabled,
			FailureCount: cfg.FailureCount,
			CircuitOpen:  cfg.CircuitOpen(time.Now()),
			UpdatedAt:    cfg.UpdatedAt,
			OpenUntil:    cfg.CircuitOpenUntil,
		})
	}
}

func handleSetWebhook(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			URL     string `json:"url"`
			Secret  string `json:"secret"`
			Enabled bool   `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		if err := notify.SetWebhookConfig(db, c.Param("id"), req.URL, req.Secret, req.Enabled); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type preferencesView struct {
	AgentID           string `json:"agent_id"`
	ChannelPreference string `json:"channel_preference"`
	MinPriority       string `json:"min_priority"`
	QuietHoursStart   string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     string `json:"quiet_hours_end,omitempty"`
}

func handleGetPreferences(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		prefs, err := notify.GetPreferences(db, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if prefs == nil {
			// Defaults apply when nothing is stored.
			c.JSON(http.StatusOK, preferencesView{
				AgentID:           c.Param("id"),
				ChannelPreference: models.ChannelWebhook,
				MinPriority:       models.PriorityLow,
			})
			return
		}
		c.JSON(http.StatusOK, preferencesView{
			AgentID:           prefs.AgentID,
			ChannelPreference: prefs.ChannelPreference,
			MinPriority:       prefs.MinPriority,
			QuietHoursStart:   prefs.QuietHoursStart,
			QuietHoursEnd:     prefs.QuietHoursEnd,
		})
	}
}

func handleSetPreferences(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req preferencesView
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		prefs := &models.NotificationPreferences{
			AgentID:           c.Param("id"),
			ChannelPreference: req.ChannelPreference,
			MinPriority:       req.MinPriority,
			QuietHoursStart:   req.QuietHoursStart,
			QuietHoursEnd:     req.QuietHoursEnd,
		}
		if err := notify.SetPreferences(db, prefs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgStats, err := messaging.GetStats(db)
		if err != nil {
			respondError(c, err)
			return
		}
		qStats, err := queue.GetStats(db, time.Now())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"messages": gin.H{
				"total":       msgStats.Total,
				"by_status":   msgStats.ByStatus,
				"by_priority": msgStats.ByPriority,
			},
			"queue": gin.H{
				"pending":     qStats.Pending,
				"delivering":  qStats.Delivering,
				"dead_letter": qStats.DeadLetter,
			},
		})
	}
}
