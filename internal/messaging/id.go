package messaging

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a globally unique message ID whose lexical order
// follows creation order (nanosecond timestamp prefix, random suffix).
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("msg_%019d_%s", now.UnixNano(), shortUUID())
}

// NewThreadID returns a new thread identifier.
func NewThreadID(now time.Time) string {
	return fmt.Sprintf("thr_%019d_%s", now.UnixNano(), shortUUID())
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
