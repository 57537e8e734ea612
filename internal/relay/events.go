package relay

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// EventLog appends audit events below a process root event. A nil *EventLog
// discards everything.
type EventLog struct {
	DB     *sql.DB
	Root   int64
	Logger *zap.Logger
}

// Log writes one event. Failures are logged and otherwise ignored.
func (e *EventLog) Log(eventType string, payload map[string]any) {
	if e == nil || e.DB == nil {
		return
	}
	var parent *int64
	if e.Root > 0 {
		root := e.Root
		parent = &root
	}
	if _, err := db.LogEvent(e.DB, parent, eventType, payload); err != nil && e.Logger != nil {
		e.Logger.Warn("failed to log event", zap.String("event_type", eventType), zap.Error(err))
	}
}
