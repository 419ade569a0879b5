package util

import (
	"fmt"

	"github.com/real-rm/golog"
)

// LogError logs a failed operation with its component.
//
// Example:
//
//	LogError(logger, "presence", "mark online", err, "user_id", userID)
func LogError(logger *golog.Logger, component, operation string, err error, fields ...interface{}) {
	if logger == nil {
		return
	}
	allFields := []interface{}{"error", err, "component", component}
	allFields = append(allFields, fields...)
	logger.Error(fmt.Sprintf("Failed to %s", operation), allFields...)
}

// LogDrop records a message that was intentionally not delivered.
// Drops are expected under load so they are logged at debug level.
func LogDrop(logger *golog.Logger, reason, userID string, msgType interface{}) {
	if logger == nil {
		return
	}
	logger.Debug("Message dropped",
		"component", "realtime",
		"reason", reason,
		"user_id", userID,
		"type", msgType)
}
