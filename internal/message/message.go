// Package message defines the wire envelope exchanged over realtime connections.
//
// Every frame in both directions is a JSON object of the form
// {"type": <string>, "timestamp": <RFC3339>, ...type-specific fields}.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the payload schema of an envelope
type Type string

// Server-origin envelope types
const (
	TypeConnectionEstablished   Type = "connection_established"
	TypeDocumentUploadStarted   Type = "document_upload_started"
	TypeDocumentUploadCompleted Type = "document_upload_completed"
	TypeAnalysisStarted         Type = "document_analysis_started"
	TypeAnalysisProgress        Type = "document_analysis_progress"
	TypeAnalysisCompleted       Type = "document_analysis_completed"
	TypeAnalysisFailed          Type = "document_analysis_failed"
	TypeRiskAssessmentStarted   Type = "risk_assessment_started"
	TypeRiskAssessmentCompleted Type = "risk_assessment_completed"
	TypeComplianceAlert         Type = "compliance_alert"
	TypeUserMentioned           Type = "user_mentioned"
	TypeDocumentShared          Type = "document_shared"
	TypeReviewAssigned          Type = "review_assigned"
	TypeReviewSubmitted         Type = "review_submitted"
	TypeReviewWorkflowCompleted Type = "review_workflow_completed"
	TypeReviewOverdue           Type = "review_overdue"
	TypeSystemMaintenance       Type = "system_maintenance"
	TypeUserPresence            Type = "user_presence"
	TypeRoomJoined              Type = "room_joined"
	TypeRoomLeft                Type = "room_left"
	TypeNotification            Type = "notification"
	TypeError                   Type = "error"
)

// Types valid in both directions
const (
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// Client-origin envelope types
const (
	TypeJoinDocument   Type = "join_document"
	TypeLeaveDocument  Type = "leave_document"
	TypeJoinDeal       Type = "join_deal"
	TypeLeaveDeal      Type = "leave_deal"
	TypeAck            Type = "ack"
	TypePresenceUpdate Type = "presence_update"
)

// Reserved field names
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldMessageID = "message_id"
	FieldQueuedAt  = "queued_at"
)

// ErrorInfo contains error details carried by TypeError envelopes
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// Envelope is one typed message. Fields holds the type-specific payload and is
// flattened next to "type" and "timestamp" on the wire.
type Envelope struct {
	Type      Type
	Timestamp time.Time
	Fields    map[string]interface{}
}

// New creates an envelope of the given type. The timestamp is left zero so the
// sender can stamp it at enqueue time.
func New(t Type, fields map[string]interface{}) Envelope {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return Envelope{Type: t, Fields: fields}
}

// NewError creates an error envelope
func NewError(info *ErrorInfo) Envelope {
	return New(TypeError, map[string]interface{}{"error": info})
}

// Clone returns a copy whose Fields map can be modified independently
func (e Envelope) Clone() Envelope {
	fields := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return Envelope{Type: e.Type, Timestamp: e.Timestamp, Fields: fields}
}

// With returns a copy of the envelope with one extra field set
func (e Envelope) With(key string, value interface{}) Envelope {
	c := e.Clone()
	c.Fields[key] = value
	return c
}

// String returns a string field or "" when absent or not a string
func (e Envelope) String(key string) string {
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}

// Stamped returns the envelope with a server timestamp if it has none yet
func (e Envelope) Stamped(now time.Time) Envelope {
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	return e
}

// MarshalJSON flattens Fields next to the reserved keys. Reserved keys in Fields are ignored.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		if k == FieldType || k == FieldTimestamp {
			continue
		}
		out[k] = v
	}
	out[FieldType] = string(e.Type)
	if !e.Timestamp.IsZero() {
		out[FieldTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat JSON object into Type, Timestamp and Fields
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("envelope must be a JSON object")
	}

	e.Type = ""
	e.Timestamp = time.Time{}
	if t, ok := raw[FieldType].(string); ok {
		e.Type = Type(t)
	}
	if ts, ok := raw[FieldTimestamp].(string); ok && ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		e.Timestamp = parsed
	}
	delete(raw, FieldType)
	delete(raw, FieldTimestamp)
	e.Fields = raw
	return nil
}
