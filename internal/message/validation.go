package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validation constants
const (
	MaxRoomIDLength    = 128 // Maximum document/deal id length
	MaxMessageIDLength = 128 // Maximum acked message id length
	MaxStatusLength    = 32  // Maximum presence status length
)

// Presence statuses accepted from clients
var validPresenceStatuses = map[string]bool{
	"online": true,
	"away":   true,
	"busy":   true,
}

// InboundKind is the closed set of client-origin frames the core understands
type InboundKind int

const (
	InboundUnknown InboundKind = iota
	InboundJoinDocument
	InboundLeaveDocument
	InboundJoinDeal
	InboundLeaveDeal
	InboundPing
	InboundPong
	InboundAck
	InboundPresenceUpdate
)

var inboundKinds = map[Type]InboundKind{
	TypeJoinDocument:   InboundJoinDocument,
	TypeLeaveDocument:  InboundLeaveDocument,
	TypeJoinDeal:       InboundJoinDeal,
	TypeLeaveDeal:      InboundLeaveDeal,
	TypePing:           InboundPing,
	TypePong:           InboundPong,
	TypeAck:            InboundAck,
	TypePresenceUpdate: InboundPresenceUpdate,
}

// KindOf maps an envelope type to its inbound kind
func KindOf(t Type) InboundKind {
	if k, ok := inboundKinds[t]; ok {
		return k
	}
	return InboundUnknown
}

// String returns the label used for logs and metrics
func (k InboundKind) String() string {
	switch k {
	case InboundJoinDocument:
		return string(TypeJoinDocument)
	case InboundLeaveDocument:
		return string(TypeLeaveDocument)
	case InboundJoinDeal:
		return string(TypeJoinDeal)
	case InboundLeaveDeal:
		return string(TypeLeaveDeal)
	case InboundPing:
		return string(TypePing)
	case InboundPong:
		return string(TypePong)
	case InboundAck:
		return string(TypeAck)
	case InboundPresenceUpdate:
		return string(TypePresenceUpdate)
	default:
		return "unknown"
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Inbound is a parsed and validated client frame
type Inbound struct {
	Kind       InboundKind
	Envelope   Envelope
	DocumentID string
	DealID     string
	MessageID  string
	Status     string
}

// ParseInbound decodes one client frame. Unknown types are not an error: they
// come back as InboundUnknown so the caller can log and ignore them.
func ParseInbound(raw []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Field: "frame", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if env.Type == "" {
		return nil, &ValidationError{Field: FieldType, Message: "type is required"}
	}

	in := &Inbound{Kind: KindOf(env.Type), Envelope: env}

	switch in.Kind {
	case InboundJoinDocument, InboundLeaveDocument:
		id, err := requireID(env, "document_id", MaxRoomIDLength)
		if err != nil {
			return nil, err
		}
		in.DocumentID = id

	case InboundJoinDeal, InboundLeaveDeal:
		id, err := requireID(env, "deal_id", MaxRoomIDLength)
		if err != nil {
			return nil, err
		}
		in.DealID = id

	case InboundAck:
		id, err := requireID(env, FieldMessageID, MaxMessageIDLength)
		if err != nil {
			return nil, err
		}
		in.MessageID = id

	case InboundPresenceUpdate:
		status := strings.ToLower(strings.TrimSpace(env.String("status")))
		if len(status) > MaxStatusLength || !validPresenceStatuses[status] {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("invalid presence status: %q", status)}
		}
		in.Status = status

	case InboundPing, InboundPong, InboundUnknown:
		// no payload
	}

	return in, nil
}

// requireID extracts a non-empty, bounded string field
func requireID(env Envelope, field string, maxLen int) (string, error) {
	id := strings.TrimSpace(env.String(field))
	if id == "" {
		return "", &ValidationError{Field: field, Message: fmt.Sprintf("%s is required for %s", field, env.Type)}
	}
	if len(id) > maxLen {
		return "", &ValidationError{Field: field, Message: fmt.Sprintf("%s exceeds maximum length of %d", field, maxLen)}
	}
	return id, nil
}
