// Package events feeds domain events published by other services on the
// event bus into the notification facade.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/notification"
)

// ErrUnknownEventType is returned by Dispatch for event types with no handler
var ErrUnknownEventType = errors.New("unknown event type")

// Event types. Notification events reuse the envelope type names; custom
// notifications are addressed by scope.
const (
	TypeNotifyUser         = "notify_user"
	TypeNotifyDocument     = "notify_document"
	TypeNotifyDeal         = "notify_deal"
	TypeNotifyOrganization = "notify_organization"
)

// DomainEvent is the JSON payload published on the bus
type DomainEvent struct {
	ID             string                 `json:"id,omitempty"`
	Type           string                 `json:"type"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	DealID         string                 `json:"deal_id,omitempty"`
	DocumentID     string                 `json:"document_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at,omitempty"`
}

// Dispatch routes ev to the matching Notifier method
func Dispatch(n notification.Notifier, ev DomainEvent) error {
	var err error
	switch message.Type(ev.Type) {
	case message.TypeDocumentUploadStarted:
		_, err = n.DocumentUploadStarted(ev.DealID, ev.DocumentID, ev.str("file_name"), ev.UserID)
	case message.TypeDocumentUploadCompleted:
		_, err = n.DocumentUploadCompleted(ev.DealID, ev.DocumentID, ev.str("file_name"), ev.UserID)
	case message.TypeAnalysisStarted:
		_, err = n.AnalysisStarted(ev.DocumentID, ev.str("analysis_type"))
	case message.TypeAnalysisProgress:
		_, err = n.AnalysisProgress(ev.DocumentID, ev.num("progress"), ev.str("stage"))
	case message.TypeAnalysisCompleted:
		_, err = n.AnalysisCompleted(ev.DocumentID, ev.object("summary"))
	case message.TypeAnalysisFailed:
		_, err = n.AnalysisFailed(ev.DocumentID, ev.str("reason"))
	case message.TypeRiskAssessmentStarted:
		_, err = n.RiskAssessmentStarted(ev.DealID)
	case message.TypeRiskAssessmentCompleted:
		_, err = n.RiskAssessmentCompleted(ev.DealID, ev.str("risk_level"), ev.num("score"), ev.strs("findings"))
	case message.TypeComplianceAlert:
		_, err = n.ComplianceAlert(ev.DealID, ev.str("severity"), ev.str("title"), ev.str("detail"))
	case message.TypeUserMentioned:
		_, err = n.UserMentioned(ev.UserID, ev.str("mentioned_by"), ev.DocumentID, ev.str("excerpt"))
	case message.TypeDocumentShared:
		_, err = n.DocumentShared(ev.UserID, ev.DocumentID, ev.str("shared_by"), ev.str("permission"))
	case message.TypeReviewAssigned:
		_, err = n.ReviewAssigned(ev.UserID, ev.DocumentID, ev.str("assigned_by"), ev.when("due_at"))
	case message.TypeReviewSubmitted:
		_, err = n.ReviewSubmitted(ev.DocumentID, ev.UserID, ev.str("decision"), ev.str("comment"))
	case message.TypeReviewWorkflowCompleted:
		_, err = n.ReviewWorkflowCompleted(ev.DocumentID, ev.str("outcome"))
	case message.TypeReviewOverdue:
		_, err = n.ReviewOverdue(ev.UserID, ev.DocumentID, ev.when("due_at"))
	case message.TypeSystemMaintenance:
		_, err = n.SystemMaintenance(ev.OrganizationID, ev.str("message"), ev.when("starts_at"),
			time.Duration(ev.num("duration_seconds"))*time.Second)
	case TypeNotifyUser:
		_, err = n.NotifyUser(ev.UserID, ev.str("title"), ev.str("body"), ev.object("data"))
	case TypeNotifyDocument:
		_, err = n.NotifyDocument(ev.DocumentID, ev.str("title"), ev.str("body"), ev.object("data"))
	case TypeNotifyDeal:
		_, err = n.NotifyDeal(ev.DealID, ev.str("title"), ev.str("body"), ev.object("data"))
	case TypeNotifyOrganization:
		_, err = n.NotifyOrganization(ev.OrganizationID, ev.str("title"), ev.str("body"), ev.object("data"))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return err
}

func (ev DomainEvent) str(key string) string {
	if v, ok := ev.Data[key].(string); ok {
		return v
	}
	return ""
}

func (ev DomainEvent) num(key string) float64 {
	switch v := ev.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// when parses an RFC3339 timestamp, zero when absent or malformed
func (ev DomainEvent) when(key string) time.Time {
	t, err := time.Parse(time.RFC3339, ev.str(key))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (ev DomainEvent) strs(key string) []string {
	switch v := ev.Data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (ev DomainEvent) object(key string) map[string]interface{} {
	if v, ok := ev.Data[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
