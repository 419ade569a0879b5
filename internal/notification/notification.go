// Package notification is the only entry point for domain events into the
// realtime core. Every method builds one typed envelope and hands it to exactly
// one of the Sender's delivery primitives.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/ratelimit"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
)

// ErrPayloadTooLarge is returned when custom notification data exceeds MaxCustomFieldsSize
var ErrPayloadTooLarge = errors.New("notification payload too large")

// Sender is the delivery surface of the connection manager
type Sender interface {
	SendPersonalMessage(env message.Envelope, userID string, queueIfOffline bool) bool
	BroadcastToDocument(env message.Envelope, documentID, excludeUser string) int
	BroadcastToDeal(env message.Envelope, dealID, excludeUser string) int
	BroadcastToOrganization(env message.Envelope, organizationID, excludeUser string) int
}

// Notifier is the call contract offered to other services. Personal
// notifications report whether the message was delivered or queued;
// broadcasts report how many connections accepted it.
type Notifier interface {
	DocumentUploadStarted(dealID, documentID, fileName, uploadedBy string) (int, error)
	DocumentUploadCompleted(dealID, documentID, fileName, uploadedBy string) (int, error)

	AnalysisStarted(documentID, analysisType string) (int, error)
	AnalysisProgress(documentID string, progress float64, stage string) (int, error)
	AnalysisCompleted(documentID string, summary map[string]interface{}) (int, error)
	AnalysisFailed(documentID, reason string) (int, error)

	RiskAssessmentStarted(dealID string) (int, error)
	RiskAssessmentCompleted(dealID, riskLevel string, score float64, findings []string) (int, error)
	ComplianceAlert(dealID, severity, title, detail string) (int, error)

	UserMentioned(userID, mentionedBy, documentID, excerpt string) (bool, error)
	DocumentShared(userID, documentID, sharedBy, permission string) (bool, error)

	ReviewAssigned(reviewerID, documentID, assignedBy string, dueAt time.Time) (bool, error)
	ReviewSubmitted(documentID, reviewerID, decision, comment string) (int, error)
	ReviewWorkflowCompleted(documentID, outcome string) (int, error)
	ReviewOverdue(reviewerID, documentID string, dueAt time.Time) (bool, error)

	SystemMaintenance(organizationID, text string, startsAt time.Time, duration time.Duration) (int, error)

	NotifyUser(userID, title, body string, data map[string]interface{}) (bool, error)
	NotifyDocument(documentID, title, body string, data map[string]interface{}) (int, error)
	NotifyDeal(dealID, title, body string, data map[string]interface{}) (int, error)
	NotifyOrganization(organizationID, title, body string, data map[string]interface{}) (int, error)
}

// Service implements Notifier on top of a Sender
type Service struct {
	sender   Sender
	logger   *golog.Logger
	progress *ratelimit.MessageLimiter
}

var _ Notifier = (*Service)(nil)

// NewService creates a notification service. Analysis progress for one
// document is emitted at most once per progressInterval.
func NewService(sender Sender, logger *golog.Logger, progressInterval time.Duration) *Service {
	if progressInterval <= 0 {
		progressInterval = constants.DefaultProgressInterval
	}
	progress := ratelimit.NewMessageLimiter(progressInterval, 1)
	progress.SetLogger(logger)
	progress.StartCleanup()

	return &Service{
		sender:   sender,
		logger:   logger,
		progress: progress,
	}
}

// Close stops the progress throttle cleanup
func (s *Service) Close() {
	s.progress.StopCleanup()
}

// DocumentUploadStarted announces an upload to the deal room
func (s *Service) DocumentUploadStarted(dealID, documentID, fileName, uploadedBy string) (int, error) {
	if err := requireIDs("deal_id", dealID, "document_id", documentID); err != nil {
		return 0, err
	}
	env := message.New(message.TypeDocumentUploadStarted, map[string]interface{}{
		"deal_id":     dealID,
		"document_id": documentID,
		"file_name":   fileName,
		"uploaded_by": uploadedBy,
	})
	return s.toDeal(env, dealID, ""), nil
}

// DocumentUploadCompleted announces a finished upload to the deal room
func (s *Service) DocumentUploadCompleted(dealID, documentID, fileName, uploadedBy string) (int, error) {
	if err := requireIDs("deal_id", dealID, "document_id", documentID); err != nil {
		return 0, err
	}
	env := message.New(message.TypeDocumentUploadCompleted, map[string]interface{}{
		"deal_id":     dealID,
		"document_id": documentID,
		"file_name":   fileName,
		"uploaded_by": uploadedBy,
	})
	return s.toDeal(env, dealID, ""), nil
}

// AnalysisStarted tells document viewers that analysis began
func (s *Service) AnalysisStarted(documentID, analysisType string) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	s.progress.Reset(documentID)
	env := message.New(message.TypeAnalysisStarted, map[string]interface{}{
		"document_id":   documentID,
		"analysis_type": analysisType,
	})
	return s.toDocument(env, documentID, ""), nil
}

// AnalysisProgress reports analysis progress in percent. Updates arriving
// faster than the progress interval are dropped.
func (s *Service) AnalysisProgress(documentID string, progress float64, stage string) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	if progress < 0 || progress > 100 {
		return 0, fmt.Errorf("progress must be between 0 and 100, got %v", progress)
	}
	if !s.progress.Allow(documentID) {
		metrics.NotificationsThrottled.Inc()
		s.logger.Debug("Analysis progress throttled",
			"component", "notification",
			"document_id", documentID,
			"progress", progress)
		return 0, nil
	}
	env := message.New(message.TypeAnalysisProgress, map[string]interface{}{
		"document_id": documentID,
		"progress":    progress,
		"stage":       stage,
	})
	return s.toDocument(env, documentID, ""), nil
}

// AnalysisCompleted publishes the analysis summary to the document room
func (s *Service) AnalysisCompleted(documentID string, summary map[string]interface{}) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	if err := checkSize(summary); err != nil {
		return 0, err
	}
	s.progress.Reset(documentID)
	env := message.New(message.TypeAnalysisCompleted, map[string]interface{}{
		"document_id": documentID,
		"summary":     summary,
	})
	return s.toDocument(env, documentID, ""), nil
}

// AnalysisFailed reports a failed analysis to the document room
func (s *Service) AnalysisFailed(documentID, reason string) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	s.progress.Reset(documentID)
	env := message.New(message.TypeAnalysisFailed, map[string]interface{}{
		"document_id": documentID,
		"reason":      reason,
	})
	return s.toDocument(env, documentID, ""), nil
}

// RiskAssessmentStarted announces a risk assessment to the deal room
func (s *Service) RiskAssessmentStarted(dealID string) (int, error) {
	if err := requireIDs("deal_id", dealID); err != nil {
		return 0, err
	}
	env := message.New(message.TypeRiskAssessmentStarted, map[string]interface{}{
		"deal_id": dealID,
	})
	return s.toDeal(env, dealID, ""), nil
}

// RiskAssessmentCompleted publishes the assessment result to the deal room
func (s *Service) RiskAssessmentCompleted(dealID, riskLevel string, score float64, findings []string) (int, error) {
	if err := requireIDs("deal_id", dealID); err != nil {
		return 0, err
	}
	if findings == nil {
		findings = []string{}
	}
	env := message.New(message.TypeRiskAssessmentCompleted, map[string]interface{}{
		"deal_id":    dealID,
		"risk_level": riskLevel,
		"score":      score,
		"findings":   findings,
	})
	return s.toDeal(env, dealID, ""), nil
}

// ComplianceAlert raises a compliance alert in the deal room
func (s *Service) ComplianceAlert(dealID, severity, title, detail string) (int, error) {
	if err := requireIDs("deal_id", dealID); err != nil {
		return 0, err
	}
	env := message.New(message.TypeComplianceAlert, map[string]interface{}{
		"deal_id":  dealID,
		"severity": severity,
		"title":    title,
		"detail":   detail,
	})
	return s.toDeal(env, dealID, ""), nil
}

// UserMentioned notifies one user that they were mentioned
func (s *Service) UserMentioned(userID, mentionedBy, documentID, excerpt string) (bool, error) {
	if err := requireIDs("user_id", userID); err != nil {
		return false, err
	}
	env := message.New(message.TypeUserMentioned, map[string]interface{}{
		"mentioned_by": mentionedBy,
		"document_id":  documentID,
		"excerpt":      excerpt,
	})
	return s.toUser(env, userID), nil
}

// DocumentShared notifies the user a document was shared with
func (s *Service) DocumentShared(userID, documentID, sharedBy, permission string) (bool, error) {
	if err := requireIDs("user_id", userID, "document_id", documentID); err != nil {
		return false, err
	}
	env := message.New(message.TypeDocumentShared, map[string]interface{}{
		"document_id": documentID,
		"shared_by":   sharedBy,
		"permission":  permission,
	})
	return s.toUser(env, userID), nil
}

// ReviewAssigned notifies a reviewer of a new assignment
func (s *Service) ReviewAssigned(reviewerID, documentID, assignedBy string, dueAt time.Time) (bool, error) {
	if err := requireIDs("reviewer_id", reviewerID, "document_id", documentID); err != nil {
		return false, err
	}
	fields := map[string]interface{}{
		"document_id": documentID,
		"assigned_by": assignedBy,
	}
	if !dueAt.IsZero() {
		fields["due_at"] = dueAt.UTC().Format(time.RFC3339)
	}
	return s.toUser(message.New(message.TypeReviewAssigned, fields), reviewerID), nil
}

// ReviewSubmitted tells the other document viewers a review decision was made
func (s *Service) ReviewSubmitted(documentID, reviewerID, decision, comment string) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	env := message.New(message.TypeReviewSubmitted, map[string]interface{}{
		"document_id": documentID,
		"reviewer_id": reviewerID,
		"decision":    decision,
		"comment":     comment,
	})
	return s.toDocument(env, documentID, reviewerID), nil
}

// ReviewWorkflowCompleted announces the final review outcome to the document room
func (s *Service) ReviewWorkflowCompleted(documentID, outcome string) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	env := message.New(message.TypeReviewWorkflowCompleted, map[string]interface{}{
		"document_id": documentID,
		"outcome":     outcome,
	})
	return s.toDocument(env, documentID, ""), nil
}

// ReviewOverdue reminds a reviewer of a missed due date
func (s *Service) ReviewOverdue(reviewerID, documentID string, dueAt time.Time) (bool, error) {
	if err := requireIDs("reviewer_id", reviewerID, "document_id", documentID); err != nil {
		return false, err
	}
	env := message.New(message.TypeReviewOverdue, map[string]interface{}{
		"document_id": documentID,
		"due_at":      dueAt.UTC().Format(time.RFC3339),
	})
	return s.toUser(env, reviewerID), nil
}

// SystemMaintenance announces a maintenance window to an organization
func (s *Service) SystemMaintenance(organizationID, text string, startsAt time.Time, duration time.Duration) (int, error) {
	if err := requireIDs("organization_id", organizationID); err != nil {
		return 0, err
	}
	fields := map[string]interface{}{
		"message": text,
	}
	if !startsAt.IsZero() {
		fields["starts_at"] = startsAt.UTC().Format(time.RFC3339)
	}
	if duration > 0 {
		fields["duration_seconds"] = int64(duration / time.Second)
	}
	return s.toOrganization(message.New(message.TypeSystemMaintenance, fields), organizationID, ""), nil
}

// NotifyUser sends a free-form notification to one user
func (s *Service) NotifyUser(userID, title, body string, data map[string]interface{}) (bool, error) {
	if err := requireIDs("user_id", userID); err != nil {
		return false, err
	}
	env, err := custom(title, body, data)
	if err != nil {
		return false, err
	}
	return s.toUser(env, userID), nil
}

// NotifyDocument sends a free-form notification to a document room
func (s *Service) NotifyDocument(documentID, title, body string, data map[string]interface{}) (int, error) {
	if err := requireIDs("document_id", documentID); err != nil {
		return 0, err
	}
	env, err := custom(title, body, data)
	if err != nil {
		return 0, err
	}
	return s.toDocument(env, documentID, ""), nil
}

// NotifyDeal sends a free-form notification to a deal room
func (s *Service) NotifyDeal(dealID, title, body string, data map[string]interface{}) (int, error) {
	if err := requireIDs("deal_id", dealID); err != nil {
		return 0, err
	}
	env, err := custom(title, body, data)
	if err != nil {
		return 0, err
	}
	return s.toDeal(env, dealID, ""), nil
}

// NotifyOrganization sends a free-form notification to an organization room
func (s *Service) NotifyOrganization(organizationID, title, body string, data map[string]interface{}) (int, error) {
	if err := requireIDs("organization_id", organizationID); err != nil {
		return 0, err
	}
	env, err := custom(title, body, data)
	if err != nil {
		return 0, err
	}
	return s.toOrganization(env, organizationID, ""), nil
}

func (s *Service) toUser(env message.Envelope, userID string) bool {
	ok := s.sender.SendPersonalMessage(env, userID, true)
	s.emitted(env.Type, "user_id", userID, "accepted", ok)
	return ok
}

func (s *Service) toDocument(env message.Envelope, documentID, excludeUser string) int {
	n := s.sender.BroadcastToDocument(env, documentID, excludeUser)
	s.emitted(env.Type, "document_id", documentID, "recipients", n)
	return n
}

func (s *Service) toDeal(env message.Envelope, dealID, excludeUser string) int {
	n := s.sender.BroadcastToDeal(env, dealID, excludeUser)
	s.emitted(env.Type, "deal_id", dealID, "recipients", n)
	return n
}

func (s *Service) toOrganization(env message.Envelope, organizationID, excludeUser string) int {
	n := s.sender.BroadcastToOrganization(env, organizationID, excludeUser)
	s.emitted(env.Type, "organization_id", organizationID, "recipients", n)
	return n
}

func (s *Service) emitted(t message.Type, kv ...interface{}) {
	metrics.NotificationsEmitted.WithLabelValues(string(t)).Inc()
	s.logger.Debug("Notification emitted", append([]interface{}{"component", "notification", "type", string(t)}, kv...)...)
}

// requireIDs takes name/value pairs and rejects the first empty value
func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := util.ValidateNotEmpty(pairs[i+1], pairs[i]); err != nil {
			return err
		}
	}
	return nil
}

func custom(title, body string, data map[string]interface{}) (message.Envelope, error) {
	if err := checkSize(data); err != nil {
		return message.Envelope{}, err
	}
	fields := map[string]interface{}{
		"title": title,
		"body":  body,
	}
	if len(data) > 0 {
		fields["data"] = data
	}
	return message.New(message.TypeNotification, fields), nil
}

func checkSize(data map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("notification payload is not serializable: %w", err)
	}
	if len(encoded) > constants.MaxCustomFieldsSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(encoded))
	}
	return nil
}
