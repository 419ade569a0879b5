package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/real-rm/dealroom/internal/message"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/notification"
	"github.com/real-rm/dealroom/internal/testutil"
	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	target string
	env    message.Envelope
}

// recordingSender captures what the notification service hands to the core
type recordingSender struct {
	mu  sync.Mutex
	out []delivery
}

func (r *recordingSender) add(target string, env message.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, delivery{target: target, env: env})
}

func (r *recordingSender) SendPersonalMessage(env message.Envelope, userID string, _ bool) bool {
	r.add("user:"+userID, env)
	return true
}

func (r *recordingSender) BroadcastToDocument(env message.Envelope, documentID, _ string) int {
	r.add("document:"+documentID, env)
	return 1
}

func (r *recordingSender) BroadcastToDeal(env message.Envelope, dealID, _ string) int {
	r.add("deal:"+dealID, env)
	return 1
}

func (r *recordingSender) BroadcastToOrganization(env message.Envelope, organizationID, _ string) int {
	r.add("organization:"+organizationID, env)
	return 1
}

func (r *recordingSender) last() delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out[len(r.out)-1]
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.out)
}

func setup(t *testing.T) (*notification.Service, *recordingSender, *golog.Logger) {
	t.Helper()
	logger := testutil.CreateTestLogger(t)
	sender := &recordingSender{}
	svc := notification.NewService(sender, logger, time.Second)
	t.Cleanup(svc.Close)
	return svc, sender, logger
}

func TestDispatch_Routes(t *testing.T) {
	tests := []struct {
		name   string
		ev     DomainEvent
		target string
		typ    message.Type
	}{
		{"upload started", DomainEvent{Type: "document_upload_started", DealID: "d1", DocumentID: "doc1", UserID: "u1",
			Data: map[string]interface{}{"file_name": "spa.pdf"}}, "deal:d1", message.TypeDocumentUploadStarted},
		{"upload completed", DomainEvent{Type: "document_upload_completed", DealID: "d1", DocumentID: "doc1"},
			"deal:d1", message.TypeDocumentUploadCompleted},
		{"analysis started", DomainEvent{Type: "document_analysis_started", DocumentID: "doc1"},
			"document:doc1", message.TypeAnalysisStarted},
		{"analysis progress", DomainEvent{Type: "document_analysis_progress", DocumentID: "doc1",
			Data: map[string]interface{}{"progress": 55.0, "stage": "clauses"}}, "document:doc1", message.TypeAnalysisProgress},
		{"analysis completed", DomainEvent{Type: "document_analysis_completed", DocumentID: "doc1",
			Data: map[string]interface{}{"summary": map[string]interface{}{"pages": 10.0}}}, "document:doc1", message.TypeAnalysisCompleted},
		{"analysis failed", DomainEvent{Type: "document_analysis_failed", DocumentID: "doc1"},
			"document:doc1", message.TypeAnalysisFailed},
		{"risk started", DomainEvent{Type: "risk_assessment_started", DealID: "d1"},
			"deal:d1", message.TypeRiskAssessmentStarted},
		{"risk completed", DomainEvent{Type: "risk_assessment_completed", DealID: "d1",
			Data: map[string]interface{}{"risk_level": "medium", "score": 0.4, "findings": []interface{}{"a", "b"}}},
			"deal:d1", message.TypeRiskAssessmentCompleted},
		{"compliance", DomainEvent{Type: "compliance_alert", DealID: "d1"}, "deal:d1", message.TypeComplianceAlert},
		{"mention", DomainEvent{Type: "user_mentioned", UserID: "u2", DocumentID: "doc1"}, "user:u2", message.TypeUserMentioned},
		{"shared", DomainEvent{Type: "document_shared", UserID: "u2", DocumentID: "doc1"}, "user:u2", message.TypeDocumentShared},
		{"review assigned", DomainEvent{Type: "review_assigned", UserID: "u3", DocumentID: "doc1",
			Data: map[string]interface{}{"due_at": "2026-04-01T12:00:00Z"}}, "user:u3", message.TypeReviewAssigned},
		{"review submitted", DomainEvent{Type: "review_submitted", UserID: "u3", DocumentID: "doc1"},
			"document:doc1", message.TypeReviewSubmitted},
		{"workflow completed", DomainEvent{Type: "review_workflow_completed", DocumentID: "doc1"},
			"document:doc1", message.TypeReviewWorkflowCompleted},
		{"review overdue", DomainEvent{Type: "review_overdue", UserID: "u3", DocumentID: "doc1"},
			"user:u3", message.TypeReviewOverdue},
		{"maintenance", DomainEvent{Type: "system_maintenance", OrganizationID: "o1",
			Data: map[string]interface{}{"message": "upgrade", "duration_seconds": 600.0}}, "organization:o1", message.TypeSystemMaintenance},
		{"notify user", DomainEvent{Type: TypeNotifyUser, UserID: "u1"}, "user:u1", message.TypeNotification},
		{"notify document", DomainEvent{Type: TypeNotifyDocument, DocumentID: "doc1"}, "document:doc1", message.TypeNotification},
		{"notify deal", DomainEvent{Type: TypeNotifyDeal, DealID: "d1"}, "deal:d1", message.TypeNotification},
		{"notify organization", DomainEvent{Type: TypeNotifyOrganization, OrganizationID: "o1"}, "organization:o1", message.TypeNotification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, sender, _ := setup(t)
			require.NoError(t, Dispatch(svc, tt.ev))
			require.Equal(t, 1, sender.count())
			got := sender.last()
			assert.Equal(t, tt.target, got.target)
			assert.Equal(t, tt.typ, got.env.Type)
		})
	}
}

func TestDispatch_DataIsCarried(t *testing.T) {
	svc, sender, _ := setup(t)

	err := Dispatch(svc, DomainEvent{
		Type:   "risk_assessment_completed",
		DealID: "d1",
		Data: map[string]interface{}{
			"risk_level": "high",
			"score":      0.9,
			"findings":   []interface{}{"indemnity cap", 3.0},
		},
	})
	require.NoError(t, err)

	env := sender.last().env
	assert.Equal(t, "high", env.String("risk_level"))
	assert.Equal(t, 0.9, env.Fields["score"])
	assert.Equal(t, []string{"indemnity cap"}, env.Fields["findings"])
}

func TestDispatch_Errors(t *testing.T) {
	svc, sender, _ := setup(t)

	err := Dispatch(svc, DomainEvent{Type: "deal_archived"})
	assert.True(t, errors.Is(err, ErrUnknownEventType))

	err = Dispatch(svc, DomainEvent{Type: "document_analysis_started"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEventType))

	assert.Equal(t, 0, sender.count())
}

func TestSubscriber_HandleOutcomes(t *testing.T) {
	svc, sender, logger := setup(t)
	s := &Subscriber{notifier: svc, logger: logger}

	valid, err := json.Marshal(DomainEvent{Type: "compliance_alert", DealID: "d1"})
	require.NoError(t, err)

	dispatchedBefore := promtestutil.ToFloat64(metrics.EventsReceived.WithLabelValues(OutcomeDispatched))

	assert.Equal(t, OutcomeDispatched, s.handle("dealroom.events.compliance", valid))
	assert.Equal(t, OutcomeInvalid, s.handle("dealroom.events.x", []byte("{broken")))
	assert.Equal(t, OutcomeInvalid, s.handle("dealroom.events.x", []byte(`{"deal_id":"d1"}`)))
	assert.Equal(t, OutcomeUnknown, s.handle("dealroom.events.x", []byte(`{"type":"deal_archived"}`)))
	assert.Equal(t, OutcomeRejected, s.handle("dealroom.events.x", []byte(`{"type":"user_mentioned"}`)))

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, dispatchedBefore+1, promtestutil.ToFloat64(metrics.EventsReceived.WithLabelValues(OutcomeDispatched)))
}

type fakePendingLimiter struct {
	msgs, bytes int
	err         error
}

func (f *fakePendingLimiter) SetPendingLimits(msgLimit, bytesLimit int) error {
	f.msgs, f.bytes = msgLimit, bytesLimit
	return f.err
}

func TestSubscriber_ApplyPendingLimits(t *testing.T) {
	svc, _, logger := setup(t)
	s := &Subscriber{cfg: Config{Subject: "dealroom.events.>"}, notifier: svc, logger: logger}

	ok := &fakePendingLimiter{}
	require.NoError(t, s.applyPendingLimits(ok))
	assert.Equal(t, pendingMsgLimit, ok.msgs)
	assert.Equal(t, pendingBytesLimit, ok.bytes)

	failing := &fakePendingLimiter{err: errors.New("nats: invalid subscription")}
	assert.EqualError(t, s.applyPendingLimits(failing), "nats: invalid subscription")
}

func TestNewSubscriber_Validation(t *testing.T) {
	svc, _, logger := setup(t)

	_, err := NewSubscriber(Config{}, svc, logger)
	assert.Error(t, err)

	// nothing listens on port 1
	_, err = NewSubscriber(Config{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond}, svc, logger)
	assert.Error(t, err)
}

func TestDomainEvent_JSON(t *testing.T) {
	raw := `{"id":"e1","type":"document_shared","organization_id":"o1","user_id":"u2","document_id":"doc1",` +
		`"data":{"shared_by":"u1","permission":"edit"},"occurred_at":"2026-03-01T10:00:00Z"}`

	var ev DomainEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, "document_shared", ev.Type)
	assert.Equal(t, "edit", ev.str("permission"))
	assert.Equal(t, 2026, ev.OccurredAt.Year())
	assert.True(t, ev.when("missing").IsZero())
}
