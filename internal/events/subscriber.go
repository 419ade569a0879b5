package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/notification"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
)

// Outcome labels for the events received metric
const (
	OutcomeDispatched = "dispatched"
	OutcomeInvalid    = "invalid"
	OutcomeUnknown    = "unknown"
	OutcomeRejected   = "rejected"
)

// Buffered message bounds for a slow handler
const (
	pendingMsgLimit   = 1_000_000
	pendingBytesLimit = 64 * 1024 * 1024
)

// Config holds the event bus connection settings
type Config struct {
	URL           string
	Subject       string
	Queue         string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Subscriber consumes domain events from NATS and hands them to a Notifier
type Subscriber struct {
	cfg      Config
	nc       *nats.Conn
	notifier notification.Notifier
	logger   *golog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewSubscriber connects to the event bus. It does not subscribe until Start.
func NewSubscriber(cfg Config, notifier notification.Notifier, logger *golog.Logger) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = constants.DefaultNATSSubject
	}
	if cfg.Name == "" {
		cfg.Name = "dealroom-core"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Event bus disconnected", "component", "events", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Event bus reconnected", "component", "events", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Subscriber{
		cfg:      cfg,
		nc:       nc,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Start subscribes to the configured subject, as a queue group member when
// a queue name is set
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}

	cb := func(m *nats.Msg) {
		s.handle(m.Subject, m.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if s.cfg.Queue == "" {
		sub, err = s.nc.Subscribe(s.cfg.Subject, cb)
	} else {
		sub, err = s.nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.applyPendingLimits(sub)
	s.sub = sub

	s.logger.Info("Event subscriber started",
		"component", "events",
		"subject", s.cfg.Subject,
		"queue", s.cfg.Queue)
	return nil
}

// pendingLimiter is the part of *nats.Subscription that bounds buffered messages
type pendingLimiter interface {
	SetPendingLimits(msgLimit, bytesLimit int) error
}

// applyPendingLimits bounds the messages buffered for a slow handler. A
// failure keeps the client defaults and is only logged.
func (s *Subscriber) applyPendingLimits(sub pendingLimiter) error {
	err := sub.SetPendingLimits(pendingMsgLimit, pendingBytesLimit)
	if err != nil {
		util.LogError(s.logger, "events", "set pending limits", err, "subject", s.cfg.Subject)
	}
	return err
}

// Connected reports whether the bus connection is up
func (s *Subscriber) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// Close drains the subscription and the connection
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Drain()
		s.sub = nil
	}
	if s.nc != nil && !s.nc.IsClosed() {
		return s.nc.Drain()
	}
	return nil
}

// handle decodes and dispatches one bus message. It returns the outcome label.
func (s *Subscriber) handle(subject string, data []byte) string {
	outcome := s.process(subject, data)
	metrics.EventsReceived.WithLabelValues(outcome).Inc()
	return outcome
}

func (s *Subscriber) process(subject string, data []byte) string {
	var ev DomainEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		util.LogError(s.logger, "events", "decode event", err, "subject", subject)
		return OutcomeInvalid
	}
	if ev.Type == "" {
		s.logger.Warn("Event without type dropped", "component", "events", "subject", subject)
		return OutcomeInvalid
	}

	if err := Dispatch(s.notifier, ev); err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			s.logger.Debug("Unknown event type ignored",
				"component", "events",
				"subject", subject,
				"type", ev.Type)
			return OutcomeUnknown
		}
		util.LogError(s.logger, "events", "dispatch event", err,
			"subject", subject,
			"type", ev.Type,
			"event_id", ev.ID)
		return OutcomeRejected
	}
	return OutcomeDispatched
}
